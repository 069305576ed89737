package server

import (
	context "context"
	reflect "reflect"

	slidingsync "github.com/alexjbarnes/room-sync/internal/slidingsync"
	gomock "go.uber.org/mock/gomock"
)

// MockController is a mock of Controller interface.
type MockController struct {
	ctrl     *gomock.Controller
	recorder *MockControllerMockRecorder
	isgomock struct{}
}

// MockControllerMockRecorder is the mock recorder for MockController.
type MockControllerMockRecorder struct {
	mock *MockController
}

// NewMockController creates a new mock instance.
func NewMockController(ctrl *gomock.Controller) *MockController {
	mock := &MockController{ctrl: ctrl}
	mock.recorder = &MockControllerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockController) EXPECT() *MockControllerMockRecorder {
	return m.recorder
}

// AppFocused mocks base method.
func (m *MockController) AppFocused() {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "AppFocused")
}

// AppFocused indicates an expected call of AppFocused.
func (mr *MockControllerMockRecorder) AppFocused() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "AppFocused", reflect.TypeOf((*MockController)(nil).AppFocused))
}

// ConfigureList mocks base method.
func (m *MockController) ConfigureList(ctx context.Context, listID string, update slidingsync.ListUpdate) (slidingsync.ListDefinition, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ConfigureList", ctx, listID, update)
	ret0, _ := ret[0].(slidingsync.ListDefinition)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ConfigureList indicates an expected call of ConfigureList.
func (mr *MockControllerMockRecorder) ConfigureList(ctx, listID, update any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ConfigureList", reflect.TypeOf((*MockController)(nil).ConfigureList), ctx, listID, update)
}

// FocusRoom mocks base method.
func (m *MockController) FocusRoom(ctx context.Context, roomID string) error {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "FocusRoom", ctx, roomID)
	ret0, _ := ret[0].(error)
	return ret0
}

// FocusRoom indicates an expected call of FocusRoom.
func (mr *MockControllerMockRecorder) FocusRoom(ctx, roomID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "FocusRoom", reflect.TypeOf((*MockController)(nil).FocusRoom), ctx, roomID)
}

// ResumeFromAppForeground mocks base method.
func (m *MockController) ResumeFromAppForeground(ctx context.Context) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "ResumeFromAppForeground", ctx)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// ResumeFromAppForeground indicates an expected call of ResumeFromAppForeground.
func (mr *MockControllerMockRecorder) ResumeFromAppForeground(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "ResumeFromAppForeground", reflect.TypeOf((*MockController)(nil).ResumeFromAppForeground), ctx)
}

// SetOnline mocks base method.
func (m *MockController) SetOnline(online bool) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "SetOnline", online)
}

// SetOnline indicates an expected call of SetOnline.
func (mr *MockControllerMockRecorder) SetOnline(online any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetOnline", reflect.TypeOf((*MockController)(nil).SetOnline), online)
}

// SetVisible mocks base method.
func (m *MockController) SetVisible(visible bool) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "SetVisible", visible)
}

// SetVisible indicates an expected call of SetVisible.
func (mr *MockControllerMockRecorder) SetVisible(visible any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SetVisible", reflect.TypeOf((*MockController)(nil).SetVisible), visible)
}

// Status mocks base method.
func (m *MockController) Status() slidingsync.Status {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "Status")
	ret0, _ := ret[0].(slidingsync.Status)
	return ret0
}

// Status indicates an expected call of Status.
func (mr *MockControllerMockRecorder) Status() *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "Status", reflect.TypeOf((*MockController)(nil).Status))
}

// UnfocusRoom mocks base method.
func (m *MockController) UnfocusRoom(roomID string) {
	m.ctrl.T.Helper()
	m.ctrl.Call(m, "UnfocusRoom", roomID)
}

// UnfocusRoom indicates an expected call of UnfocusRoom.
func (mr *MockControllerMockRecorder) UnfocusRoom(roomID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "UnfocusRoom", reflect.TypeOf((*MockController)(nil).UnfocusRoom), roomID)
}
