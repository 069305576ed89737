package slidingsync

import (
	context "context"
	reflect "reflect"

	gomock "go.uber.org/mock/gomock"
)

// MockCryptoOracle is a mock of CryptoOracle interface.
type MockCryptoOracle struct {
	ctrl     *gomock.Controller
	recorder *MockCryptoOracleMockRecorder
	isgomock struct{}
}

// MockCryptoOracleMockRecorder is the mock recorder for MockCryptoOracle.
type MockCryptoOracleMockRecorder struct {
	mock *MockCryptoOracle
}

// NewMockCryptoOracle creates a new mock instance.
func NewMockCryptoOracle(ctrl *gomock.Controller) *MockCryptoOracle {
	mock := &MockCryptoOracle{ctrl: ctrl}
	mock.recorder = &MockCryptoOracleMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockCryptoOracle) EXPECT() *MockCryptoOracleMockRecorder {
	return m.recorder
}

// IsEncryptionEnabledInRoom mocks base method.
func (m *MockCryptoOracle) IsEncryptionEnabledInRoom(ctx context.Context, roomID string) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "IsEncryptionEnabledInRoom", ctx, roomID)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// IsEncryptionEnabledInRoom indicates an expected call of IsEncryptionEnabledInRoom.
func (mr *MockCryptoOracleMockRecorder) IsEncryptionEnabledInRoom(ctx, roomID any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "IsEncryptionEnabledInRoom", reflect.TypeOf((*MockCryptoOracle)(nil).IsEncryptionEnabledInRoom), ctx, roomID)
}

// MockCapabilityChecker is a mock of CapabilityChecker interface.
type MockCapabilityChecker struct {
	ctrl     *gomock.Controller
	recorder *MockCapabilityCheckerMockRecorder
	isgomock struct{}
}

// MockCapabilityCheckerMockRecorder is the mock recorder for MockCapabilityChecker.
type MockCapabilityCheckerMockRecorder struct {
	mock *MockCapabilityChecker
}

// NewMockCapabilityChecker creates a new mock instance.
func NewMockCapabilityChecker(ctrl *gomock.Controller) *MockCapabilityChecker {
	mock := &MockCapabilityChecker{ctrl: ctrl}
	mock.recorder = &MockCapabilityCheckerMockRecorder{mock}
	return mock
}

// EXPECT returns an object that allows the caller to indicate expected use.
func (m *MockCapabilityChecker) EXPECT() *MockCapabilityCheckerMockRecorder {
	return m.recorder
}

// SupportsSlidingSync mocks base method.
func (m *MockCapabilityChecker) SupportsSlidingSync(ctx context.Context) (bool, error) {
	m.ctrl.T.Helper()
	ret := m.ctrl.Call(m, "SupportsSlidingSync", ctx)
	ret0, _ := ret[0].(bool)
	ret1, _ := ret[1].(error)
	return ret0, ret1
}

// SupportsSlidingSync indicates an expected call of SupportsSlidingSync.
func (mr *MockCapabilityCheckerMockRecorder) SupportsSlidingSync(ctx any) *gomock.Call {
	mr.mock.ctrl.T.Helper()
	return mr.mock.ctrl.RecordCallWithMethodType(mr.mock, "SupportsSlidingSync", reflect.TypeOf((*MockCapabilityChecker)(nil).SupportsSlidingSync), ctx)
}
