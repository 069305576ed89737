package slidingsync

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type rangeCall struct {
	list   string
	ranges []Range
}

// fakeTransport is an in-memory Transport that records every call.
type fakeTransport struct {
	mu sync.Mutex

	lists    map[string]ListDefinition
	listData map[string]ListData
	subs     map[string]struct{}
	params   map[string]RoomParams
	custom   map[string]string
	profiles map[string]RoomSubscription

	starts, stops, resends int
	setListCalls           []string
	rangeCalls             []rangeCall
	modifyCalls            []map[string]struct{}
	setRoomCalls           []string
	removeCustomCalls      []string

	// dropModifies makes the next n ModifyRoomSubscriptions calls succeed
	// without changing the set, simulating a lost update.
	dropModifies int
	onResend     func()

	// modifyGate, when set, parks ModifyRoomSubscriptions until closed.
	modifyGate chan struct{}
	startErr   error

	lifecycle *Emitter[LifecycleEvent]
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		lists:     make(map[string]ListDefinition),
		listData:  make(map[string]ListData),
		subs:      make(map[string]struct{}),
		params:    make(map[string]RoomParams),
		custom:    make(map[string]string),
		profiles:  make(map[string]RoomSubscription),
		lifecycle: NewEmitter[LifecycleEvent](),
	}
}

func (f *fakeTransport) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++

	return f.startErr
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTransport) SetList(_ context.Context, listID string, def ListDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lists[listID] = cloneDefinition(def)
	f.setListCalls = append(f.setListCalls, listID)

	return nil
}

func (f *fakeTransport) SetListRanges(_ context.Context, listID string, ranges []Range) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	def := f.lists[listID]
	def.Ranges = cloneRanges(ranges)
	f.lists[listID] = def
	f.rangeCalls = append(f.rangeCalls, rangeCall{list: listID, ranges: cloneRanges(ranges)})

	return nil
}

func (f *fakeTransport) ListParams(listID string) (ListDefinition, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	def, ok := f.lists[listID]

	return cloneDefinition(def), ok
}

func (f *fakeTransport) ListData(listID string) (ListData, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	d, ok := f.listData[listID]

	return d, ok
}

func (f *fakeTransport) RoomSubscriptions() map[string]struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(map[string]struct{}, len(f.subs))
	for id := range f.subs {
		out[id] = struct{}{}
	}

	return out
}

func (f *fakeTransport) ModifyRoomSubscriptions(_ context.Context, subs map[string]struct{}) error {
	f.mu.Lock()
	gate := f.modifyGate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	cp := make(map[string]struct{}, len(subs))
	for id := range subs {
		cp[id] = struct{}{}
	}

	f.modifyCalls = append(f.modifyCalls, cp)

	if f.dropModifies > 0 {
		f.dropModifies--
		return nil
	}

	f.subs = cp

	return nil
}

func (f *fakeTransport) SetRoom(_ context.Context, roomID string, params RoomParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.params[roomID] = params
	f.setRoomCalls = append(f.setRoomCalls, roomID)

	return nil
}

func (f *fakeTransport) RoomParams(roomID string) (RoomParams, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.params[roomID]

	return p, ok
}

func (f *fakeTransport) AddCustomSubscription(key string, sub RoomSubscription) {
	f.mu.Lock()
	f.profiles[key] = sub
	f.mu.Unlock()
}

func (f *fakeTransport) UseCustomSubscription(roomID, key string) error {
	f.mu.Lock()
	f.custom[roomID] = key
	f.mu.Unlock()

	return nil
}

func (f *fakeTransport) RemoveCustomSubscription(roomID string) error {
	f.mu.Lock()
	delete(f.custom, roomID)
	f.removeCustomCalls = append(f.removeCustomCalls, roomID)
	f.mu.Unlock()

	return nil
}

func (f *fakeTransport) Resend() {
	f.mu.Lock()
	f.resends++
	hook := f.onResend
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (f *fakeTransport) SubscribeLifecycle(fn func(LifecycleEvent)) Subscription {
	return f.lifecycle.Subscribe(fn)
}

func (f *fakeTransport) emit(state LifecycleState) {
	f.lifecycle.Emit(LifecycleEvent{State: state, At: time.Now()})
}

func (f *fakeTransport) setListCount(listID string, count int) {
	f.mu.Lock()
	f.listData[listID] = ListData{Count: count}
	f.mu.Unlock()
}

func (f *fakeTransport) customProfile(roomID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.custom[roomID]

	return key, ok
}

func (f *fakeTransport) counts() (starts, stops, resends int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.starts, f.stops, f.resends
}

func (f *fakeTransport) modifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.modifyCalls)
}

func (f *fakeTransport) setListCallsFor(listID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, id := range f.setListCalls {
		if id == listID {
			n++
		}
	}

	return n
}

func (f *fakeTransport) rangeBounds(listID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []int
	for _, c := range f.rangeCalls {
		if c.list == listID {
			out = append(out, c.ranges[0].End())
		}
	}

	return out
}

// fakeRooms is a RoomDirectory and CryptoOracle backed by maps.
type fakeRooms struct {
	mu        sync.Mutex
	known     map[string]bool
	encrypted map[string]bool
	events    *Emitter[RoomEvent]
}

func newFakeRooms(known ...string) *fakeRooms {
	r := &fakeRooms{
		known:     make(map[string]bool),
		encrypted: make(map[string]bool),
		events:    NewEmitter[RoomEvent](),
	}

	for _, id := range known {
		r.known[id] = true
	}

	return r
}

func (r *fakeRooms) HasRoom(roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.known[roomID]
}

func (r *fakeRooms) SubscribeRoomEvents(fn func(RoomEvent)) Subscription {
	return r.events.Subscribe(fn)
}

func (r *fakeRooms) IsEncryptionEnabledInRoom(_ context.Context, roomID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.encrypted[roomID], nil
}

func (r *fakeRooms) arrive(roomID string) {
	r.mu.Lock()
	r.known[roomID] = true
	r.mu.Unlock()

	r.events.Emit(RoomEvent{Kind: RoomArrived, RoomID: roomID})
}

func (r *fakeRooms) setEncrypted(roomID string, v bool) {
	r.mu.Lock()
	r.encrypted[roomID] = v
	r.mu.Unlock()

	r.events.Emit(RoomEvent{Kind: EncryptionChanged, RoomID: roomID})
}
