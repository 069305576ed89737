package slidingsync

import (
	"context"
	"time"
)

// Range is an inclusive [start, end] index window over a list.
type Range [2]int

// End returns the upper index of the range.
func (r Range) End() int { return r[1] }

// StateKey is an (event type, state key) pair requested for a room.
type StateKey [2]string

// ListFilters restricts which rooms a list contains.
type ListFilters struct {
	IsDM      *bool    `json:"is_dm,omitempty" yaml:"is_dm,omitempty"`
	IsInvite  *bool    `json:"is_invite,omitempty" yaml:"is_invite,omitempty"`
	RoomTypes []string `json:"room_types,omitempty" yaml:"room_types,omitempty"`
	Tags      []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	NotTags   []string `json:"not_tags,omitempty" yaml:"not_tags,omitempty"`
}

// ListDefinition is the full configuration of one named list.
type ListDefinition struct {
	Ranges        []Range      `json:"ranges"`
	Sort          []string     `json:"sort,omitempty"`
	Filters       *ListFilters `json:"filters,omitempty"`
	TimelineLimit int          `json:"timeline_limit"`
	RequiredState []StateKey   `json:"required_state,omitempty"`
}

// PrimaryEnd returns the upper bound of the first range, or -1 when the
// list has no ranges.
func (d ListDefinition) PrimaryEnd() int {
	if len(d.Ranges) == 0 {
		return -1
	}

	return d.Ranges[0].End()
}

// ListUpdate is a partial ListDefinition. Nil or empty fields keep the
// existing value.
type ListUpdate struct {
	Ranges        []Range      `json:"ranges,omitempty" yaml:"ranges,omitempty"`
	Sort          []string     `json:"sort,omitempty" yaml:"sort,omitempty"`
	Filters       *ListFilters `json:"filters,omitempty" yaml:"filters,omitempty"`
	TimelineLimit *int         `json:"timeline_limit,omitempty" yaml:"timeline_limit,omitempty"`
	RequiredState []StateKey   `json:"required_state,omitempty" yaml:"required_state,omitempty"`
}

// rangesOnly reports whether the update touches nothing but ranges.
func (u ListUpdate) rangesOnly() bool {
	return len(u.Ranges) > 0 &&
		len(u.Sort) == 0 &&
		u.Filters == nil &&
		u.TimelineLimit == nil &&
		len(u.RequiredState) == 0
}

// ListData is what the transport knows about a list's server-side extent.
type ListData struct {
	Count int
}

// RoomSubscription is a named profile of required state and timeline
// depth applied to a subscribed room.
type RoomSubscription struct {
	TimelineLimit   int               `json:"timeline_limit"`
	RequiredState   []StateKey        `json:"required_state"`
	IncludeOldRooms *RoomSubscription `json:"include_old_rooms,omitempty"`
}

// RoomParams are per-room overrides.
type RoomParams struct {
	TimelineLimit int `json:"timeline_limit"`
}

// Profile selects which subscription profile a focused room uses.
type Profile int

const (
	// ProfileDefault requests the full default subscription.
	ProfileDefault Profile = iota
	// ProfileReduced requests the lighter profile used for unencrypted rooms.
	ProfileReduced
)

func (p Profile) String() string {
	switch p {
	case ProfileReduced:
		return "reduced"
	default:
		return "default"
	}
}

// LifecycleState identifies a transport lifecycle event.
type LifecycleState int

const (
	// StateRequestFinished fires when a sync response has been received.
	StateRequestFinished LifecycleState = iota
	// StateComplete fires when a sync response has been fully processed.
	StateComplete
)

func (s LifecycleState) String() string {
	switch s {
	case StateRequestFinished:
		return "request_finished"
	case StateComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// LifecycleEvent is emitted by the transport once per sync cycle stage.
// Err is set when the cycle failed at that stage.
type LifecycleEvent struct {
	State LifecycleState
	At    time.Time
	Err   error
}

// RoomEventKind identifies a room directory notification.
type RoomEventKind int

const (
	// RoomArrived fires when a room becomes known locally.
	RoomArrived RoomEventKind = iota
	// EncryptionChanged fires when a room's encryption state event is seen.
	EncryptionChanged
)

// RoomEvent is a room directory notification.
type RoomEvent struct {
	Kind   RoomEventKind
	RoomID string
}

// Subscription is a registration handle. Unsubscribe is safe to call
// more than once.
type Subscription interface {
	Unsubscribe()
}

// Transport is the sync protocol client the controller drives.
type Transport interface {
	Start() error
	Stop()

	SetList(ctx context.Context, listID string, def ListDefinition) error
	SetListRanges(ctx context.Context, listID string, ranges []Range) error
	ListParams(listID string) (ListDefinition, bool)
	ListData(listID string) (ListData, bool)

	// RoomSubscriptions returns a copy of the current subscription set.
	RoomSubscriptions() map[string]struct{}
	ModifyRoomSubscriptions(ctx context.Context, subs map[string]struct{}) error
	SetRoom(ctx context.Context, roomID string, params RoomParams) error
	RoomParams(roomID string) (RoomParams, bool)

	AddCustomSubscription(key string, sub RoomSubscription)
	UseCustomSubscription(roomID, key string) error
	RemoveCustomSubscription(roomID string) error

	Resend()
	SubscribeLifecycle(fn func(LifecycleEvent)) Subscription
}

// CryptoOracle answers whether a room has end-to-end encryption enabled.
type CryptoOracle interface {
	IsEncryptionEnabledInRoom(ctx context.Context, roomID string) (bool, error)
}

// RoomDirectory knows which rooms exist locally and reports changes.
type RoomDirectory interface {
	HasRoom(roomID string) bool
	SubscribeRoomEvents(fn func(RoomEvent)) Subscription
}

// CapabilityChecker reports whether the server speaks the protocol.
type CapabilityChecker interface {
	SupportsSlidingSync(ctx context.Context) (bool, error)
}
