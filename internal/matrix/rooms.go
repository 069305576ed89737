package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/alexjbarnes/room-sync/internal/state"
	"github.com/tidwall/gjson"
)

// RoomFlagStore persists per-room encryption flags. *state.State
// satisfies it.
type RoomFlagStore interface {
	AllRooms() (map[string]state.RoomState, error)
	SetRoom(roomID string, rs state.RoomState) error
}

// ErrUnknownRoom is returned by IsEncryptionEnabledInRoom for rooms whose
// encryption state has never been observed.
var ErrUnknownRoom = errors.New("room encryption state unknown")

// RoomStore tracks the rooms seen by the sync loop. It is both the
// controller's RoomDirectory and its CryptoOracle: a room counts as
// encrypted once an m.room.encryption state event was seen for it.
type RoomStore struct {
	logger *slog.Logger
	store  RoomFlagStore
	events *slidingsync.Emitter[slidingsync.RoomEvent]

	mu        sync.RWMutex
	known     map[string]bool
	encrypted map[string]bool
}

// NewRoomStore loads persisted encryption flags. store may be nil.
func NewRoomStore(store RoomFlagStore, logger *slog.Logger) (*RoomStore, error) {
	r := &RoomStore{
		logger:    logger,
		store:     store,
		events:    slidingsync.NewEmitter[slidingsync.RoomEvent](),
		known:     make(map[string]bool),
		encrypted: make(map[string]bool),
	}

	if store == nil {
		return r, nil
	}

	rooms, err := store.AllRooms()
	if err != nil {
		return nil, fmt.Errorf("loading room flags: %w", err)
	}

	for id, rs := range rooms {
		r.encrypted[id] = rs.Encrypted
	}

	return r, nil
}

// HasRoom reports whether the room was seen in this process.
func (r *RoomStore) HasRoom(roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.known[roomID]
}

// SubscribeRoomEvents registers fn for arrivals and encryption changes.
func (r *RoomStore) SubscribeRoomEvents(fn func(slidingsync.RoomEvent)) slidingsync.Subscription {
	return r.events.Subscribe(fn)
}

// IsEncryptionEnabledInRoom answers from observed or persisted state.
func (r *RoomStore) IsEncryptionEnabledInRoom(_ context.Context, roomID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	enc, ok := r.encrypted[roomID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}

	return enc, nil
}

// knownCount returns the number of rooms seen in this process.
func (r *RoomStore) knownCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.known)
}

// observe applies one room entry of a sync response. Events are emitted
// after the lock is released, arrival first.
func (r *RoomStore) observe(roomID string, room gjson.Result) {
	sawEncryption := false

	for _, ev := range room.Get("required_state").Array() {
		if ev.Get("type").Str == "m.room.encryption" {
			sawEncryption = true
			break
		}
	}

	initial := room.Get("initial").Bool()

	r.mu.Lock()
	arrived := !r.known[roomID]
	r.known[roomID] = true

	prev, hadFlag := r.encrypted[roomID]

	var next bool

	switch {
	case sawEncryption:
		next = true
	case initial:
		// A full snapshot without an encryption event means unencrypted.
		next = false
	default:
		next = prev
	}

	changed := (sawEncryption || initial) && (!hadFlag || prev != next)
	if sawEncryption || initial {
		r.encrypted[roomID] = next
	}
	r.mu.Unlock()

	if changed && r.store != nil {
		if err := r.store.SetRoom(roomID, state.RoomState{Encrypted: next, SeenAt: time.Now().Unix()}); err != nil {
			r.logger.Warn("persisting room flags failed",
				slog.String("room_id", roomID),
				slog.String("error", err.Error()),
			)
		}
	}

	if arrived {
		r.events.Emit(slidingsync.RoomEvent{Kind: slidingsync.RoomArrived, RoomID: roomID})
	}

	if changed {
		r.logger.Debug("room encryption state changed",
			slog.String("room_id", roomID),
			slog.Bool("encrypted", next),
		)
		r.events.Emit(slidingsync.RoomEvent{Kind: slidingsync.EncryptionChanged, RoomID: roomID})
	}
}
