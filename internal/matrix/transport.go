package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	syncerrors "github.com/alexjbarnes/room-sync/internal/errors"
	"github.com/alexjbarnes/room-sync/internal/slidingsync"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

const (
	retryMin = 1 * time.Second
	retryMax = 60 * time.Second

	// jitterDivisor controls the range of random jitter added to the
	// retry backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// retryBackoffMultiplier is the exponential growth factor applied
	// to the retry backoff after each consecutive failure.
	retryBackoffMultiplier = 2

	// DefaultPollTimeout is how long the server may hold a sync request.
	DefaultPollTimeout = 20 * time.Second

	// DefaultConnID names the sync connection and keys its stored position.
	DefaultConnID = "room-sync"

	errUnknownPos = "M_UNKNOWN_POS"
)

// PosStore persists the sync position across restarts. *state.State
// satisfies it.
type PosStore interface {
	SyncPos(connID string) string
	SetSyncPos(connID, pos string) error
}

// TransportOptions configure a Transport.
type TransportOptions struct {
	PollTimeout time.Duration
	ConnID      string
}

type syncRequest struct {
	ConnID            string                                  `json:"conn_id,omitempty"`
	TxnID             string                                  `json:"txn_id"`
	Lists             map[string]slidingsync.ListDefinition   `json:"lists"`
	RoomSubscriptions map[string]slidingsync.RoomSubscription `json:"room_subscriptions"`
}

// Transport is a simplified sliding sync connection driven by a
// long-poll loop. It implements slidingsync.Transport.
type Transport struct {
	client *Client
	rooms  *RoomStore
	store  PosStore
	logger *slog.Logger

	pollTimeout time.Duration
	connID      string

	lifecycle *slidingsync.Emitter[slidingsync.LifecycleEvent]

	mu         sync.Mutex
	lists      map[string]slidingsync.ListDefinition
	listData   map[string]slidingsync.ListData
	subs       map[string]struct{}
	roomParams map[string]slidingsync.RoomParams
	custom     map[string]slidingsync.RoomSubscription
	roomCustom map[string]string
	pos        string

	// runMu guards the loop handles. Start and Stop hold it for their
	// whole duration so a restart is never interleaved with another.
	runMu     sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	reqMu     sync.Mutex
	reqCancel context.CancelFunc

	// immediate makes the next request ask for a zero poll timeout.
	immediate bool
}

// NewTransport creates a stopped transport. store may be nil.
func NewTransport(client *Client, rooms *RoomStore, store PosStore, opts TransportOptions, logger *slog.Logger) *Transport {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}

	if opts.ConnID == "" {
		opts.ConnID = DefaultConnID
	}

	t := &Transport{
		client:      client,
		rooms:       rooms,
		store:       store,
		logger:      logger,
		pollTimeout: opts.PollTimeout,
		connID:      opts.ConnID,
		lifecycle:   slidingsync.NewEmitter[slidingsync.LifecycleEvent](),
		lists:       make(map[string]slidingsync.ListDefinition),
		listData:    make(map[string]slidingsync.ListData),
		subs:        make(map[string]struct{}),
		roomParams:  make(map[string]slidingsync.RoomParams),
		custom:      make(map[string]slidingsync.RoomSubscription),
		roomCustom:  make(map[string]string),
	}

	if store != nil {
		t.pos = store.SyncPos(opts.ConnID)
	}

	return t
}

// Start launches the sync loop. It is a no-op while running.
func (t *Transport) Start() error {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.cancel != nil {
		return nil
	}

	if t.client.AccessToken() == "" {
		return fmt.Errorf("starting sync: %w", syncerrors.ErrInvalidToken)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(ctx, t.done)

	t.logger.Info("sync loop started", slog.String("conn_id", t.connID))

	return nil
}

// Stop cancels the sync loop and waits for it to exit. Must not be
// called from a lifecycle listener.
func (t *Transport) Stop() {
	t.runMu.Lock()
	defer t.runMu.Unlock()

	if t.cancel == nil {
		return
	}

	t.cancel()
	<-t.done

	t.cancel = nil
	t.done = nil

	t.logger.Info("sync loop stopped")
}

// Resend aborts the in-flight request so the loop immediately sends a
// fresh one carrying the current parameters. That request is sent with a
// zero timeout so an idle server answers it at once.
func (t *Transport) Resend() {
	t.reqMu.Lock()
	defer t.reqMu.Unlock()

	t.immediate = true

	if t.reqCancel != nil {
		t.reqCancel()
	}
}

// SubscribeLifecycle registers fn for RequestFinished and Complete events.
func (t *Transport) SubscribeLifecycle(fn func(slidingsync.LifecycleEvent)) slidingsync.Subscription {
	return t.lifecycle.Subscribe(fn)
}

// SetList replaces a list definition and pushes it on the next request.
func (t *Transport) SetList(_ context.Context, listID string, def slidingsync.ListDefinition) error {
	t.mu.Lock()
	t.lists[listID] = def
	t.mu.Unlock()

	t.Resend()

	return nil
}

// SetListRanges replaces only the ranges of a known list.
func (t *Transport) SetListRanges(_ context.Context, listID string, ranges []slidingsync.Range) error {
	t.mu.Lock()

	def, ok := t.lists[listID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("setting ranges: unknown list %q", listID)
	}

	def.Ranges = append([]slidingsync.Range(nil), ranges...)
	t.lists[listID] = def
	t.mu.Unlock()

	t.Resend()

	return nil
}

// ListParams returns the definition last set for a list.
func (t *Transport) ListParams(listID string) (slidingsync.ListDefinition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	def, ok := t.lists[listID]

	return def, ok
}

// ListData returns what the server last reported for a list.
func (t *Transport) ListData(listID string) (slidingsync.ListData, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.listData[listID]

	return d, ok
}

// RoomSubscriptions returns a copy of the subscription set.
func (t *Transport) RoomSubscriptions() map[string]struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]struct{}, len(t.subs))
	for id := range t.subs {
		out[id] = struct{}{}
	}

	return out
}

// ModifyRoomSubscriptions replaces the subscription set.
func (t *Transport) ModifyRoomSubscriptions(_ context.Context, subs map[string]struct{}) error {
	next := make(map[string]struct{}, len(subs))
	for id := range subs {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	t.subs = next
	t.mu.Unlock()

	t.Resend()

	return nil
}

// SetRoom sets per-room overrides.
func (t *Transport) SetRoom(_ context.Context, roomID string, params slidingsync.RoomParams) error {
	t.mu.Lock()
	t.roomParams[roomID] = params
	_, subscribed := t.subs[roomID]
	t.mu.Unlock()

	if subscribed {
		t.Resend()
	}

	return nil
}

// RoomParams returns the per-room overrides.
func (t *Transport) RoomParams(roomID string) (slidingsync.RoomParams, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.roomParams[roomID]

	return p, ok
}

// AddCustomSubscription registers a named subscription profile.
func (t *Transport) AddCustomSubscription(key string, sub slidingsync.RoomSubscription) {
	t.mu.Lock()
	t.custom[key] = sub
	t.mu.Unlock()
}

// UseCustomSubscription applies a registered profile to a room.
func (t *Transport) UseCustomSubscription(roomID, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.custom[key]; !ok {
		return fmt.Errorf("unknown custom subscription %q", key)
	}

	t.roomCustom[roomID] = key

	return nil
}

// RemoveCustomSubscription reverts a room to the default profile.
func (t *Transport) RemoveCustomSubscription(roomID string) error {
	t.mu.Lock()
	delete(t.roomCustom, roomID)
	t.mu.Unlock()

	return nil
}

// buildRequest snapshots the current parameters.
func (t *Transport) buildRequest() syncRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	req := syncRequest{
		ConnID:            t.connID,
		TxnID:             uuid.NewString(),
		Lists:             make(map[string]slidingsync.ListDefinition, len(t.lists)),
		RoomSubscriptions: make(map[string]slidingsync.RoomSubscription, len(t.subs)),
	}

	for id, def := range t.lists {
		req.Lists[id] = def
	}

	for roomID := range t.subs {
		sub := slidingsync.DefaultSubscription()
		if key, ok := t.roomCustom[roomID]; ok {
			if custom, ok := t.custom[key]; ok {
				sub = custom
			}
		}

		if p, ok := t.roomParams[roomID]; ok && p.TimelineLimit > 0 {
			sub.TimelineLimit = p.TimelineLimit
		}

		req.RoomSubscriptions[roomID] = sub
	}

	return req
}

func (t *Transport) currentPos() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.pos
}

func (t *Transport) setPos(pos string) {
	t.mu.Lock()
	t.pos = pos
	t.mu.Unlock()

	if t.store == nil {
		return
	}

	if err := t.store.SetSyncPos(t.connID, pos); err != nil {
		t.logger.Warn("persisting sync position failed", slog.String("error", err.Error()))
	}
}

func (t *Transport) emit(state slidingsync.LifecycleState, err error) {
	t.lifecycle.Emit(slidingsync.LifecycleEvent{State: state, At: time.Now(), Err: err})
}

// run is the long-poll loop. One request is in flight at a time; a
// Resend aborts it and the loop immediately sends the next one.
func (t *Transport) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := retryMin

	for ctx.Err() == nil {
		reqCtx, cancel := context.WithCancel(ctx)

		timeout := t.pollTimeout

		t.reqMu.Lock()
		t.reqCancel = cancel
		if t.immediate {
			timeout = 0
			t.immediate = false
		}
		t.reqMu.Unlock()

		req := t.buildRequest()
		body, err := t.client.Sync(reqCtx, t.currentPos(), timeout, req)

		t.reqMu.Lock()
		t.reqCancel = nil
		t.reqMu.Unlock()

		resent := reqCtx.Err() != nil
		cancel()

		if ctx.Err() != nil {
			return
		}

		if err != nil && resent {
			t.logger.Debug("sync request aborted for resend", slog.String("txn_id", req.TxnID))
			continue
		}

		if err != nil {
			t.emit(slidingsync.StateRequestFinished, err)

			if HasCode(err, errUnknownPos) {
				t.logger.Info("sync position expired, starting a fresh connection")
				t.setPos("")

				continue
			}

			if errors.Is(err, syncerrors.ErrInvalidToken) {
				t.logger.Error("access token rejected, sync loop stopping", slog.String("error", err.Error()))
				return
			}

			jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor))

			t.logger.Warn("sync request failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff+jitter),
			)

			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			backoff = min(backoff*retryBackoffMultiplier, retryMax)

			continue
		}

		backoff = retryMin

		t.emit(slidingsync.StateRequestFinished, nil)

		if err := t.apply(body); err != nil {
			t.logger.Warn("processing sync response failed",
				slog.String("txn_id", req.TxnID),
				slog.String("error", err.Error()),
			)
			t.emit(slidingsync.StateComplete, err)

			continue
		}

		t.emit(slidingsync.StateComplete, nil)
	}
}

// apply folds a sync response into local state.
func (t *Transport) apply(body []byte) error {
	if !gjson.ValidBytes(body) {
		return fmt.Errorf("%w: invalid JSON in sync response", syncerrors.ErrAPIResponse)
	}

	res := gjson.ParseBytes(body)

	pos := res.Get("pos").Str
	if pos == "" {
		return fmt.Errorf("%w: sync response has no pos", syncerrors.ErrAPIResponse)
	}

	counts := make(map[string]int)

	res.Get("lists").ForEach(func(key, value gjson.Result) bool {
		counts[key.Str] = int(value.Get("count").Int())
		return true
	})

	t.mu.Lock()
	for id, n := range counts {
		t.listData[id] = slidingsync.ListData{Count: n}
	}
	t.mu.Unlock()

	if t.rooms != nil {
		type roomEntry struct {
			id   string
			room gjson.Result
		}

		var entries []roomEntry

		res.Get("rooms").ForEach(func(key, value gjson.Result) bool {
			entries = append(entries, roomEntry{id: key.Str, room: value})
			return true
		})

		sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

		for _, e := range entries {
			t.rooms.observe(e.id, e.room)
		}
	}

	t.setPos(pos)

	return nil
}
