// Package slidingsync drives a windowed sync session: it serializes every
// transport mutation, tracks focused rooms and configured lists, restarts
// stalled sessions and widens list windows in the background.
package slidingsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	syncerrors "github.com/alexjbarnes/room-sync/internal/errors"
	"golang.org/x/sync/singleflight"
)

const (
	// focusTimelineFloor is the minimum timeline depth of a focused room.
	focusTimelineFloor = 100

	resumeKey = "resume"
)

// Options tunes the controller's timing and list presets.
type Options struct {
	WatchdogInterval time.Duration
	StuckThreshold   time.Duration
	RestartCooldown  time.Duration
	ResumeTimeout    time.Duration
	UnfocusGrace     time.Duration
	SpiderBatch      int
	SpiderDelay      time.Duration

	// Lists are registered on Initialize. Nil means InitialLists().
	Lists map[string]ListDefinition
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		WatchdogInterval: 15 * time.Second,
		StuckThreshold:   60 * time.Second,
		RestartCooldown:  30 * time.Second,
		ResumeTimeout:    8 * time.Second,
		UnfocusGrace:     30 * time.Second,
		SpiderBatch:      100,
	}
}

// Deps are the collaborators bound to one session.
type Deps struct {
	Transport Transport
	Crypto    CryptoOracle
	Rooms     RoomDirectory
}

// session is everything owned by one Initialize..Dispose span.
type session struct {
	transport Transport
	crypto    CryptoOracle
	rooms     RoomDirectory

	queue    *Queue
	ledger   *Ledger
	registry *Registry
	watchdog *Watchdog
	expander *Expander
	subs     subscriptionSet

	ctx    context.Context
	cancel context.CancelFunc

	bgMu    sync.Mutex
	closing bool
	bg      sync.WaitGroup
}

// spawn runs fn on a tracked goroutine. It refuses once teardown began
// so no Add can race the final Wait.
func (s *session) spawn(fn func()) {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()

	if s.closing {
		return
	}

	s.bg.Add(1)

	go func() {
		defer s.bg.Done()
		fn()
	}()
}

// Controller is the session controller. Create one per authenticated
// connection with New and release it with Dispose.
type Controller struct {
	logger *slog.Logger
	opts   Options

	presence  Presence
	supported atomic.Bool
	resume    singleflight.Group

	mu          sync.RWMutex
	sess        *session
	ready       chan struct{}
	readyClosed bool
	enabled     bool
	disabled    bool
}

// New creates an idle controller. Zero-valued options fall back to
// DefaultOptions.
func New(opts Options, logger *slog.Logger) *Controller {
	def := DefaultOptions()

	if opts.WatchdogInterval <= 0 {
		opts.WatchdogInterval = def.WatchdogInterval
	}

	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = def.StuckThreshold
	}

	if opts.RestartCooldown <= 0 {
		opts.RestartCooldown = def.RestartCooldown
	}

	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = def.ResumeTimeout
	}

	if opts.UnfocusGrace <= 0 {
		opts.UnfocusGrace = def.UnfocusGrace
	}

	if opts.SpiderBatch <= 0 {
		opts.SpiderBatch = def.SpiderBatch
	}

	return &Controller{
		logger: logger,
		opts:   opts,
		ready:  make(chan struct{}),
	}
}

// Supported reports the result of the last capability check. Callers
// consult it before attempting a resume.
func (c *Controller) Supported() bool {
	return c.supported.Load()
}

// VerifyServerSupport runs the capability check. An unsupported server
// permanently disables the controller, which unblocks all waiters.
func (c *Controller) VerifyServerSupport(ctx context.Context, checker CapabilityChecker) (bool, error) {
	ok, err := checker.SupportsSlidingSync(ctx)
	if err != nil {
		return false, fmt.Errorf("checking sliding sync support: %w", err)
	}

	c.supported.Store(ok)

	if ok {
		c.logger.Debug("native simplified sliding sync support detected")
	} else {
		c.Disable()
	}

	return ok, nil
}

// Disable marks the controller as not in use. It has no effect once the
// controller was initialized.
func (c *Controller) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled || c.disabled {
		return
	}

	c.disabled = true
	c.resolveReadyLocked()
}

func (c *Controller) resolveReadyLocked() {
	if !c.readyClosed {
		close(c.ready)
		c.readyClosed = true
	}
}

// Initialize binds the controller to a transport, registers the list
// presets and the reduced subscription profile, starts the watchdog and
// the background expander, and starts the transport. A previous session
// is torn down first. If the transport fails to start, the new session
// is torn down again and the controller is left uninitialized.
func (c *Controller) Initialize(ctx context.Context, deps Deps) error {
	if deps.Transport == nil || deps.Crypto == nil || deps.Rooms == nil {
		return fmt.Errorf("initializing sliding sync: missing dependency")
	}

	c.mu.Lock()
	prev := c.sess
	c.sess = nil
	c.mu.Unlock()

	if prev != nil {
		c.teardown(prev, false)
	}

	lists := c.opts.Lists
	if lists == nil {
		lists = InitialLists()
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	queueLogger := c.logger.With(slog.String("component", "queue"))

	s := &session{
		transport: deps.Transport,
		crypto:    deps.Crypto,
		rooms:     deps.Rooms,
		queue:     NewQueue(queueLogger),
		ledger:    NewLedger(c.opts.UnfocusGrace),
		registry:  NewRegistry(lists),
		ctx:       sessCtx,
		cancel:    cancel,
	}

	s.transport.AddCustomSubscription(ReducedSubscriptionKey, ReducedSubscription())

	ids := make([]string, 0, len(lists))
	for id := range lists {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		if err := s.transport.SetList(ctx, id, lists[id]); err != nil {
			c.logger.Warn("registering list failed",
				slog.String("list", id),
				slog.String("error", err.Error()),
			)
		}
	}

	s.watchdog = newWatchdog(c.opts, &c.presence, func(reason string) {
		c.restartTransport(s, reason)
	}, c.logger.With(slog.String("component", "watchdog")))
	s.watchdog.reset(time.Now())

	s.subs.add(s.transport.SubscribeLifecycle(s.watchdog.observe))
	s.subs.add(s.rooms.SubscribeRoomEvents(func(ev RoomEvent) {
		c.onRoomEvent(s, ev)
	}))

	s.expander = newExpander(s.transport, s.queue, s.registry, lists, c.opts,
		c.logger.With(slog.String("component", "expander")))

	c.mu.Lock()
	c.sess = s
	c.enabled = true
	c.disabled = false
	c.resolveReadyLocked()
	c.mu.Unlock()

	s.watchdog.start()
	s.expander.start(s.ctx)

	c.logger.Info("sliding sync activated", slog.Int("lists", len(lists)))

	if err := s.transport.Start(); err != nil {
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
			c.enabled = false
			c.ready = make(chan struct{})
			c.readyClosed = false
		}
		c.mu.Unlock()

		c.teardown(s, false)

		return fmt.Errorf("starting sliding sync transport: %w", err)
	}

	return nil
}

// Dispose releases every timer and listener, stops the transport and
// re-arms the initialization barrier so the controller can be
// initialized again. Queued operations drain on their own.
func (c *Controller) Dispose() {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.enabled = false
	c.disabled = false
	c.resolveReadyLocked()
	c.ready = make(chan struct{})
	c.readyClosed = false
	c.mu.Unlock()

	if s != nil {
		c.teardown(s, true)
	}
}

func (c *Controller) teardown(s *session, clearSubscriptions bool) {
	s.bgMu.Lock()
	s.closing = true
	s.bgMu.Unlock()

	s.cancel()
	s.watchdog.halt()
	s.expander.halt()
	s.subs.releaseAll()
	s.ledger.clear()

	if clearSubscriptions {
		if err := s.transport.ModifyRoomSubscriptions(context.Background(), map[string]struct{}{}); err != nil {
			c.logger.Debug("clearing room subscriptions failed", slog.String("error", err.Error()))
		}
	}

	s.transport.Stop()
	s.queue.Close()
	s.bg.Wait()

	c.logger.Info("sliding sync session disposed")
}

// session returns the live session, or nil.
func (c *Controller) session() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sess
}

// active reports whether focus operations should run at all.
func (c *Controller) active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.disabled {
		return false
	}

	return c.enabled || c.sess != nil
}

// awaitSession blocks until the barrier resolves and returns the live
// session, which is nil when the controller was disabled or disposed.
func (c *Controller) awaitSession(ctx context.Context) (*session, error) {
	c.mu.RLock()
	ready := c.ready
	c.mu.RUnlock()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.session(), nil
}

func (c *Controller) restartTransport(s *session, reason string) {
	s.transport.Stop()

	if err := s.transport.Start(); err != nil {
		c.logger.Warn("restarting transport failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	}
}

// ConfigureList merges update into the named list and pushes the result
// to the transport when it changed. It returns the effective definition.
func (c *Controller) ConfigureList(ctx context.Context, listID string, update ListUpdate) (ListDefinition, error) {
	s, err := c.awaitSession(ctx)
	if err != nil {
		return ListDefinition{}, err
	}

	if s == nil {
		return ListDefinition{}, syncerrors.ErrNotInitialized
	}

	existing, exists := s.registry.Get(listID)
	if !exists {
		if existing, exists = s.transport.ListParams(listID); exists {
			s.registry.Set(listID, existing)
		}
	}

	if exists && update.rangesOnly() {
		if slices.Equal(existing.Ranges, update.Ranges) {
			return existing, nil
		}

		ranges := cloneRanges(update.Ranges)

		err := s.queue.Do(ctx, "set_list_ranges", func() error {
			s.registry.SetRanges(listID, ranges)
			return s.transport.SetListRanges(s.ctx, listID, ranges)
		})
		if err != nil {
			return ListDefinition{}, fmt.Errorf("setting ranges of list %s: %w", listID, err)
		}

		def, _ := s.registry.Get(listID)

		return def, nil
	}

	merged, err := MergeList(existing, exists, update)
	if err != nil {
		return ListDefinition{}, err
	}

	if exists && EqualLists(existing, merged) {
		return merged, nil
	}

	err = s.queue.Do(ctx, "set_list", func() error {
		if err := s.transport.SetList(s.ctx, listID, merged); err != nil {
			c.logger.Error("configuring list failed",
				slog.String("list", listID),
				slog.String("error", err.Error()),
			)

			return err
		}

		s.registry.Set(listID, merged)

		return nil
	})
	if err != nil && ctx.Err() != nil {
		return ListDefinition{}, err
	}

	def, ok := s.registry.Get(listID)
	if !ok {
		return merged, nil
	}

	return def, nil
}

// FocusRoom subscribes roomID with a timeline of at least
// focusTimelineFloor events, choosing the reduced profile for unencrypted
// rooms. When the room is not known locally yet it waits until it
// arrives, the controller is disposed, or ctx ends.
func (c *Controller) FocusRoom(ctx context.Context, roomID string) error {
	if !c.active() {
		return nil
	}

	s, err := c.awaitSession(ctx)
	if err != nil {
		return err
	}

	if s == nil {
		return nil
	}

	gen := s.ledger.beginFocus(roomID)
	log := c.logger.With(slog.String("room_id", roomID))

	subscribed, err := c.ensureTimelineFloor(ctx, s, roomID)
	if err != nil {
		return err
	}

	if subscribed {
		return nil
	}

	known := s.rooms.HasRoom(roomID)

	encrypted, err := s.crypto.IsEncryptionEnabledInRoom(ctx, roomID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Debug("encryption state unknown, using default profile", slog.String("error", err.Error()))

		encrypted = true
	}

	profile := ProfileDefault
	if !encrypted {
		profile = ProfileReduced
	}

	limit := focusTimelineFloor

	err = s.queue.Do(ctx, "focus_room", func() error {
		if profile == ProfileReduced {
			if err := s.transport.UseCustomSubscription(roomID, ReducedSubscriptionKey); err != nil {
				log.Debug("selecting reduced profile failed", slog.String("error", err.Error()))
			}
		}

		params, ok := s.transport.RoomParams(roomID)
		if ok && params.TimelineLimit > limit {
			limit = params.TimelineLimit
		}

		params.TimelineLimit = limit
		if err := s.transport.SetRoom(s.ctx, roomID, params); err != nil {
			log.Debug("setting room params failed", slog.String("error", err.Error()))
		}

		subs := s.transport.RoomSubscriptions()
		subs[roomID] = struct{}{}

		return s.transport.ModifyRoomSubscriptions(s.ctx, subs)
	})
	if err != nil && ctx.Err() != nil {
		return err
	}

	s.ledger.set(roomID, LedgerEntry{Profile: profile, TimelineLimit: limit})

	// A concurrent mutation can overwrite the set between our update and
	// now. Retry once; the next sync cycle reconciles anything further.
	if _, ok := s.transport.RoomSubscriptions()[roomID]; !ok && s.ledger.isCurrent(roomID, gen) {
		log.Debug("room subscription did not stick, retrying once")

		err := s.queue.Do(ctx, "focus_room_retry", func() error {
			subs := s.transport.RoomSubscriptions()
			subs[roomID] = struct{}{}

			return s.transport.ModifyRoomSubscriptions(s.ctx, subs)
		})
		if err != nil && ctx.Err() != nil {
			return err
		}
	}

	if !known {
		return c.waitForRoom(ctx, s, roomID)
	}

	return nil
}

// ensureTimelineFloor raises the timeline limit of an already subscribed
// room and reports whether the room was subscribed. It runs on the queue
// so a removal already in flight lands before the check.
func (c *Controller) ensureTimelineFloor(ctx context.Context, s *session, roomID string) (bool, error) {
	var subscribed bool

	err := s.queue.Do(ctx, "raise_timeline_limit", func() error {
		if _, subscribed = s.transport.RoomSubscriptions()[roomID]; !subscribed {
			return nil
		}

		params, ok := s.transport.RoomParams(roomID)
		if !ok || params.TimelineLimit >= focusTimelineFloor {
			return nil
		}

		params.TimelineLimit = focusTimelineFloor

		if err := s.transport.SetRoom(s.ctx, roomID, params); err != nil {
			return err
		}

		s.ledger.setTimelineLimit(roomID, focusTimelineFloor)

		return nil
	})
	if err != nil && ctx.Err() != nil {
		return false, err
	}

	return subscribed, nil
}

func (c *Controller) waitForRoom(ctx context.Context, s *session, roomID string) error {
	arrived := make(chan struct{})

	var once sync.Once

	sub := s.rooms.SubscribeRoomEvents(func(ev RoomEvent) {
		if ev.Kind == RoomArrived && ev.RoomID == roomID {
			once.Do(func() { close(arrived) })
		}
	})
	defer sub.Unsubscribe()

	// Checked after subscribing so an arrival in between is not missed.
	if s.rooms.HasRoom(roomID) {
		return nil
	}

	select {
	case <-arrived:
		return nil
	case <-s.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UnfocusRoom schedules removal of roomID from the subscription set after
// the grace window. A focus before it fires cancels it.
func (c *Controller) UnfocusRoom(roomID string) {
	if !c.active() {
		return
	}

	s := c.session()
	if s == nil {
		return
	}

	s.ledger.scheduleUnfocus(roomID, func(gen uint64) {
		s.queue.Enqueue("unfocus_room", func() error {
			if !s.ledger.isCurrent(roomID, gen) {
				return nil
			}

			subs := s.transport.RoomSubscriptions()
			if _, ok := subs[roomID]; !ok {
				s.ledger.remove(roomID)
				return nil
			}

			delete(subs, roomID)

			if err := s.transport.ModifyRoomSubscriptions(s.ctx, subs); err != nil {
				return err
			}

			s.ledger.remove(roomID)

			return nil
		})
	})
}

// SubscribeRooms adds every room to the subscription set in one
// mutation. Used for rooms that must stay live without being focused,
// such as emote pack rooms.
func (c *Controller) SubscribeRooms(ctx context.Context, roomIDs ...string) error {
	if len(roomIDs) == 0 || !c.active() {
		return nil
	}

	s, err := c.awaitSession(ctx)
	if err != nil || s == nil {
		return err
	}

	err = s.queue.Do(ctx, "subscribe_rooms", func() error {
		subs := s.transport.RoomSubscriptions()
		for _, id := range roomIDs {
			subs[id] = struct{}{}
		}

		return s.transport.ModifyRoomSubscriptions(s.ctx, subs)
	})
	if err != nil {
		return fmt.Errorf("subscribing %d rooms: %w", len(roomIDs), err)
	}

	c.logger.Debug("subscribed extra rooms", slog.Int("rooms", len(roomIDs)))

	return nil
}

func (c *Controller) onRoomEvent(s *session, ev RoomEvent) {
	if ev.Kind != EncryptionChanged {
		return
	}

	s.spawn(func() {
		c.reevaluateProfile(s, ev.RoomID)
	})
}

// reevaluateProfile switches a subscribed room between the reduced and
// default profiles. Failures are dropped; the next encryption event
// triggers another attempt.
func (c *Controller) reevaluateProfile(s *session, roomID string) {
	if _, ok := s.transport.RoomSubscriptions()[roomID]; !ok {
		return
	}

	encrypted, err := s.crypto.IsEncryptionEnabledInRoom(s.ctx, roomID)
	if err != nil {
		c.logger.Debug("encryption lookup failed",
			slog.String("room_id", roomID),
			slog.String("error", err.Error()),
		)

		return
	}

	_ = s.queue.Do(s.ctx, "switch_profile", func() error {
		if encrypted {
			if err := s.transport.RemoveCustomSubscription(roomID); err != nil {
				return err
			}

			s.ledger.setProfile(roomID, ProfileDefault)

			return nil
		}

		if err := s.transport.UseCustomSubscription(roomID, ReducedSubscriptionKey); err != nil {
			return err
		}

		s.ledger.setProfile(roomID, ProfileReduced)

		return nil
	})
}

// SetVisible records app visibility. Becoming visible triggers a resume.
func (c *Controller) SetVisible(visible bool) {
	c.presence.setVisible(visible)

	if visible {
		c.triggerResume("visible")
	}
}

// SetOnline records network reachability. Coming online triggers a resume.
func (c *Controller) SetOnline(online bool) {
	c.presence.setOnline(online)

	if online {
		c.triggerResume("online")
	}
}

// AppFocused records a window focus event and triggers a resume.
func (c *Controller) AppFocused() {
	c.triggerResume("focus")
}

func (c *Controller) triggerResume(reason string) {
	if !c.Supported() {
		return
	}

	s := c.session()
	if s == nil {
		return
	}

	s.spawn(func() {
		if _, err := c.ResumeFromAppForeground(s.ctx); err != nil && s.ctx.Err() == nil {
			c.logger.Debug("resume failed", slog.String("trigger", reason), slog.String("error", err.Error()))
		}
	})
}

// Status is a snapshot of the controller for diagnostics.
type Status struct {
	Supported      bool                   `json:"supported"`
	Enabled        bool                   `json:"enabled"`
	Disabled       bool                   `json:"disabled"`
	Visible        bool                   `json:"visible"`
	Online         bool                   `json:"online"`
	Watchdog       *WatchdogSnapshot      `json:"watchdog,omitempty"`
	Rooms          map[string]LedgerEntry `json:"rooms,omitempty"`
	PendingUnfocus int                    `json:"pending_unfocus"`
	ListBounds     map[string]int         `json:"list_bounds,omitempty"`
	ExpansionDone  bool                   `json:"expansion_done"`
}

// Status returns a diagnostic snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		Supported: c.Supported(),
		Enabled:   c.enabled,
		Disabled:  c.disabled,
		Visible:   c.presence.Visible(),
		Online:    c.presence.Online(),
	}
	s := c.sess
	c.mu.RUnlock()

	if s == nil {
		return st
	}

	wd := s.watchdog.snapshot(time.Now())
	st.Watchdog = &wd
	st.Rooms = s.ledger.Snapshot()
	st.PendingUnfocus = s.ledger.PendingCount()
	st.ListBounds = s.expander.Bounds()
	st.ExpansionDone = s.expander.Finished()

	return st
}

// List returns the effective definition of a configured list.
func (c *Controller) List(listID string) (ListDefinition, bool) {
	s := c.session()
	if s == nil {
		return ListDefinition{}, false
	}

	return s.registry.Get(listID)
}
