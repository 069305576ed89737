package slidingsync

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WatchdogState is the liveness classification of a session.
type WatchdogState int

const (
	WatchdogHealthy WatchdogState = iota
	WatchdogStuck
	WatchdogRestarting
)

func (s WatchdogState) String() string {
	switch s {
	case WatchdogStuck:
		return "stuck"
	case WatchdogRestarting:
		return "restarting"
	default:
		return "healthy"
	}
}

// Presence holds the app signals that gate the watchdog. Both default to
// true so a headless process is treated as visible and online.
type Presence struct {
	hidden  atomic.Bool
	offline atomic.Bool
}

// Visible reports whether the app is in the foreground.
func (p *Presence) Visible() bool { return !p.hidden.Load() }

// Online reports whether the network is reported reachable.
func (p *Presence) Online() bool { return !p.offline.Load() }

func (p *Presence) setVisible(v bool) { p.hidden.Store(!v) }
func (p *Presence) setOnline(v bool)  { p.offline.Store(!v) }

// Watchdog restarts the transport when sync cycles stop completing while
// the app is visible and online.
type Watchdog struct {
	logger   *slog.Logger
	presence *Presence
	restart  func(reason string)

	interval   time.Duration
	stuckAfter time.Duration
	cooldown   time.Duration

	mu                    sync.Mutex
	lastCompleteAt        time.Time
	lastRequestFinishedAt time.Time
	lastRestartAt         time.Time
	restarts              int

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newWatchdog(opts Options, presence *Presence, restart func(reason string), logger *slog.Logger) *Watchdog {
	return &Watchdog{
		logger:     logger,
		presence:   presence,
		restart:    restart,
		interval:   opts.WatchdogInterval,
		stuckAfter: opts.StuckThreshold,
		cooldown:   opts.RestartCooldown,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// observe records progress from a lifecycle event.
func (w *Watchdog) observe(ev LifecycleEvent) {
	if ev.Err != nil {
		w.logger.Warn("sliding sync lifecycle error",
			slog.String("state", ev.State.String()),
			slog.String("error", ev.Err.Error()),
		)

		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch ev.State {
	case StateRequestFinished:
		w.lastRequestFinishedAt = ev.At
	case StateComplete:
		w.lastCompleteAt = ev.At
	}
}

func (w *Watchdog) start() {
	w.started.Store(true)
	go w.run()
}

func (w *Watchdog) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick(time.Now())
		}
	}
}

// tick evaluates liveness once. It returns true when it restarted.
func (w *Watchdog) tick(now time.Time) bool {
	if !w.presence.Visible() || !w.presence.Online() {
		return false
	}

	w.mu.Lock()
	age := now.Sub(w.lastCompleteAt)

	if age <= w.stuckAfter {
		w.mu.Unlock()
		return false
	}

	if now.Sub(w.lastRestartAt) < w.cooldown {
		w.mu.Unlock()
		return false
	}

	w.lastRestartAt = now
	w.mu.Unlock()

	w.logger.Warn("sliding sync appears stuck, restarting", slog.Duration("age", age))
	w.restart("watchdog")
	w.markRestarted(now)

	return true
}

// markRestarted grants a fresh grace period after a restart.
func (w *Watchdog) markRestarted(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastRestartAt = now
	w.lastCompleteAt = now
	w.lastRequestFinishedAt = now
	w.restarts++
}

// reset sets every timestamp to now without counting a restart.
func (w *Watchdog) reset(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastCompleteAt = now
	w.lastRequestFinishedAt = now
	w.lastRestartAt = time.Time{}
}

// lastProgress is the latest of the request-finished and complete times.
func (w *Watchdog) lastProgress() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.lastRequestFinishedAt.After(w.lastCompleteAt) {
		return w.lastRequestFinishedAt
	}

	return w.lastCompleteAt
}

// State classifies the session at now.
func (w *Watchdog) State(now time.Time) WatchdogState {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.lastRestartAt.IsZero() && now.Sub(w.lastRestartAt) < w.cooldown {
		return WatchdogRestarting
	}

	if now.Sub(w.lastCompleteAt) > w.stuckAfter {
		return WatchdogStuck
	}

	return WatchdogHealthy
}

// WatchdogSnapshot is a point-in-time copy of the watchdog timestamps.
type WatchdogSnapshot struct {
	State                 string    `json:"state"`
	LastCompleteAt        time.Time `json:"last_complete_at"`
	LastRequestFinishedAt time.Time `json:"last_request_finished_at"`
	LastRestartAt         time.Time `json:"last_restart_at,omitzero"`
	Restarts              int       `json:"restarts"`
}

func (w *Watchdog) snapshot(now time.Time) WatchdogSnapshot {
	state := w.State(now)

	w.mu.Lock()
	defer w.mu.Unlock()

	return WatchdogSnapshot{
		State:                 state.String(),
		LastCompleteAt:        w.lastCompleteAt,
		LastRequestFinishedAt: w.lastRequestFinishedAt,
		LastRestartAt:         w.lastRestartAt,
		Restarts:              w.restarts,
	}
}

// halt stops the ticker goroutine and waits for it to exit.
func (w *Watchdog) halt() {
	w.stopOnce.Do(func() { close(w.stop) })

	if w.started.Load() {
		<-w.done
	}
}
