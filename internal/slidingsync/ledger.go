package slidingsync

import (
	"sort"
	"sync"
	"time"
)

// LedgerEntry records how a focused room is subscribed.
type LedgerEntry struct {
	Profile       Profile `json:"profile"`
	TimelineLimit int     `json:"timeline_limit"`
}

type pendingUnfocus struct {
	timer *time.Timer
	gen   uint64
}

// Ledger tracks focused rooms and their delayed removals.
//
// Every focus bumps the room's generation. A scheduled removal remembers
// the generation it was scheduled under and is discarded if the room has
// been focused since, whether the timer already fired or not.
type Ledger struct {
	grace time.Duration

	mu       sync.Mutex
	entries  map[string]LedgerEntry
	pending  map[string]*pendingUnfocus
	focusGen map[string]uint64
}

// NewLedger creates a ledger whose removals wait for grace.
func NewLedger(grace time.Duration) *Ledger {
	return &Ledger{
		grace:    grace,
		entries:  make(map[string]LedgerEntry),
		pending:  make(map[string]*pendingUnfocus),
		focusGen: make(map[string]uint64),
	}
}

// beginFocus cancels any pending removal for roomID and returns the new
// focus generation.
func (l *Ledger) beginFocus(roomID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancelLocked(roomID)
	l.focusGen[roomID]++

	return l.focusGen[roomID]
}

// scheduleUnfocus arms the grace timer for roomID, replacing any earlier
// one. fire runs on the timer goroutine with the generation captured now.
func (l *Ledger) scheduleUnfocus(roomID string, fire func(gen uint64)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cancelLocked(roomID)

	p := &pendingUnfocus{gen: l.focusGen[roomID]}
	p.timer = time.AfterFunc(l.grace, func() {
		l.mu.Lock()
		if l.pending[roomID] != p {
			l.mu.Unlock()
			return
		}

		delete(l.pending, roomID)
		l.mu.Unlock()

		fire(p.gen)
	})
	l.pending[roomID] = p
}

func (l *Ledger) cancelLocked(roomID string) bool {
	p, ok := l.pending[roomID]
	if !ok {
		return false
	}

	p.timer.Stop()
	delete(l.pending, roomID)

	return true
}

// isCurrent reports whether gen is still the latest focus generation,
// i.e. no focus happened since it was captured.
func (l *Ledger) isCurrent(roomID string, gen uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.focusGen[roomID] == gen
}

// hasPending reports whether a removal is scheduled for roomID.
func (l *Ledger) hasPending(roomID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.pending[roomID]

	return ok
}

// PendingCount returns the number of scheduled removals.
func (l *Ledger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

func (l *Ledger) set(roomID string, entry LedgerEntry) {
	l.mu.Lock()
	l.entries[roomID] = entry
	l.mu.Unlock()
}

func (l *Ledger) setProfile(roomID string, profile Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[roomID]
	if !ok {
		return
	}

	entry.Profile = profile
	l.entries[roomID] = entry
}

func (l *Ledger) setTimelineLimit(roomID string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := l.entries[roomID]
	entry.TimelineLimit = limit
	l.entries[roomID] = entry
}

func (l *Ledger) remove(roomID string) {
	l.mu.Lock()
	delete(l.entries, roomID)
	l.mu.Unlock()
}

// Get returns the entry for roomID.
func (l *Ledger) Get(roomID string) (LedgerEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[roomID]

	return entry, ok
}

// rooms returns the focused room ids in sorted order.
func (l *Ledger) rooms() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	rooms := make([]string, 0, len(l.entries))
	for id := range l.entries {
		rooms = append(rooms, id)
	}

	sort.Strings(rooms)

	return rooms
}

// Snapshot returns a copy of every entry.
func (l *Ledger) Snapshot() map[string]LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]LedgerEntry, len(l.entries))
	for id, e := range l.entries {
		out[id] = e
	}

	return out
}

// clear stops every pending timer and forgets all rooms.
func (l *Ledger) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id := range l.pending {
		l.cancelLocked(id)
	}

	l.entries = make(map[string]LedgerEntry)
	l.focusGen = make(map[string]uint64)
}
