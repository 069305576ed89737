package slidingsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Expander widens list windows in the background after each completed
// sync cycle until every list covers its full count, then detaches.
type Expander struct {
	logger    *slog.Logger
	transport Transport
	queue     *Queue
	registry  *Registry

	batch int
	delay time.Duration

	mu     sync.Mutex
	bounds map[string]int

	sub      Subscription
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	finished atomic.Bool
}

func newExpander(transport Transport, queue *Queue, registry *Registry, lists map[string]ListDefinition, opts Options, logger *slog.Logger) *Expander {
	bounds := make(map[string]int, len(lists))
	for id, def := range lists {
		if end := def.PrimaryEnd(); end >= 0 {
			bounds[id] = end
		}
	}

	return &Expander{
		logger:    logger,
		transport: transport,
		queue:     queue,
		registry:  registry,
		batch:     opts.SpiderBatch,
		delay:     opts.SpiderDelay,
		bounds:    bounds,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (e *Expander) start(ctx context.Context) {
	e.sub = e.transport.SubscribeLifecycle(func(ev LifecycleEvent) {
		if ev.State != StateComplete || ev.Err != nil {
			return
		}

		select {
		case e.wake <- struct{}{}:
		default:
		}
	})

	go e.run(ctx)
}

func (e *Expander) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-e.wake:
		}

		if e.delay > 0 {
			t := time.NewTimer(e.delay)
			select {
			case <-t.C:
			case <-e.stop:
				t.Stop()
				return
			case <-ctx.Done():
				t.Stop()
				return
			}
		}

		if !e.expand(ctx) {
			e.finished.Store(true)
			e.sub.Unsubscribe()
			e.logger.Debug("background list expansion complete")

			return
		}
	}
}

// expand widens every list that has more rooms than its bound. It
// returns false when no list needed widening.
func (e *Expander) expand(ctx context.Context) bool {
	e.mu.Lock()
	ids := make([]string, 0, len(e.bounds))
	for id := range e.bounds {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	sort.Strings(ids)

	expanded := false

	for _, id := range ids {
		data, ok := e.transport.ListData(id)
		if !ok {
			continue
		}

		e.mu.Lock()
		bound := e.bounds[id]
		e.mu.Unlock()

		if bound >= data.Count {
			continue
		}

		next := min(bound+e.batch, data.Count)

		// Never narrow a window someone else already widened.
		if def, ok := e.registry.Get(id); ok && def.PrimaryEnd() >= next {
			e.setBound(id, def.PrimaryEnd())
			expanded = expanded || def.PrimaryEnd() < data.Count

			continue
		}

		e.setBound(id, next)
		expanded = true

		listID := id
		ranges := []Range{{0, next}}

		err := e.queue.Do(ctx, "expand_list", func() error {
			e.registry.SetRanges(listID, ranges)
			return e.transport.SetListRanges(ctx, listID, ranges)
		})
		if err != nil {
			e.logger.Debug("list expansion failed",
				slog.String("list", listID),
				slog.String("error", err.Error()),
			)
		} else {
			e.logger.Debug("list expanded",
				slog.String("list", listID),
				slog.Int("bound", next),
				slog.Int("count", data.Count),
			)
		}
	}

	return expanded
}

func (e *Expander) setBound(listID string, bound int) {
	e.mu.Lock()
	e.bounds[listID] = bound
	e.mu.Unlock()
}

// Bounds returns a copy of the applied bounds.
func (e *Expander) Bounds() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]int, len(e.bounds))
	for id, b := range e.bounds {
		out[id] = b
	}

	return out
}

// Finished reports whether expansion reached its terminal state.
func (e *Expander) Finished() bool {
	return e.finished.Load()
}

func (e *Expander) halt() {
	e.stopOnce.Do(func() { close(e.stop) })

	if e.sub != nil {
		e.sub.Unsubscribe()
		<-e.done
	}
}
