package slidingsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	syncerrors "github.com/alexjbarnes/room-sync/internal/errors"
)

// queueChanSize is the number of operations that may wait in the queue
// before Enqueue applies backpressure.
const queueChanSize = 64

// Op is a transport mutation run by the queue.
type Op func() error

type queuedOp struct {
	name   string
	fn     Op
	result chan error
}

// Queue runs operations one at a time in submission order on a single
// worker goroutine. A failing operation never stops the worker; its error
// is logged and delivered only to the submitter.
type Queue struct {
	logger *slog.Logger

	opCh chan queuedOp
	done chan struct{}

	// mu guards closed and serializes sends against Close.
	mu     sync.RWMutex
	closed bool
}

// NewQueue starts the worker goroutine.
func NewQueue(logger *slog.Logger) *Queue {
	q := &Queue{
		logger: logger,
		opCh:   make(chan queuedOp, queueChanSize),
		done:   make(chan struct{}),
	}

	go q.run()

	return q
}

// Enqueue submits fn and returns a channel that receives its error (or
// nil) once it has run. The channel is buffered so the result is never
// lost if nobody reads it.
func (q *Queue) Enqueue(name string, fn Op) <-chan error {
	result := make(chan error, 1)

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		result <- syncerrors.ErrQueueClosed
		return result
	}

	q.opCh <- queuedOp{name: name, fn: fn, result: result}

	return result
}

// Do submits fn and waits for it to finish or for ctx to end. When ctx
// ends first the operation still runs in its turn.
func (q *Queue) Do(ctx context.Context, name string, fn Op) error {
	result := q.Enqueue(name, fn)

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting operations. Operations already queued still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.opCh)
}

// drained is closed once the worker has run every accepted operation
// after Close.
func (q *Queue) drained() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for op := range q.opCh {
		err := q.runOp(op)
		if err != nil {
			q.logger.Warn("queued operation failed",
				slog.String("op", op.name),
				slog.String("error", err.Error()),
			)
		}

		op.result <- err
	}
}

func (q *Queue) runOp(op queuedOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", op.name, r)
		}
	}()

	return op.fn()
}
