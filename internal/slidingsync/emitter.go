package slidingsync

import "sync"

// Emitter fans events out to registered listeners. Listeners are invoked
// synchronously on the emitting goroutine in registration order and must
// not block for long.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func(T)
	order     []uint64
}

// NewEmitter returns an empty emitter.
func NewEmitter[T any]() *Emitter[T] {
	return &Emitter[T]{listeners: make(map[uint64]func(T))}
}

// Subscribe registers fn and returns its handle.
func (e *Emitter[T]) Subscribe(fn func(T)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.order = append(e.order, id)

	return &emitterSub[T]{emitter: e, id: id}
}

// Emit delivers v to every listener registered at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))

	for _, id := range e.order {
		if fn, ok := e.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// size returns the number of live listeners.
func (e *Emitter[T]) size() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.listeners)
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.listeners[id]; !ok {
		return
	}

	delete(e.listeners, id)

	for i, v := range e.order {
		if v == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

type emitterSub[T any] struct {
	emitter *Emitter[T]
	id      uint64
	once    sync.Once
}

func (s *emitterSub[T]) Unsubscribe() {
	s.once.Do(func() { s.emitter.remove(s.id) })
}

// subscriptionSet releases a group of handles exactly once.
type subscriptionSet struct {
	mu   sync.Mutex
	subs []Subscription
}

func (s *subscriptionSet) add(sub Subscription) {
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *subscriptionSet) releaseAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}
