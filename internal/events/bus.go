package events

import "sync"

// DefaultBuffer is the per-subscriber queue size used when no buffer
// is given.
const DefaultBuffer = 256

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// Bus fans values out to subscribers through bounded per-subscriber
// queues. Publishing never blocks: when a subscriber's queue is full
// the oldest queued value is dropped. A panicking subscriber is
// isolated from the publisher and from other subscribers.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[int]*subscriber[T]
	nextID  int
	buffer  int
	onDrop  func()
	onPanic func(recovered interface{})
}

// NewBus creates a bus. onDrop and onPanic are optional hooks invoked
// on dropped values and recovered subscriber panics.
func NewBus[T any](buffer int, onDrop func(), onPanic func(interface{})) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus[T]{
		subs:    make(map[int]*subscriber[T]),
		buffer:  buffer,
		onDrop:  onDrop,
		onPanic: onPanic,
	}
}

// Subscribe registers fn and returns an unsubscribe function
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	sub := &subscriber[T]{
		ch:   make(chan T, b.buffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go b.run(sub, fn)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.done)
		})
	}
}

// Publish queues v for every subscriber without blocking
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- v:
			continue
		default:
		}

		// full queue: drop the oldest value and try once more
		select {
		case <-s.ch:
			b.drop()
		default:
		}
		select {
		case s.ch <- v:
		default:
			b.drop()
		}
	}
}

// Len returns the number of active subscribers
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[T]) run(s *subscriber[T], fn func(T)) {
	for {
		select {
		case <-s.done:
			return
		case v := <-s.ch:
			b.deliver(fn, v)
		}
	}
}

func (b *Bus[T]) deliver(fn func(T), v T) {
	defer func() {
		if r := recover(); r != nil && b.onPanic != nil {
			b.onPanic(r)
		}
	}()
	fn(v)
}

func (b *Bus[T]) drop() {
	if b.onDrop != nil {
		b.onDrop()
	}
}
