// Package fanout delivers every published value to every subscriber.
//
// Each subscriber owns an unbounded FIFO mailbox guarded by a sync.Cond and a
// pump goroutine that forwards into the subscriber's channel. Publish never
// blocks on a slow reader and never drops a value.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Hub fans values of type T out to independent subscribers.
type Hub[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*mailbox[T]
	nextID uint64
	closed bool

	published atomic.Uint64
}

// New returns an empty hub.
func New[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[uint64]*mailbox[T])}
}

type mailbox[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	out    chan T
	done   chan struct{}
}

func newMailbox[T any](buf int) *mailbox[T] {
	m := &mailbox[T]{out: make(chan T, buf), done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	if !m.closed {
		m.queue = append(m.queue, v)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

// pump drains the queue in order. On close, values already queued are still
// delivered unless the reader has gone away (abandon).
func (m *mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}

// Subscribe registers a subscriber. initial values are queued ahead of any
// later Publish. The returned cancel func is idempotent; after it runs the
// channel is closed once the pump exits.
func (h *Hub[T]) Subscribe(buf int, initial ...T) (<-chan T, func()) {
	m := newMailbox[T](buf)
	m.queue = append(m.queue, initial...)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		m.closed = true
		go m.pump()
		return m.out, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = m
	h.mu.Unlock()

	go m.pump()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(m.done)
			m.close()
		})
	}
	return m.out, cancel
}

// Publish queues v for every current subscriber.
func (h *Hub[T]) Publish(v T) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.published.Add(1)
	for _, m := range h.subs {
		m.push(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Published counts values accepted by Publish.
func (h *Hub[T]) Published() uint64 { return h.published.Load() }

// Close flushes queued values to each subscriber, then closes their channels.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, m := range h.subs {
		m.close()
		delete(h.subs, id)
	}
}
