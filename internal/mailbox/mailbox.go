// Package mailbox provides an unbounded FIFO drained through a channel.
// Producers never block, which lets callbacks from foreign goroutines hand
// work to an event loop that may itself be busy calling back into them.
package mailbox

import "sync"

type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	out    chan T
}

func New[T any]() *Mailbox[T] {
	m := &Mailbox[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go m.run()
	return m
}

// Put enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Out yields queued values in order. It is closed after Close; values still
// queued at that point are discarded.
func (m *Mailbox[T]) Out() <-chan T {
	return m.out
}

func (m *Mailbox[T]) Close() {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queue = nil
		m.mu.Unlock()
		close(m.done)
	})
}

func (m *Mailbox[T]) run() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
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
