package service

import (
	"sync"

	"gatekeeper/internal/audit/models"
)

// buffer is a bounded FIFO of signed events awaiting the sink. A full buffer
// refuses new events rather than dropping old ones.
type buffer struct {
	mu    sync.Mutex
	items []models.Event
	head  int
	size  int
}

func newBuffer(capacity int) *buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &buffer{items: make([]models.Event, capacity)}
}

func (b *buffer) push(e models.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == len(b.items) {
		return false
	}
	b.items[(b.head+b.size)%len(b.items)] = e
	b.size++
	return true
}

// peek returns up to n events from the front without removing them.
func (b *buffer) peek(n int) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.size {
		n = b.size
	}
	out := make([]models.Event, n)
	for i := range n {
		out[i] = b.items[(b.head+i)%len(b.items)]
	}
	return out
}

// drop removes n events from the front.
func (b *buffer) drop(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.size {
		n = b.size
	}
	for i := range n {
		b.items[(b.head+i)%len(b.items)] = models.Event{}
	}
	b.head = (b.head + n) % len(b.items)
	b.size -= n
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
