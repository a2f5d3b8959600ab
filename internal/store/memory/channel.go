package memory

import (
	"context"
	"sync"

	"github.com/gosuda/followup/internal/domain"
)

// Channel fans envelopes out to in-process subscribers. A subscriber whose
// buffer is full misses the envelope.
type Channel struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan domain.Envelope
	buffer int
}

func NewChannel(buffer int) *Channel {
	if buffer <= 0 {
		buffer = 64
	}
	return &Channel{subs: make(map[int]chan domain.Envelope), buffer: buffer}
}

func (c *Channel) Publish(_ context.Context, env domain.Envelope) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, ch := range c.subs {
		select {
		case ch <- env:
		default:
		}
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context) (<-chan domain.Envelope, func(), error) {
	ch := make(chan domain.Envelope, c.buffer)

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			close(ch)
			c.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return ch, cleanup, nil
}
