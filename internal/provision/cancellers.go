package provision

import (
	"context"
	"sync"
)

// cancellers maps attempt ids to the cancel func of their running process
// so a stop request takes effect without waiting for the process.
type cancellers struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func newCancellers() *cancellers {
	return &cancellers{m: map[string]context.CancelFunc{}}
}

// register overwrites any previous entry for the attempt.
func (c *cancellers) register(attemptID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[attemptID] = cancel
}

func (c *cancellers) unregister(attemptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, attemptID)
}

func (c *cancellers) running(attemptID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[attemptID]
	return ok
}

// cancel reports whether a cancel func was found and called.
func (c *cancellers) cancel(attemptID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[attemptID]
	c.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}

func (c *cancellers) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.m {
		cancel()
	}
}
