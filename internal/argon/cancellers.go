package argon

import (
	"context"
	"sync"
)

// Cancellers is an in-memory registry of per-run cancel funcs so the cancel
// endpoint can stop an in-flight provider call without polling the store.
type Cancellers struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

func NewCancellers() *Cancellers {
	return &Cancellers{m: map[string]context.CancelFunc{}}
}

// Register records cancel for runID, replacing any previous entry.
func (c *Cancellers) Register(runID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[runID] = cancel
}

func (c *Cancellers) Unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, runID)
}

// Cancel calls the registered cancel func for runID. It reports whether one
// was found.
func (c *Cancellers) Cancel(runID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[runID]
	c.mu.Unlock()
	if !ok || cancel == nil {
		return false
	}
	cancel()
	return true
}

// InFlight reports whether runID currently has a registered cancel func.
func (c *Cancellers) InFlight(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.m[runID]
	return ok
}

// Len is the number of runs currently registered.
func (c *Cancellers) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
