// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Named counters for engine telemetry. Engines resolve their counters once
// and bump them lock-free; readers take snapshots.

package control

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Counters is a registry of named monotonic counters.
type Counters struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Uint64
}

// NewCounters creates an empty registry.
func NewCounters() *Counters {
	return &Counters{counters: make(map[string]*atomic.Uint64)}
}

// Counter returns the counter registered under name, creating it.
func (c *Counters) Counter(name string) *atomic.Uint64 {
	c.mu.RLock()
	v, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.counters[name]; !ok {
		v = new(atomic.Uint64)
		c.counters[name] = v
	}
	return v
}

// Get reads a counter; unknown names read zero.
func (c *Counters) Get(name string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.counters[name]; ok {
		return v.Load()
	}
	return 0
}

// Snapshot returns current values of all counters.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]uint64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v.Load()
	}
	return out
}

// Names returns registered counter names in order.
func (c *Counters) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.counters))
	for k := range c.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
