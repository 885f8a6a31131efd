// control/gauges.go
// Author: momentics <momentics@gmail.com>
//
// Gauges are sampled on read: shard depth, blocks in use, accepted sockets.
// Counters only go up; gauges may move either way.

package control

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Gauges maps names to sampling funcs.
type Gauges struct {
	mu     sync.RWMutex
	sample map[string]func() int64
}

func NewGauges() *Gauges {
	return &Gauges{sample: make(map[string]func() int64)}
}

// Register installs fn under name, replacing an earlier one.
func (g *Gauges) Register(name string, fn func() int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sample[name] = fn
}

// Read samples one gauge.
func (g *Gauges) Read(name string) (int64, bool) {
	g.mu.RLock()
	fn, ok := g.sample[name]
	g.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return fn(), true
}

// Snapshot samples every gauge.
func (g *Gauges) Snapshot() map[string]int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]int64, len(g.sample))
	for k, fn := range g.sample {
		out[k] = fn()
	}
	return out
}

// MarshalZerologObject writes the gauges in name order.
func (g *Gauges) MarshalZerologObject(e *zerolog.Event) {
	snap := g.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		e.Int64(k, snap[k])
	}
}
