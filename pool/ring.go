// File: pool/ring.go
// Author: momentics <momentics@gmail.com>
//
// Bounded FIFO of slot indexes for cross-thread and cross-process transfer.
// Head, tail and count sit in a metadata word block guarded by a spinlock
// word, so the ring works over shared memory as well as the heap.

package pool

import (
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-mq/api"
)

// RingMetaWords is the size of the ring metadata block: lock, head, tail, count.
const RingMetaWords = 4

const (
	ringLock = iota
	ringHead
	ringTail
	ringCount
)

// Ring is a fixed-capacity queue of slots.
type Ring struct {
	meta  []uint32
	slots []uint32
}

// NewRing allocates a heap-backed ring.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("ring capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	return AttachRing(make([]uint32, RingMetaWords), make([]uint32, capacity), true)
}

// AttachRing builds a ring over existing metadata and slot words.
func AttachRing(meta, slots []uint32, init bool) (*Ring, error) {
	if len(meta) < RingMetaWords || len(slots) == 0 {
		return nil, fmt.Errorf("ring attach: %w", api.ErrInvalidArgument)
	}
	r := &Ring{meta: meta[:RingMetaWords], slots: slots}
	if init {
		for i := range r.meta {
			atomic.StoreUint32(&r.meta[i], 0)
		}
	}
	return r, nil
}

// Push appends s. It returns api.ErrQueueFull when the ring is at capacity.
func (r *Ring) Push(s Slot) error {
	spinLock(&r.meta[ringLock])
	defer spinUnlock(&r.meta[ringLock])
	n := r.meta[ringCount]
	if int(n) >= len(r.slots) {
		return api.ErrQueueFull
	}
	tail := r.meta[ringTail]
	r.slots[tail] = uint32(s)
	r.meta[ringTail] = (tail + 1) % uint32(len(r.slots))
	atomic.StoreUint32(&r.meta[ringCount], n+1)
	return nil
}

// Pop removes the oldest slot. ok is false when the ring is empty.
func (r *Ring) Pop() (Slot, bool) {
	spinLock(&r.meta[ringLock])
	defer spinUnlock(&r.meta[ringLock])
	if r.meta[ringCount] == 0 {
		return 0, false
	}
	return r.popLocked(), true
}

// PopN fills out with up to len(out) slots and returns how many were taken.
func (r *Ring) PopN(out []Slot) int {
	if len(out) == 0 {
		return 0
	}
	spinLock(&r.meta[ringLock])
	defer spinUnlock(&r.meta[ringLock])
	n := min(int(r.meta[ringCount]), len(out))
	for i := 0; i < n; i++ {
		out[i] = r.popLocked()
	}
	return n
}

func (r *Ring) popLocked() Slot {
	head := r.meta[ringHead]
	s := Slot(r.slots[head])
	r.meta[ringHead] = (head + 1) % uint32(len(r.slots))
	atomic.StoreUint32(&r.meta[ringCount], r.meta[ringCount]-1)
	return s
}

// Len returns number of queued slots.
func (r *Ring) Len() int {
	return int(atomic.LoadUint32(&r.meta[ringCount]))
}

// Cap returns ring capacity.
func (r *Ring) Cap() int {
	return len(r.slots)
}
