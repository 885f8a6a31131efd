// File: shmq/queue.go
// Author: momentics <momentics@gmail.com>
//
// Package shmq implements a bounded queue of fixed-size blocks, either on the
// heap for in-process use or over a named shared mapping so producer and
// consumer can live in different processes.

package shmq

import (
	"fmt"
	"unsafe"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/pool"
)

// ErrFull reports a queue with no free block. Every block is either in the
// ring or held by a consumer, so it matches both api.ErrQueueFull and
// api.ErrSlotExhausted.
var ErrFull = fmt.Errorf("%w: %w", api.ErrQueueFull, api.ErrSlotExhausted)

// Queue couples a ring of slot indexes with the slot allocator that owns the
// blocks. Every slot in the ring is allocated; consumers dealloc after use.
type Queue struct {
	name     string
	path     string
	mem      []byte
	capacity int
	elemSize int
	alloc    *pool.SlotAllocator
	ring     *pool.Ring
	release  func() error
}

// New builds an in-process queue of capacity blocks of elemSize bytes.
func New(capacity, elemSize int) (*Queue, error) {
	l, err := computeLayout(capacity, elemSize)
	if err != nil {
		return nil, err
	}
	// Backed by uint64 words so the region is 8-byte aligned.
	words := make([]uint64, (l.total+7)/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), l.total)
	return bind(mem, l, true)
}

func bind(mem []byte, l layout, init bool) (*Queue, error) {
	meta := wordView(mem, l.poolOff, pool.MetaWords(l.capacity))
	blocks := mem[l.blocksOff : l.blocksOff+l.capacity*l.elemSize]
	alloc, err := pool.AttachSlotAllocator(meta, blocks, l.capacity, l.elemSize, init)
	if err != nil {
		return nil, err
	}
	ringMeta := wordView(mem, l.ringOff, pool.RingMetaWords)
	ringSlots := wordView(mem, l.ringOff+4*pool.RingMetaWords, l.capacity)
	ring, err := pool.AttachRing(ringMeta, ringSlots, init)
	if err != nil {
		return nil, err
	}
	// Header last: attachers validate magic before touching the rest.
	if init {
		l.writeHeader(mem)
	}
	return &Queue{
		mem:      mem,
		capacity: l.capacity,
		elemSize: l.elemSize,
		alloc:    alloc,
		ring:     ring,
	}, nil
}

func wordView(mem []byte, off, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(&mem[off])), n)
}

// Push copies payload into a fresh block and enqueues it.
func (q *Queue) Push(payload []byte) error {
	if len(payload) > q.elemSize {
		return fmt.Errorf("push %d bytes into %d-byte blocks: %w", len(payload), q.elemSize, api.ErrFrameTooLong)
	}
	s, buf, ok := q.Alloc()
	if !ok {
		return ErrFull
	}
	copy(buf, payload)
	if err := q.PushSlot(s); err != nil {
		_ = q.alloc.Dealloc(s)
		return err
	}
	return nil
}

// Alloc reserves a block for zero-copy filling.
func (q *Queue) Alloc() (pool.Slot, []byte, bool) {
	s, ok := q.alloc.Alloc()
	if !ok {
		return 0, nil, false
	}
	return s, q.alloc.Bytes(s), true
}

// PushSlot enqueues a block obtained from Alloc. On api.ErrQueueFull the
// block stays owned by the caller.
func (q *Queue) PushSlot(s pool.Slot) error {
	return q.ring.Push(s)
}

// Pop dequeues the oldest block. The caller must Dealloc it.
func (q *Queue) Pop() (pool.Slot, []byte, bool) {
	s, ok := q.ring.Pop()
	if !ok {
		return 0, nil, false
	}
	return s, q.alloc.Bytes(s), true
}

// PopN dequeues up to len(out) slots.
func (q *Queue) PopN(out []pool.Slot) int {
	return q.ring.PopN(out)
}

// Bytes returns the block behind s.
func (q *Queue) Bytes(s pool.Slot) []byte {
	return q.alloc.Bytes(s)
}

// Dealloc returns s to the allocator.
func (q *Queue) Dealloc(s pool.Slot) error {
	return q.alloc.Dealloc(s)
}

// Len returns number of queued blocks.
func (q *Queue) Len() int { return q.ring.Len() }

// Cap returns queue capacity in blocks.
func (q *Queue) Cap() int { return q.capacity }

// ElemSize returns block size in bytes.
func (q *Queue) ElemSize() int { return q.elemSize }

// InUse returns allocated blocks, queued or in flight.
func (q *Queue) InUse() int { return q.alloc.InUse() }

// Name returns the shared name, empty for in-process queues.
func (q *Queue) Name() string { return q.name }

// Path returns the backing file, empty for in-process queues.
func (q *Queue) Path() string { return q.path }

// Close unmaps a shared queue. The backing file stays until Remove.
func (q *Queue) Close() error {
	if q.release == nil {
		return nil
	}
	rel := q.release
	q.release = nil
	return rel()
}
