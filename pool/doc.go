// Package pool
// Author: momentics <momentics@gmail.com>
//
// Slot-indexed memory primitives for hioload-mq.
// SlotAllocator hands out fixed-size blocks tracked by paged bitmaps, and Ring
// moves slot indexes between threads in FIFO order. Both keep their state in
// caller-provided word and byte slices, so the same code runs over the heap
// or over a shared mapping. See slot.go, ring.go and spin.go.
package pool
