// File: pool/slot.go
// Author: momentics <momentics@gmail.com>
//
// Fixed-size block allocator tracked by paged bitmaps. Each page covers
// PageSlots blocks and carries its own spinlock, so allocators on different
// pages never contend. All state lives in caller-provided word and byte
// slices, which lets the allocator sit on top of a shared mapping.

package pool

import (
	"fmt"
	"math"
	"math/bits"
	"math/rand/v2"
	"sync/atomic"

	"github.com/momentics/hioload-mq/api"
)

// Slot identifies one block by index.
type Slot uint32

const (
	// PageSlots is the number of blocks covered by one page.
	PageSlots = 256
	wordBits  = 32
	// PageWords is the number of bitmap words per page.
	PageWords = PageSlots / wordBits
	// pageMetaWords is the lock word followed by the bitmap words.
	pageMetaWords = 1 + PageWords
)

// Pages returns the number of pages needed for num blocks.
func Pages(num int) int {
	return (num + PageSlots - 1) / PageSlots
}

// MetaWords returns the metadata words required for num blocks.
func MetaWords(num int) int {
	return Pages(num) * pageMetaWords
}

// SlotAllocator hands out fixed-size blocks.
type SlotAllocator struct {
	meta   []uint32
	blocks []byte
	num    int
	size   int
	pages  int
}

// NewSlotAllocator returns a heap-backed allocator of num blocks of size bytes.
func NewSlotAllocator(num, size int) (*SlotAllocator, error) {
	if num <= 0 || size <= 0 {
		return nil, fmt.Errorf("slot allocator %dx%d: %w", num, size, api.ErrInvalidArgument)
	}
	return AttachSlotAllocator(make([]uint32, MetaWords(num)), make([]byte, num*size), num, size, true)
}

// AttachSlotAllocator builds an allocator over existing memory. When init is
// set the bitmaps are cleared and the bits past num are marked used.
func AttachSlotAllocator(meta []uint32, blocks []byte, num, size int, init bool) (*SlotAllocator, error) {
	if num <= 0 || size <= 0 {
		return nil, fmt.Errorf("slot allocator %dx%d: %w", num, size, api.ErrInvalidArgument)
	}
	if len(meta) < MetaWords(num) {
		return nil, fmt.Errorf("slot allocator: %d meta words, need %d: %w", len(meta), MetaWords(num), api.ErrInvalidArgument)
	}
	if len(blocks) < num*size {
		return nil, fmt.Errorf("slot allocator: %d block bytes, need %d: %w", len(blocks), num*size, api.ErrInvalidArgument)
	}
	a := &SlotAllocator{
		meta:   meta[:MetaWords(num)],
		blocks: blocks[:num*size],
		num:    num,
		size:   size,
		pages:  Pages(num),
	}
	if init {
		a.reset()
	}
	return a, nil
}

func (a *SlotAllocator) reset() {
	for i := range a.meta {
		atomic.StoreUint32(&a.meta[i], 0)
	}
	for idx := a.num; idx < a.pages*PageSlots; idx++ {
		p, w, b := locate(idx)
		word := &a.meta[p*pageMetaWords+1+w]
		atomic.StoreUint32(word, atomic.LoadUint32(word)|1<<b)
	}
}

func locate(idx int) (page, word, bit int) {
	page = idx / PageSlots
	off := idx % PageSlots
	return page, off / wordBits, off % wordBits
}

// Alloc takes a free block, starting at a pseudo-random page. ok is false
// when every page is full.
func (a *SlotAllocator) Alloc() (Slot, bool) {
	start := rand.IntN(a.pages)
	for i := 0; i < a.pages; i++ {
		if s, ok := a.allocPage((start + i) % a.pages); ok {
			return s, true
		}
	}
	return 0, false
}

func (a *SlotAllocator) allocPage(p int) (Slot, bool) {
	m := a.meta[p*pageMetaWords : (p+1)*pageMetaWords]
	spinLock(&m[0])
	defer spinUnlock(&m[0])
	for w := 0; w < PageWords; w++ {
		word := atomic.LoadUint32(&m[1+w])
		if word == math.MaxUint32 {
			continue
		}
		b := bits.TrailingZeros32(^word)
		atomic.StoreUint32(&m[1+w], word|1<<b)
		return Slot(p*PageSlots + w*wordBits + b), true
	}
	return 0, false
}

// Dealloc releases s.
func (a *SlotAllocator) Dealloc(s Slot) error {
	if int(s) >= a.num {
		return fmt.Errorf("dealloc slot %d of %d: %w", s, a.num, api.ErrInvalidSlot)
	}
	p, w, b := locate(int(s))
	m := a.meta[p*pageMetaWords : (p+1)*pageMetaWords]
	spinLock(&m[0])
	defer spinUnlock(&m[0])
	word := atomic.LoadUint32(&m[1+w])
	if word&(1<<b) == 0 {
		return fmt.Errorf("dealloc slot %d: %w", s, api.ErrDoubleFree)
	}
	atomic.StoreUint32(&m[1+w], word&^(1<<b))
	return nil
}

// Bytes returns the block backing s. The slice aliases allocator memory.
func (a *SlotAllocator) Bytes(s Slot) []byte {
	off := int(s) * a.size
	return a.blocks[off : off+a.size : off+a.size]
}

// InUse counts allocated blocks. The result is a racy snapshot.
func (a *SlotAllocator) InUse() int {
	n := 0
	for p := 0; p < a.pages; p++ {
		for w := 0; w < PageWords; w++ {
			n += bits.OnesCount32(atomic.LoadUint32(&a.meta[p*pageMetaWords+1+w]))
		}
	}
	return n - (a.pages*PageSlots - a.num)
}

// Cap returns the number of blocks.
func (a *SlotAllocator) Cap() int { return a.num }

// BlockSize returns the size of one block in bytes.
func (a *SlotAllocator) BlockSize() int { return a.size }
