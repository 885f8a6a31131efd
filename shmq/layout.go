// File: shmq/layout.go
// Author: momentics <momentics@gmail.com>
//
// Region layout of a shared queue:
//
//	[0, 64)          header
//	[poolOff, ...)   page metadata (lock + bitmap words per page)
//	[ringOff, ...)   ring metadata words followed by capacity slot words
//	[blocksOff, ...) capacity blocks of elemSize bytes, 64-byte aligned

package shmq

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/pool"
)

const (
	// HeaderSize is the fixed size of the region header.
	HeaderSize = 64
	// Version is bumped on incompatible layout changes.
	Version = 1
	align   = 64
)

var magic = [8]byte{'H', 'I', 'O', 'M', 'Q', 'S', 'Q', 0}

// header field offsets
const (
	offMagic     = 0
	offVersion   = 8
	offCapacity  = 12
	offElemSize  = 16
	offPages     = 20
	offPageSlots = 24
	offPageWords = 28
	offPool      = 32
	offRing      = 40
	offBlocks    = 48
	offTotal     = 56
)

type layout struct {
	capacity  int
	elemSize  int
	pages     int
	poolOff   int
	ringOff   int
	blocksOff int
	total     int
}

func alignUp(n, a int) int {
	return (n + a - 1) &^ (a - 1)
}

func computeLayout(capacity, elemSize int) (layout, error) {
	if capacity <= 0 || elemSize <= 0 {
		return layout{}, fmt.Errorf("queue layout %dx%d: %w", capacity, elemSize, api.ErrInvalidArgument)
	}
	l := layout{
		capacity: capacity,
		elemSize: elemSize,
		pages:    pool.Pages(capacity),
		poolOff:  HeaderSize,
	}
	l.ringOff = alignUp(l.poolOff+4*pool.MetaWords(capacity), align)
	l.blocksOff = alignUp(l.ringOff+4*(pool.RingMetaWords+capacity), align)
	l.total = l.blocksOff + capacity*elemSize
	return l, nil
}

func (l layout) writeHeader(mem []byte) {
	ne := binary.NativeEndian
	copy(mem[offMagic:], magic[:])
	ne.PutUint32(mem[offVersion:], Version)
	ne.PutUint32(mem[offCapacity:], uint32(l.capacity))
	ne.PutUint32(mem[offElemSize:], uint32(l.elemSize))
	ne.PutUint32(mem[offPages:], uint32(l.pages))
	ne.PutUint32(mem[offPageSlots:], pool.PageSlots)
	ne.PutUint32(mem[offPageWords:], pool.PageWords)
	ne.PutUint64(mem[offPool:], uint64(l.poolOff))
	ne.PutUint64(mem[offRing:], uint64(l.ringOff))
	ne.PutUint64(mem[offBlocks:], uint64(l.blocksOff))
	ne.PutUint64(mem[offTotal:], uint64(l.total))
}

// readHeader validates an existing header against the region size.
func readHeader(mem []byte) (layout, error) {
	if len(mem) < HeaderSize {
		return layout{}, fmt.Errorf("region of %d bytes: %w", len(mem), api.ErrInvalidArgument)
	}
	if [8]byte(mem[offMagic:offMagic+8]) != magic {
		return layout{}, fmt.Errorf("bad queue magic: %w", api.ErrInvalidArgument)
	}
	ne := binary.NativeEndian
	if v := ne.Uint32(mem[offVersion:]); v != Version {
		return layout{}, fmt.Errorf("queue version %d, want %d: %w", v, Version, api.ErrNotSupported)
	}
	if ne.Uint32(mem[offPageSlots:]) != pool.PageSlots || ne.Uint32(mem[offPageWords:]) != pool.PageWords {
		return layout{}, fmt.Errorf("queue page geometry mismatch: %w", api.ErrNotSupported)
	}
	want, err := computeLayout(int(ne.Uint32(mem[offCapacity:])), int(ne.Uint32(mem[offElemSize:])))
	if err != nil {
		return layout{}, err
	}
	if uint64(want.poolOff) != ne.Uint64(mem[offPool:]) ||
		uint64(want.ringOff) != ne.Uint64(mem[offRing:]) ||
		uint64(want.blocksOff) != ne.Uint64(mem[offBlocks:]) ||
		uint64(want.total) != ne.Uint64(mem[offTotal:]) {
		return layout{}, fmt.Errorf("queue offsets inconsistent: %w", api.ErrInvalidArgument)
	}
	if len(mem) < want.total {
		return layout{}, fmt.Errorf("region of %d bytes, header wants %d: %w", len(mem), want.total, api.ErrInvalidArgument)
	}
	return want, nil
}
