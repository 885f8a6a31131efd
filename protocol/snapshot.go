// File: protocol/snapshot.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Snapshot is a fixed byte buffer with an output and input cursor,
// 0 <= optr <= iptr <= len(buf). Readers fill at iptr and consume at optr;
// writers append at iptr and flush from optr.

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

// Snapshot buffers partial stream data between readiness events.
type Snapshot struct {
	buf  []byte
	optr int
	iptr int
}

// NewSnapshot allocates a snapshot of size bytes.
func NewSnapshot(size int) *Snapshot {
	return &Snapshot{buf: make([]byte, size)}
}

// Size returns buffer capacity.
func (s *Snapshot) Size() int { return len(s.buf) }

// Free returns the writable tail.
func (s *Snapshot) Free() []byte { return s.buf[s.iptr:] }

// Fill marks n bytes of Free as written.
func (s *Snapshot) Fill(n int) { s.iptr += n }

// Pending returns bytes written but not yet consumed.
func (s *Snapshot) Pending() []byte { return s.buf[s.optr:s.iptr] }

// Len returns the number of pending bytes.
func (s *Snapshot) Len() int { return s.iptr - s.optr }

// Consume drops n pending bytes. Cursors rewind when the snapshot drains.
func (s *Snapshot) Consume(n int) {
	s.optr += n
	if s.optr == s.iptr {
		s.optr, s.iptr = 0, 0
	}
}

// Reset discards everything.
func (s *Snapshot) Reset() { s.optr, s.iptr = 0, 0 }

// Compact moves pending bytes to the start of the buffer. Pending data longer
// than the consumed prefix means a single frame cannot fit.
func (s *Snapshot) Compact() error {
	unread := s.iptr - s.optr
	if unread > s.optr {
		return fmt.Errorf("compact %d unread bytes over %d free: %w", unread, s.optr, api.ErrSnapshotOverflow)
	}
	copy(s.buf, s.buf[s.optr:s.iptr])
	s.optr, s.iptr = 0, unread
	return nil
}

// Next returns the next complete wire frame and consumes it. It returns nil
// when more bytes are needed; once the buffer end is reached the unread tail
// is compacted so the following read has room. The returned slice is valid
// until the next call that mutates the snapshot.
func (s *Snapshot) Next(maxFrame int) (Header, []byte, error) {
	unread := s.iptr - s.optr
	if unread >= HeaderSize {
		h := ParseWire(s.buf[s.optr:])
		if err := h.Validate(maxFrame); err != nil {
			return Header{}, nil, err
		}
		if size := h.FrameSize(); unread >= size {
			frame := s.buf[s.optr : s.optr+size : s.optr+size]
			// No rewind here even when drained; frame must stay intact.
			s.optr += size
			return h, frame, nil
		}
	}
	if s.optr == s.iptr {
		s.Reset()
		return Header{}, nil, nil
	}
	if s.iptr == len(s.buf) {
		if err := s.Compact(); err != nil {
			return Header{}, nil, err
		}
	}
	return Header{}, nil, nil
}

// Room returns bytes that can be appended after compaction.
func (s *Snapshot) Room() int {
	return len(s.buf) - s.Len()
}

// AppendNative copies a host-order frame, converting its header to network
// order. It returns false when the frame does not fit.
func (s *Snapshot) AppendNative(frame []byte) bool {
	if len(frame) < HeaderSize || len(frame) > s.Room() {
		return false
	}
	if len(frame) > len(s.buf)-s.iptr {
		copy(s.buf, s.buf[s.optr:s.iptr])
		s.optr, s.iptr = 0, s.iptr-s.optr
	}
	dst := s.buf[s.iptr : s.iptr+len(frame)]
	copy(dst, frame)
	NativeToWire(dst)
	s.iptr += len(frame)
	return true
}
