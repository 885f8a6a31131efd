// File: protocol/frame_codec.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Whole-frame encoders. Native frames live in queue slots; wire frames go to
// sockets.

package protocol

import (
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

// EncodeNative writes a host-order frame into dst, typically a queue slot, and
// returns the frame size.
func EncodeNative(dst []byte, flag Flag, typ uint16, payload []byte) (int, error) {
	n := HeaderSize + len(payload)
	if n > len(dst) {
		return 0, fmt.Errorf("encode %d-byte frame into %d bytes: %w", n, len(dst), api.ErrFrameTooLong)
	}
	NewHeader(flag, typ, len(payload)).PutNative(dst)
	copy(dst[HeaderSize:], payload)
	return n, nil
}

// AppendWire appends a network-order frame to dst.
func AppendWire(dst []byte, flag Flag, typ uint16, payload []byte) []byte {
	var hdr [HeaderSize]byte
	NewHeader(flag, typ, len(payload)).MarshalWire(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// NativeFrame returns the host-order frame stored at the start of block.
func NativeFrame(block []byte) (Header, []byte, error) {
	if len(block) < HeaderSize {
		return Header{}, nil, fmt.Errorf("block of %d bytes: %w", len(block), api.ErrFrameTooLong)
	}
	h := ParseNative(block)
	if h.FrameSize() > len(block) {
		return Header{}, nil, fmt.Errorf("frame of %d bytes in %d-byte block: %w", h.FrameSize(), len(block), api.ErrFrameTooLong)
	}
	return h, block[HeaderSize:h.FrameSize()], nil
}

// WireToNative rewrites a network-order header in place into host order.
func WireToNative(b []byte) Header {
	h := ParseWire(b)
	h.PutNative(b)
	return h
}

// NativeToWire rewrites a host-order header in place into network order.
func NativeToWire(b []byte) Header {
	h := ParseNative(b)
	h.MarshalWire(b)
	return h
}

// KeepaliveFrame returns a host-order keepalive frame of the given type.
func KeepaliveFrame(typ uint16) []byte {
	b := make([]byte, HeaderSize)
	NewHeader(FlagSystem, typ, 0).PutNative(b)
	return b
}
