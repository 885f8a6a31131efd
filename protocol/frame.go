// File: protocol/frame.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame header layout and validation for hioload-mq streams.
//
// A frame is an 11-byte header followed by Length payload bytes:
//
//	type:u16 | length:u32 | flag:u8 | checksum:u32
//
// On the wire the header is big endian. Inside queue slots and pending reply
// lists it is kept in host order and converted while copying to the socket.

package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/momentics/hioload-mq/api"
)

// HeaderSize is the encoded header length.
const HeaderSize = 11

// ChecksumMagic is the fixed value every valid header carries.
const ChecksumMagic uint32 = 0x1ED23CB4

// Flag selects the type namespace of a frame.
type Flag uint8

const (
	FlagSystem Flag = 0
	FlagApp    Flag = 1
)

// System frame types.
const (
	TypeKeepaliveReq uint16 = 1
	TypeKeepaliveRep uint16 = 2
	maxSystemType    uint16 = 3
)

const (
	offType     = 0
	offLength   = 2
	offFlag     = 6
	offChecksum = 7
)

// Header is a decoded frame header.
type Header struct {
	Type     uint16
	Length   uint32
	Flag     Flag
	Checksum uint32
}

// NewHeader returns a header with the checksum filled in.
func NewHeader(flag Flag, typ uint16, length int) Header {
	return Header{Type: typ, Length: uint32(length), Flag: flag, Checksum: ChecksumMagic}
}

// FrameSize is header plus payload length.
func (h Header) FrameSize() int {
	return HeaderSize + int(h.Length)
}

// IsKeepaliveReq reports a system keepalive request.
func (h Header) IsKeepaliveReq() bool {
	return h.Flag == FlagSystem && h.Type == TypeKeepaliveReq
}

// IsKeepaliveRep reports a system keepalive reply.
func (h Header) IsKeepaliveRep() bool {
	return h.Flag == FlagSystem && h.Type == TypeKeepaliveRep
}

// Validate checks checksum, type range and that the whole frame fits in
// maxFrame bytes.
func (h Header) Validate(maxFrame int) error {
	if h.Checksum != ChecksumMagic {
		return fmt.Errorf("checksum %#x: %w", h.Checksum, api.ErrBadChecksum)
	}
	switch h.Flag {
	case FlagSystem:
		if h.Type == 0 || h.Type >= maxSystemType {
			return fmt.Errorf("system type %d: %w", h.Type, api.ErrBadType)
		}
	case FlagApp:
		if int(h.Type) >= api.MaxTypes {
			return fmt.Errorf("app type %d: %w", h.Type, api.ErrBadType)
		}
	default:
		return fmt.Errorf("flag %d: %w", h.Flag, api.ErrBadType)
	}
	if uint64(h.Length)+HeaderSize > uint64(maxFrame) {
		return fmt.Errorf("frame of %d bytes, limit %d: %w", uint64(h.Length)+HeaderSize, maxFrame, api.ErrFrameTooLong)
	}
	return nil
}

func (h Header) put(b []byte, bo binary.ByteOrder) {
	_ = b[HeaderSize-1]
	bo.PutUint16(b[offType:], h.Type)
	bo.PutUint32(b[offLength:], h.Length)
	b[offFlag] = byte(h.Flag)
	bo.PutUint32(b[offChecksum:], h.Checksum)
}

func parse(b []byte, bo binary.ByteOrder) Header {
	_ = b[HeaderSize-1]
	return Header{
		Type:     bo.Uint16(b[offType:]),
		Length:   bo.Uint32(b[offLength:]),
		Flag:     Flag(b[offFlag]),
		Checksum: bo.Uint32(b[offChecksum:]),
	}
}

// MarshalWire writes h in network order into b[:HeaderSize].
func (h Header) MarshalWire(b []byte) { h.put(b, binary.BigEndian) }

// PutNative writes h in host order into b[:HeaderSize].
func (h Header) PutNative(b []byte) { h.put(b, binary.NativeEndian) }

// ParseWire decodes a network-order header.
func ParseWire(b []byte) Header { return parse(b, binary.BigEndian) }

// ParseNative decodes a host-order header.
func ParseNative(b []byte) Header { return parse(b, binary.NativeEndian) }
