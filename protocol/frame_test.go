package protocol_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/protocol"
)

func TestHeaderWireLayout(t *testing.T) {
	var b [protocol.HeaderSize]byte
	protocol.NewHeader(protocol.FlagApp, 7, 100).MarshalWire(b[:])
	require.Equal(t, []byte{
		0x00, 0x07,
		0x00, 0x00, 0x00, 0x64,
		0x01,
		0x1E, 0xD2, 0x3C, 0xB4,
	}, b[:])

	h := protocol.ParseWire(b[:])
	require.Equal(t, uint16(7), h.Type)
	require.Equal(t, uint32(100), h.Length)
	require.Equal(t, protocol.FlagApp, h.Flag)
	require.NoError(t, h.Validate(protocol.HeaderSize+100))
}

func TestHeaderValidate(t *testing.T) {
	cases := []struct {
		name string
		h    protocol.Header
		want error
	}{
		{"bad checksum", protocol.Header{Type: 1, Flag: protocol.FlagApp, Checksum: 0xDEADBEEF}, api.ErrBadChecksum},
		{"app type range", protocol.NewHeader(protocol.FlagApp, api.MaxTypes, 0), api.ErrBadType},
		{"system type zero", protocol.NewHeader(protocol.FlagSystem, 0, 0), api.ErrBadType},
		{"system type range", protocol.NewHeader(protocol.FlagSystem, 3, 0), api.ErrBadType},
		{"unknown flag", protocol.NewHeader(protocol.Flag(9), 1, 0), api.ErrBadType},
		{"too long", protocol.NewHeader(protocol.FlagApp, 1, 54), api.ErrFrameTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.ErrorIs(t, tc.h.Validate(64), tc.want)
		})
	}
	require.NoError(t, protocol.NewHeader(protocol.FlagApp, 1, 53).Validate(64))
	require.NoError(t, protocol.NewHeader(protocol.FlagSystem, protocol.TypeKeepaliveReq, 0).Validate(64))
}

func TestNativeWireConversion(t *testing.T) {
	block := make([]byte, 32)
	n, err := protocol.EncodeNative(block, protocol.FlagApp, 9, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, protocol.HeaderSize+5, n)

	h, payload, err := protocol.NativeFrame(block)
	require.NoError(t, err)
	require.Equal(t, uint16(9), h.Type)
	require.Equal(t, []byte("hello"), payload)

	wire := append([]byte(nil), block[:n]...)
	protocol.NativeToWire(wire)
	require.Equal(t, protocol.AppendWire(nil, protocol.FlagApp, 9, []byte("hello")), wire)
	require.Equal(t, h, protocol.WireToNative(wire))
	require.Equal(t, block[:n], wire)

	_, err = protocol.EncodeNative(make([]byte, 12), protocol.FlagApp, 1, []byte("xx"))
	require.ErrorIs(t, err, api.ErrFrameTooLong)
}

// Frames written through AppendNative come back byte-identical through Next
// for empty, single-byte and maximum-size payloads, fed in random chunks.
func TestSnapshotRoundTrip(t *testing.T) {
	const elemSize = 256
	rnd := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, elemSize - protocol.HeaderSize} {
		payload := make([]byte, size)
		rnd.Read(payload)
		block := make([]byte, elemSize)
		n, err := protocol.EncodeNative(block, protocol.FlagApp, 42, payload)
		require.NoError(t, err)

		out := protocol.NewSnapshot(3 * elemSize)
		for i := 0; i < 3; i++ {
			require.True(t, out.AppendNative(block[:n]))
		}
		stream := append([]byte(nil), out.Pending()...)

		in := protocol.NewSnapshot(2 * elemSize)
		var got [][]byte
		for len(stream) > 0 || in.Len() > 0 {
			chunk := min(len(stream), 1+rnd.Intn(40), len(in.Free()))
			copy(in.Free(), stream[:chunk])
			in.Fill(chunk)
			stream = stream[chunk:]
			for {
				h, frame, err := in.Next(elemSize)
				require.NoError(t, err)
				if frame == nil {
					break
				}
				require.Equal(t, uint16(42), h.Type)
				got = append(got, append([]byte(nil), frame[protocol.HeaderSize:]...))
			}
			if len(stream) == 0 && in.Len() == 0 {
				break
			}
		}
		require.Len(t, got, 3, "payload size %d", size)
		for _, p := range got {
			require.True(t, bytes.Equal(payload, p))
		}
	}
}

func TestSnapshotRejectsBadChecksumEarly(t *testing.T) {
	frame := protocol.AppendWire(nil, protocol.FlagApp, 1, []byte("abc"))
	frame[protocol.HeaderSize-1] ^= 0xFF
	in := protocol.NewSnapshot(64)
	copy(in.Free(), frame[:protocol.HeaderSize])
	in.Fill(protocol.HeaderSize)
	_, got, err := in.Next(64)
	require.ErrorIs(t, err, api.ErrBadChecksum)
	require.Nil(t, got)
}

func TestSnapshotCompact(t *testing.T) {
	s := protocol.NewSnapshot(16)
	copy(s.Free(), bytes.Repeat([]byte{1}, 16))
	s.Fill(16)
	s.Consume(10)
	require.NoError(t, s.Compact())
	require.Equal(t, 6, s.Len())
	require.Len(t, s.Free(), 10)

	s.Reset()
	s.Fill(16)
	s.Consume(4)
	require.ErrorIs(t, s.Compact(), api.ErrSnapshotOverflow)
}

func TestSnapshotAppendCompactsAndRefuses(t *testing.T) {
	frame := protocol.KeepaliveFrame(protocol.TypeKeepaliveReq)
	s := protocol.NewSnapshot(30)
	require.True(t, s.AppendNative(frame))
	require.True(t, s.AppendNative(frame))
	require.False(t, s.AppendNative(frame))

	s.Consume(protocol.HeaderSize)
	require.True(t, s.AppendNative(frame))
	require.Equal(t, 2*protocol.HeaderSize, s.Len())
	h := protocol.ParseWire(s.Pending())
	require.True(t, h.IsKeepaliveReq())
}
