//go:build linux

package client_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/client"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/protocol"
	"github.com/momentics/hioload-mq/server"
)

func ms(n int) control.Duration {
	return control.Duration{Duration: time.Duration(n) * time.Millisecond}
}

func senderConfig(t *testing.T, peer string) control.Config {
	t.Helper()
	cfg := control.Defaults()
	cfg.Name = "snd"
	cfg.CmdDir = t.TempDir()
	cfg.Sender.Peer = peer
	cfg.Sender.WaitTimeout = ms(10)
	cfg.Sender.KeepaliveInterval = ms(2000)
	cfg.Sender.ReconnectInterval = ms(20)
	cfg.Sender.DialTimeout = ms(500)
	cfg.Sender.SendBufSize = 4096
	cfg.Sender.RecvBufSize = 4096
	cfg.Sender.NotifyEvery = 1
	cfg.Sender.Queue = control.QueueConfig{Capacity: 256, ElemSize: 256}
	return cfg
}

func runSender(t *testing.T, cfg control.Config, opts ...client.Option) *client.Sender {
	t.Helper()
	s, err := client.NewSender(cfg, append([]client.Option{client.WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Error("sender did not stop")
		}
		require.NoError(t, s.Close())
	})
	return s
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

// listenRcvBuf sets SO_RCVBUF on the listening socket so accepted
// connections start with a small window.
func listenRcvBuf(t *testing.T, size int) net.Listener {
	t.Helper()
	lc := net.ListenConfig{Control: func(_, _ string, rc syscall.RawConn) error {
		var serr error
		err := rc.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, size)
		})
		if err != nil {
			return err
		}
		return serr
	}}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func accept(t *testing.T, ln net.Listener) net.Conn {
	t.Helper()
	require.NoError(t, ln.(*net.TCPListener).SetDeadline(time.Now().Add(3*time.Second)))
	c, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func readFrame(t *testing.T, c net.Conn) (protocol.Header, []byte) {
	t.Helper()
	hdr := make([]byte, protocol.HeaderSize)
	_, err := io.ReadFull(c, hdr)
	require.NoError(t, err)
	h := protocol.ParseWire(hdr)
	require.NoError(t, h.Validate(1<<20))
	payload := make([]byte, h.Length)
	_, err = io.ReadFull(c, payload)
	require.NoError(t, err)
	return h, payload
}

func TestKeepaliveOnceThenClose(t *testing.T) {
	ln := listen(t)
	cfg := senderConfig(t, ln.Addr().String())
	cfg.Sender.KeepaliveInterval = ms(50)
	s := runSender(t, cfg)

	c := accept(t, ln)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	data, err := io.ReadAll(c)
	require.NoError(t, err, "connection was not closed")
	require.Len(t, data, protocol.HeaderSize, "expected exactly one keepalive")
	h := protocol.ParseWire(data)
	require.True(t, h.IsKeepaliveReq())
	require.GreaterOrEqual(t, s.Stats()[0].Keepalives, uint64(1))
}

func TestKeepaliveReplyKeepsConnection(t *testing.T) {
	ln := listen(t)
	cfg := senderConfig(t, ln.Addr().String())
	cfg.Sender.KeepaliveInterval = ms(40)
	s := runSender(t, cfg)

	c := accept(t, ln)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	for i := 0; i < 3; i++ {
		h, _ := readFrame(t, c)
		require.True(t, h.IsKeepaliveReq())
		_, err := c.Write(protocol.AppendWire(nil, protocol.FlagSystem, protocol.TypeKeepaliveRep, nil))
		require.NoError(t, err)
	}
	st := s.Stats()[0]
	require.True(t, st.Connected)
	require.Zero(t, st.Reconnects)
	require.GreaterOrEqual(t, st.Keepalives, uint64(3))
}

func TestReconnectAfterPeerClose(t *testing.T) {
	ln := listen(t)
	s := runSender(t, senderConfig(t, ln.Addr().String()))

	first := accept(t, ln)
	require.NoError(t, first.Close())
	second := accept(t, ln)

	require.Eventually(t, func() bool {
		st := s.Stats()[0]
		return st.Connected && st.Reconnects == 1
	}, 3*time.Second, 5*time.Millisecond)

	c := s.Client()
	defer c.Close()
	require.NoError(t, c.Send(4, []byte("after")))
	require.NoError(t, second.SetReadDeadline(time.Now().Add(3*time.Second)))
	h, payload := readFrame(t, second)
	require.Equal(t, uint16(4), h.Type)
	require.Equal(t, "after", string(payload))
}

func TestFramesSurvivePartialWrites(t *testing.T) {
	const frames = 500
	ln := listenRcvBuf(t, 4096)
	cfg := senderConfig(t, ln.Addr().String())
	cfg.Sender.SockSndBuf = 4096
	cfg.Sender.Queue = control.QueueConfig{Capacity: 512, ElemSize: 1100}
	s := runSender(t, cfg)

	c := s.Client()
	defer c.Close()
	payload := make([]byte, 1000)
	for i := 0; i < frames; i++ {
		binary.BigEndian.PutUint32(payload, uint32(i))
		payload[len(payload)-1] = byte(i)
		require.NoError(t, c.Send(9, payload))
	}

	peer := accept(t, ln)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(10*time.Second)))
	for i := 0; i < frames; i++ {
		if i%50 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		h, got := readFrame(t, peer)
		require.Equal(t, uint16(9), h.Type)
		require.Len(t, got, 1000)
		require.Equal(t, uint32(i), binary.BigEndian.Uint32(got))
		require.Equal(t, byte(i), got[len(got)-1])
	}
	require.Eventually(t, func() bool {
		return s.Stats()[0].SentTotal == frames
	}, 2*time.Second, 5*time.Millisecond)
}

func TestInboundFrames(t *testing.T) {
	ln := listen(t)
	reg := api.NewRegistry()
	got := make(chan string, 1)
	require.NoError(t, reg.Register(5, func(_ uint16, payload []byte, _ any) error {
		got <- string(payload)
		return nil
	}, nil))
	s := runSender(t, senderConfig(t, ln.Addr().String()), client.WithRegistry(reg))

	peer := accept(t, ln)
	var out []byte
	out = protocol.AppendWire(out, protocol.FlagSystem, protocol.TypeKeepaliveReq, nil)
	out = protocol.AppendWire(out, protocol.FlagApp, 5, []byte("inbound"))
	out = protocol.AppendWire(out, protocol.FlagApp, 6, nil)
	_, err := peer.Write(out)
	require.NoError(t, err)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
	h, _ := readFrame(t, peer)
	require.True(t, h.IsKeepaliveRep())
	select {
	case p := <-got:
		require.Equal(t, "inbound", p)
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}
	require.Eventually(t, func() bool {
		st := s.Stats()[0]
		return st.Handled == 1 && st.DropTotal == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClientRejects(t *testing.T) {
	cfg := senderConfig(t, "127.0.0.1:1")
	cfg.Sender.Queue.Capacity = 4
	s, err := client.NewSender(cfg)
	require.NoError(t, err)
	defer s.Close()
	c := s.Client()
	defer c.Close()

	require.ErrorIs(t, c.Send(api.MaxTypes, nil), api.ErrBadType)
	require.ErrorIs(t, c.Send(1, make([]byte, 256)), api.ErrFrameTooLong)
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Send(1, []byte{byte(i)}))
	}
	err = c.Send(1, nil)
	require.ErrorIs(t, err, api.ErrQueueFull)
	require.ErrorIs(t, err, api.ErrSlotExhausted)
	require.Equal(t, uint64(4), c.Sent())
	require.Equal(t, uint64(1), c.Dropped())
}

func TestAttachNamedQueues(t *testing.T) {
	ln := listen(t)
	cfg := senderConfig(t, ln.Addr().String())
	cfg.Sender.Threads = 2
	cfg.Sender.Queue.Name = fmt.Sprintf("test-%d", time.Now().UnixNano())

	_, err := client.Attach(cfg, zerolog.Nop())
	require.ErrorIs(t, err, api.ErrNotFound)

	s := runSender(t, cfg)
	c, err := client.Attach(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Send(2, []byte("a")))
	require.NoError(t, c.Send(2, []byte("b")))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		peer := accept(t, ln)
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(3*time.Second)))
		h, p := readFrame(t, peer)
		require.Equal(t, uint16(2), h.Type)
		seen[string(p)] = true
	}
	require.Equal(t, map[string]bool{"a": true, "b": true}, seen)
	require.Equal(t, uint64(2), s.Stats()[0].SentTotal+s.Stats()[1].SentTotal)
}

func TestEndToEndThroughServer(t *testing.T) {
	const frames = 50
	scfg := control.Defaults()
	scfg.Name = "e2e"
	scfg.CmdDir = t.TempDir()
	scfg.Server.Listen = "127.0.0.1:0"
	scfg.Server.Recv.ShardPolicy = control.ShardByType
	scfg.Server.Recv.WaitTimeout = ms(10)
	scfg.Server.Work.WaitTimeout = ms(10)
	scfg.Server.Queue = control.QueueConfig{Shards: 4, Capacity: 128, ElemSize: 256}

	reg := api.NewRegistry()
	var calls atomic.Int32
	require.NoError(t, reg.Register(7, func(_ uint16, payload []byte, _ any) error {
		if len(payload) == 100 {
			calls.Add(1)
		}
		return nil
	}, nil))
	srv, err := server.New(scfg, server.WithRegistry(reg))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		srv.Close()
	}()

	s := runSender(t, senderConfig(t, srv.Addr().String()))
	c := s.Client()
	defer c.Close()
	for i := 0; i < frames; i++ {
		require.NoError(t, c.Send(7, make([]byte, 100)))
	}
	require.Eventually(t, func() bool { return calls.Load() == frames }, 5*time.Second, 5*time.Millisecond)

	owner := server.ShardForType(7, 4) / 2
	require.Equal(t, uint64(frames), srv.Stats().Proc[owner].ProcTotal)
}
