//go:build linux

package tcp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/transport/tcp"
)

func recvCommand(t *testing.T, ch *command.Channel) command.Command {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		cmd, ok, err := ch.Recv()
		require.NoError(t, err)
		if ok {
			return cmd
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no command received")
	return command.Command{}
}

func TestListenerHandsOffRoundRobin(t *testing.T) {
	dir := t.TempDir()
	var engines []*command.Channel
	var targets []string
	for i := 0; i < 2; i++ {
		ch, err := command.Listen(command.Path(dir, "node", "recv", i), zerolog.Nop())
		require.NoError(t, err)
		defer ch.Close()
		engines = append(engines, ch)
		targets = append(targets, ch.Path())
	}

	l, err := tcp.Listen("127.0.0.1:0", targets, zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	for i := 0; i < 4; i++ {
		c, err := net.Dial("tcp", l.Addr().String())
		require.NoError(t, err)
		defer c.Close()

		cmd := recvCommand(t, engines[i%2])
		require.Equal(t, command.TypeAddConn, cmd.Type)
		require.Equal(t, c.LocalAddr().String(), cmd.Peer())
		require.GreaterOrEqual(t, cmd.FD, 0)

		_, err = unix.Write(cmd.FD, []byte{byte(i)})
		require.NoError(t, err)
		buf := make([]byte, 1)
		require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
		_, err = c.Read(buf)
		require.NoError(t, err)
		require.Equal(t, byte(i), buf[0])
		require.NoError(t, unix.Close(cmd.FD))
	}
	require.Equal(t, uint64(4), l.Accepted())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not stop")
	}
}
