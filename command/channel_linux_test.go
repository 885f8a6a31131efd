//go:build linux

package command_test

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
)

func TestChannelSendRecv(t *testing.T) {
	dir := t.TempDir()
	ch, err := command.Listen(command.Path(dir, "node", "work", 0), zerolog.Nop())
	require.NoError(t, err)
	defer ch.Close()

	_, ok, err := ch.Recv()
	require.NoError(t, err)
	require.False(t, ok)

	tx, err := command.Dial(zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	require.NoError(t, tx.Send(ch.Path(), command.Proc(command.ProcRequest{Shard: 3})))
	got, ok, err := ch.Recv()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(3), got.ProcRequest().Shard)
}

func TestChannelPassesDescriptor(t *testing.T) {
	dir := t.TempDir()
	ch, err := command.Listen(command.Path(dir, "node", "recv", 1), zerolog.Nop())
	require.NoError(t, err)
	defer ch.Close()
	tx, err := command.Dial(zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])

	require.NoError(t, tx.Send(ch.Path(), command.AddConn(fds[0], "peer:1")))
	require.NoError(t, unix.Close(fds[0]))

	got, ok, err := ch.Recv()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, command.TypeAddConn, got.Type)
	require.Equal(t, "peer:1", got.Peer())
	require.GreaterOrEqual(t, got.FD, 0)
	defer unix.Close(got.FD)

	_, err = unix.Write(got.FD, []byte("hi"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := unix.Read(fds[1], buf)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf[:n]))
}

func TestChannelSendToMissingPeer(t *testing.T) {
	tx, err := command.Dial(zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()
	err = tx.Send(command.Path(t.TempDir(), "node", "work", 9), command.New(command.TypeSend))
	require.Error(t, err)
	require.Equal(t, api.ErrCodeControlLoss, api.Classify(err))
}

func TestChannelCloseRemovesPath(t *testing.T) {
	path := command.Path(t.TempDir(), "node", "send", 0)
	ch, err := command.Listen(path, zerolog.Nop())
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestChannelClosesStrayDescriptor(t *testing.T) {
	dir := t.TempDir()
	ch, err := command.Listen(command.Path(dir, "node", "work", 2), zerolog.Nop())
	require.NoError(t, err)
	defer ch.Close()
	tx, err := command.Dial(zerolog.Nop())
	require.NoError(t, err)
	defer tx.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[1], true))

	cmd := command.New(command.TypeSend)
	cmd.FD = fds[0]
	require.NoError(t, tx.Send(ch.Path(), cmd))
	require.NoError(t, unix.Close(fds[0]))

	got, ok, err := ch.Recv()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, command.TypeSend, got.Type)
	require.Equal(t, -1, got.FD)

	// With every copy of fds[0] closed the peer end reads EOF.
	n, err := unix.Read(fds[1], make([]byte, 1))
	require.NoError(t, err)
	require.Zero(t, n)
}
