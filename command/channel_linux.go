//go:build linux

// File: command/channel_linux.go
// Author: momentics <momentics@gmail.com>
//
// Non-blocking unix datagram endpoint with SCM_RIGHTS descriptor passing.

package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
)

// Channel is one command endpoint. It is owned by a single goroutine.
type Channel struct {
	fd      int
	path    string
	buf     [Size]byte
	oob     []byte
	limiter *catrate.Limiter
	log     zerolog.Logger
}

// send failures are logged at most this often per destination
var sendLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// Listen binds a channel at path, replacing a stale socket file.
func Listen(path string, log zerolog.Logger) (*Channel, error) {
	if len(path) >= PathSize {
		return nil, fmt.Errorf("command path %q too long: %w", path, api.ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("command dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale %s: %w", path, err)
	}
	c, err := open(log)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(c.fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(c.fd)
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	c.path = path
	c.log = c.log.With().Str("cmd", path).Logger()
	return c, nil
}

// Dial returns an unbound channel that can only send.
func Dial(log zerolog.Logger) (*Channel, error) {
	return open(log)
}

func open(log zerolog.Logger) (*Channel, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("command socket: %w", err)
	}
	return &Channel{
		fd:      fd,
		oob:     make([]byte, unix.CmsgSpace(4)),
		limiter: catrate.NewLimiter(sendLogRates),
		log:     log,
	}, nil
}

// FD returns the socket descriptor for poller registration.
func (c *Channel) FD() int { return c.fd }

// Path returns the bound path, empty for send-only channels.
func (c *Channel) Path() string { return c.path }

// Send delivers cmd to the endpoint at to without blocking. Failures are
// logged with per-destination rate limiting and returned as control-loss.
func (c *Channel) Send(to string, cmd Command) error {
	b, err := cmd.Marshal()
	if err != nil {
		return err
	}
	var oob []byte
	if cmd.FD >= 0 {
		oob = unix.UnixRights(cmd.FD)
	}
	if err := unix.Sendmsg(c.fd, b[:], oob, &unix.SockaddrUnix{Name: to}, unix.MSG_DONTWAIT); err != nil {
		if _, ok := c.limiter.Allow(to); ok {
			c.log.Warn().Err(err).Str("to", to).Stringer("type", cmd.Type).Msg("command send failed")
		}
		return api.NewError(api.ErrCodeControlLoss, "command send", err).
			WithContext("to", to).
			WithContext("type", cmd.Type.String())
	}
	return nil
}

// Recv reads one pending command. ok is false when nothing is queued.
// Malformed datagrams are returned as errors. Descriptors are only kept for
// ADD_CONNECTION; any other carried descriptor is closed.
func (c *Channel) Recv() (cmd Command, ok bool, err error) {
	n, oobn, _, _, err := unix.Recvmsg(c.fd, c.buf[:], c.oob, unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return Command{}, false, nil
		}
		return Command{}, false, fmt.Errorf("command recv: %w", err)
	}
	fd := -1
	if oobn > 0 {
		fd = parseRights(c.oob[:oobn])
	}
	cmd, err = Unmarshal(c.buf[:n])
	if err != nil {
		if fd >= 0 {
			_ = unix.Close(fd)
		}
		return Command{}, true, err
	}
	if cmd.Type != TypeAddConn && fd >= 0 {
		_ = unix.Close(fd)
		fd = -1
	}
	cmd.FD = fd
	return cmd, true, nil
}

func parseRights(oob []byte) int {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}
	fd := -1
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, f := range fds {
			if fd < 0 {
				fd = f
			} else {
				_ = unix.Close(f)
			}
		}
	}
	return fd
}

// Close closes the socket and removes its path.
func (c *Channel) Close() error {
	err := unix.Close(c.fd)
	if c.path != "" {
		_ = os.Remove(c.path)
	}
	return err
}
