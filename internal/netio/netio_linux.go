//go:build linux

// File: internal/netio/netio_linux.go
// Author: momentics <momentics@gmail.com>
//
// Package netio wraps non-blocking stream socket calls for the engines,
// mapping EAGAIN to api.ErrWouldBlock and EOF to api.ErrPeerClosed.

package netio

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/protocol"
)

// Read reads once into b.
func Read(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Read(fd, b)
		switch {
		case err == nil && n == 0 && len(b) > 0:
			return 0, api.ErrPeerClosed
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("read fd %d: %w", fd, err)
		}
	}
}

// Write writes once from b.
func Write(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Write(fd, b)
		switch {
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, api.ErrWouldBlock
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			return 0, fmt.Errorf("write fd %d: %w: %w", fd, api.ErrPeerClosed, err)
		default:
			return 0, fmt.Errorf("write fd %d: %w", fd, err)
		}
	}
}

// Flush writes pending snapshot bytes until the snapshot drains or the socket
// would block. Partial writes advance the snapshot's output cursor, so a retry
// resumes exactly where the previous call stopped.
func Flush(fd int, s *protocol.Snapshot) error {
	for s.Len() > 0 {
		n, err := Write(fd, s.Pending())
		if n > 0 {
			s.Consume(n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Connect starts a non-blocking TCP connect to addr. When it returns
// api.ErrWouldBlock the fd is valid and completion is signalled by
// writability; ConnectError then reports the outcome.
func Connect(addr string) (int, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, fmt.Errorf("resolve %s: %w", addr, err)
	}
	var sa unix.Sockaddr
	family := unix.AF_INET
	if ip4 := ta.IP.To4(); ip4 != nil || ta.IP == nil {
		a := &unix.SockaddrInet4{Port: ta.Port}
		copy(a.Addr[:], ip4)
		sa = a
	} else {
		family = unix.AF_INET6
		a := &unix.SockaddrInet6{Port: ta.Port}
		copy(a.Addr[:], ta.IP.To16())
		sa = a
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	switch err := unix.Connect(fd, sa); {
	case err == nil:
		return fd, nil
	case errors.Is(err, unix.EINPROGRESS):
		return fd, api.ErrWouldBlock
	default:
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
}

// ConnectError reports the result of a connect that returned
// api.ErrWouldBlock, once the socket became writable.
func ConnectError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

// Detach duplicates the descriptor behind c into a non-blocking
// close-on-exec fd outside the Go netpoller. c stays open.
func Detach(c syscall.Conn) (int, error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	var dupErr error
	if err := raw.Control(func(s uintptr) {
		fd, dupErr = unix.FcntlInt(s, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return -1, err
	}
	if dupErr != nil {
		return -1, fmt.Errorf("dup: %w", dupErr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("nonblock: %w", err)
	}
	return fd, nil
}

// Prepare makes a received descriptor non-blocking.
func Prepare(fd int) error {
	return unix.SetNonblock(fd, true)
}

// SetBuffers sizes the kernel socket buffers. Zero leaves a size unchanged.
func SetBuffers(fd, sndbuf, rcvbuf int) error {
	if sndbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
			return fmt.Errorf("SO_SNDBUF: %w", err)
		}
	}
	if rcvbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return fmt.Errorf("SO_RCVBUF: %w", err)
		}
	}
	return nil
}

// Close closes fd.
func Close(fd int) error {
	return unix.Close(fd)
}
