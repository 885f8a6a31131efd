//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/internal/netio"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Listener accepts TCP peers and distributes them to receive engines.
type Listener struct {
	ln       net.Listener
	ch       *command.Channel
	targets  []string
	next     int
	log      zerolog.Logger
	accepted atomic.Uint64
	failed   atomic.Uint64
}

// Listen binds addr. targets are the command paths of the receive engines.
func Listen(addr string, targets []string, log zerolog.Logger) (*Listener, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("listen %s: no receive engines: %w", addr, api.ErrInvalidArgument)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp listen %s: %w", addr, err)
	}
	ch, err := command.Dial(log)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return &Listener{
		ln:      ln,
		ch:      ch,
		targets: targets,
		log:     log.With().Str("role", "listen").Str("addr", ln.Addr().String()).Logger(),
	}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accepted returns the number of connections handed off.
func (l *Listener) Accepted() uint64 { return l.accepted.Load() }

// Serve runs the accept loop until ctx is cancelled or the listener fails.
func (l *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = l.ln.Close() })
	defer stop()

	l.log.Info().Msg("accepting")
	backoff := time.Duration(0)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			l.log.Warn().Err(err).Dur("retry", backoff).Msg("accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		l.handoff(conn)
	}
}

// handoff passes a duplicate of conn's descriptor to the next engine and
// drops the local copies.
func (l *Listener) handoff(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	fd, err := netio.Detach(conn.(syscall.Conn))
	if err != nil {
		l.failed.Add(1)
		l.log.Warn().Err(err).Str("peer", peer).Msg("detach failed")
		return
	}
	defer netio.Close(fd)

	target := l.targets[l.next%len(l.targets)]
	l.next++
	if err := l.ch.Send(target, command.AddConn(fd, peer)); err != nil {
		l.failed.Add(1)
		return
	}
	l.accepted.Add(1)
	l.log.Debug().Str("peer", peer).Str("engine", target).Msg("connection handed off")
}

// Close stops accepting and releases the command socket.
func (l *Listener) Close() error {
	err := l.ln.Close()
	if cerr := l.ch.Close(); err == nil || errors.Is(err, net.ErrClosed) {
		err = cerr
	}
	return err
}
