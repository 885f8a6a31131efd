//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-mq/api"
)

const maxEvents = 128

// epollPoller implements Poller with level-triggered epoll.
type epollPoller struct {
	epfd      int
	callbacks map[int]Callback
	events    [maxEvents]unix.EpollEvent
	log       zerolog.Logger
}

// NewPoller creates an epoll instance. Panics raised by callbacks are
// recovered and logged so one bad connection cannot stop the engine.
func NewPoller(log zerolog.Logger) (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollPoller{
		epfd:      epfd,
		callbacks: make(map[int]Callback),
		log:       log,
	}, nil
}

func toEpoll(ev EventType) uint32 {
	var e uint32
	if ev&EventRead != 0 {
		e |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ev&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

// Register adds fd to the watch list.
func (p *epollPoller) Register(fd int, ev EventType, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("register fd %d: %w", fd, api.ErrInvalidArgument)
	}
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return fmt.Errorf("epoll ctl add %d: %w", fd, err)
	}
	p.callbacks[fd] = cb
	return nil
}

// Modify changes the interest set of fd.
func (p *epollPoller) Modify(fd int, ev EventType) error {
	if _, ok := p.callbacks[fd]; !ok {
		return fmt.Errorf("modify fd %d: %w", fd, api.ErrNotFound)
	}
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return fmt.Errorf("epoll ctl mod %d: %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the watch list.
func (p *epollPoller) Unregister(fd int) error {
	delete(p.callbacks, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del %d: %w", fd, err)
	}
	return nil
}

// Poll waits up to timeout; a negative timeout blocks indefinitely.
func (p *epollPoller) Poll(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(p.epfd, p.events[:], ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	dispatched := 0
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		// An earlier callback in this batch may have closed fd.
		cb, ok := p.callbacks[fd]
		if !ok {
			continue
		}
		var ev EventType
		if raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
			ev |= EventRead
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ev |= EventWrite
		}
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ev |= EventError
		}
		p.dispatch(cb, fd, ev)
		dispatched++
	}
	return dispatched, nil
}

func (p *epollPoller) dispatch(cb Callback, fd int, ev EventType) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("fd", fd).Interface("panic", r).Msg("poll callback panicked")
		}
	}()
	cb(fd, ev)
}

// Close releases the epoll descriptor.
func (p *epollPoller) Close() error {
	p.callbacks = nil
	return unix.Close(p.epfd)
}
