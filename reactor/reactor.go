// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral poller interface.

package reactor

import "time"

// EventType is a bitmask of readiness conditions.
type EventType uint8

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
)

// Callback runs on the polling goroutine for each ready fd.
type Callback func(fd int, ev EventType)

// Poller multiplexes readiness for one engine. It is not safe for concurrent
// use; the owning goroutine registers fds and calls Poll.
type Poller interface {
	Register(fd int, ev EventType, cb Callback) error
	// Modify replaces the interest set of a registered fd.
	Modify(fd int, ev EventType) error
	Unregister(fd int) error
	// Poll waits at most timeout and dispatches callbacks. It returns the
	// number of dispatched events; zero means the wait timed out.
	Poll(timeout time.Duration) (int, error)
	Close() error
}
