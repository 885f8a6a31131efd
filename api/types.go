// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations, DTOs, and constants.

package api

// KeepaliveState tracks liveness probing of one connection.
type KeepaliveState int

const (
	KeepaliveIdle KeepaliveState = iota
	KeepaliveAwaiting
	KeepaliveConfirmed
)

func (s KeepaliveState) String() string {
	switch s {
	case KeepaliveAwaiting:
		return "awaiting"
	case KeepaliveConfirmed:
		return "confirmed"
	default:
		return "idle"
	}
}

// RecvStats is what a receive engine reports.
type RecvStats struct {
	Connections uint32
	RecvTotal   uint64
	DropTotal   uint64
	ErrTotal    uint64
}

// ProcStats is what a worker reports.
type ProcStats struct {
	ProcTotal uint64
	DropTotal uint64
	ErrTotal  uint64
}

// SendStats is what a send engine reports.
type SendStats struct {
	Connected  bool
	SentTotal  uint64
	Keepalives uint64
	Reconnects uint64
	Handled    uint64
	DropTotal  uint64
	ErrTotal   uint64
}

// ConfInfo is the node configuration answered to QUERY_CONF requests.
type ConfInfo struct {
	Name        string
	Port        uint32
	RecvThreads uint32
	WorkThreads uint32
	Shards      uint32
	QueueCap    uint32
	QueueSize   uint32
}
