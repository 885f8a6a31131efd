// File: command/args.go
// Author: momentics <momentics@gmail.com>
//
// Typed argument codecs for the commands that carry payloads.

package command

import (
	"encoding/binary"

	"github.com/momentics/hioload-mq/api"
)

var ne = binary.NativeEndian

// AddConn hands an accepted socket to a receive engine. Ownership of fd moves
// to the receiver once the datagram is sent.
func AddConn(fd int, peer string) Command {
	c := New(TypeAddConn)
	c.FD = fd
	copy(c.Args[:ArgsSize-1], peer)
	return c
}

// Peer returns the peer address of an AddConn command.
func (c Command) Peer() string {
	return cstring(c.Args[:])
}

// DrainAll as ProcRequest.Count asks a worker to drain every shard it serves.
const DrainAll int32 = -1

// ProcRequest tells a worker that a shard has backlog.
type ProcRequest struct {
	RecvIdx uint32
	Shard   uint32
	Count   int32
}

// Proc builds a PROC_REQUEST command.
func Proc(r ProcRequest) Command {
	c := New(TypeProcRequest)
	ne.PutUint32(c.Args[0:], r.RecvIdx)
	ne.PutUint32(c.Args[4:], r.Shard)
	ne.PutUint32(c.Args[8:], uint32(r.Count))
	return c
}

// ProcRequest decodes PROC_REQUEST arguments.
func (c Command) ProcRequest() ProcRequest {
	return ProcRequest{
		RecvIdx: ne.Uint32(c.Args[0:]),
		Shard:   ne.Uint32(c.Args[4:]),
		Count:   int32(ne.Uint32(c.Args[8:])),
	}
}

const confNameSize = 64

// ConfReply answers QUERY_CONF_REQ.
func ConfReply(info api.ConfInfo) Command {
	c := New(TypeQueryConfRep)
	copy(c.Args[:confNameSize-1], info.Name)
	a := c.Args[confNameSize:]
	ne.PutUint32(a[0:], info.Port)
	ne.PutUint32(a[4:], info.RecvThreads)
	ne.PutUint32(a[8:], info.WorkThreads)
	ne.PutUint32(a[12:], info.Shards)
	ne.PutUint32(a[16:], info.QueueCap)
	ne.PutUint32(a[20:], info.QueueSize)
	return c
}

// ConfInfo decodes a QUERY_CONF_REP.
func (c Command) ConfInfo() api.ConfInfo {
	a := c.Args[confNameSize:]
	return api.ConfInfo{
		Name:        cstring(c.Args[:confNameSize]),
		Port:        ne.Uint32(a[0:]),
		RecvThreads: ne.Uint32(a[4:]),
		WorkThreads: ne.Uint32(a[8:]),
		Shards:      ne.Uint32(a[12:]),
		QueueCap:    ne.Uint32(a[16:]),
		QueueSize:   ne.Uint32(a[20:]),
	}
}

// RecvStatReply answers QUERY_RECV_STAT_REQ for engine idx.
func RecvStatReply(idx uint32, s api.RecvStats) Command {
	c := New(TypeQueryRecvStatRep)
	ne.PutUint32(c.Args[0:], idx)
	ne.PutUint32(c.Args[4:], s.Connections)
	ne.PutUint64(c.Args[8:], s.RecvTotal)
	ne.PutUint64(c.Args[16:], s.DropTotal)
	ne.PutUint64(c.Args[24:], s.ErrTotal)
	return c
}

// RecvStats decodes a QUERY_RECV_STAT_REP.
func (c Command) RecvStats() (uint32, api.RecvStats) {
	return ne.Uint32(c.Args[0:]), api.RecvStats{
		Connections: ne.Uint32(c.Args[4:]),
		RecvTotal:   ne.Uint64(c.Args[8:]),
		DropTotal:   ne.Uint64(c.Args[16:]),
		ErrTotal:    ne.Uint64(c.Args[24:]),
	}
}

// ProcStatReply answers QUERY_PROC_STAT_REQ for worker idx.
func ProcStatReply(idx uint32, s api.ProcStats) Command {
	c := New(TypeQueryProcStatRep)
	ne.PutUint32(c.Args[0:], idx)
	ne.PutUint64(c.Args[8:], s.ProcTotal)
	ne.PutUint64(c.Args[16:], s.DropTotal)
	ne.PutUint64(c.Args[24:], s.ErrTotal)
	return c
}

// ProcStats decodes a QUERY_PROC_STAT_REP.
func (c Command) ProcStats() (uint32, api.ProcStats) {
	return ne.Uint32(c.Args[0:]), api.ProcStats{
		ProcTotal: ne.Uint64(c.Args[8:]),
		DropTotal: ne.Uint64(c.Args[16:]),
		ErrTotal:  ne.Uint64(c.Args[24:]),
	}
}
