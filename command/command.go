// File: command/command.go
// Author: momentics <momentics@gmail.com>
//
// Package command defines the control-plane datagram exchanged between
// engine threads and processes over unix datagram sockets.
//
// Layout (host order, fixed Size bytes):
//
//	type:u32 | reply path[108] | args[128]

package command

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"path/filepath"

	"github.com/momentics/hioload-mq/api"
)

const (
	PathSize = 108
	ArgsSize = 128
	Size     = 4 + PathSize + ArgsSize
)

// Endpoint roles.
const (
	RoleRecv = "recv"
	RoleWork = "work"
	RoleSend = "send"
)

// Path returns the socket path of endpoint role_idx under dir/name.
func Path(dir, name, role string, idx int) string {
	return filepath.Join(dir, name, fmt.Sprintf("%s_%d.sock", role, idx))
}

// Type identifies a control command.
type Type uint32

const (
	TypeUnknown Type = iota
	TypeAddConn
	TypeProcRequest
	TypeSend
	TypeSendAll
	TypeQueryConfReq
	TypeQueryConfRep
	TypeQueryRecvStatReq
	TypeQueryRecvStatRep
	TypeQueryProcStatReq
	TypeQueryProcStatRep
	typeTotal
)

var typeNames = [...]string{
	TypeUnknown:          "unknown",
	TypeAddConn:          "add-connection",
	TypeProcRequest:      "proc-request",
	TypeSend:             "send",
	TypeSendAll:          "send-all",
	TypeQueryConfReq:     "query-conf-req",
	TypeQueryConfRep:     "query-conf-rep",
	TypeQueryRecvStatReq: "query-recv-stat-req",
	TypeQueryRecvStatRep: "query-recv-stat-rep",
	TypeQueryProcStatReq: "query-proc-stat-req",
	TypeQueryProcStatRep: "query-proc-stat-rep",
}

func (t Type) String() string {
	if t < typeTotal {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint32(t))
}

// Command is one control datagram. FD carries a descriptor for
// TypeAddConn and is -1 otherwise.
type Command struct {
	Type      Type
	ReplyPath string
	Args      [ArgsSize]byte
	FD        int
}

// New returns a command of type t without arguments.
func New(t Type) Command {
	return Command{Type: t, FD: -1}
}

// Marshal encodes c into a fixed-size datagram.
func (c Command) Marshal() ([Size]byte, error) {
	var b [Size]byte
	if len(c.ReplyPath) >= PathSize {
		return b, fmt.Errorf("reply path %q: %w", c.ReplyPath, api.ErrInvalidArgument)
	}
	binary.NativeEndian.PutUint32(b[0:], uint32(c.Type))
	copy(b[4:4+PathSize], c.ReplyPath)
	copy(b[4+PathSize:], c.Args[:])
	return b, nil
}

// Unmarshal decodes a datagram.
func Unmarshal(b []byte) (Command, error) {
	if len(b) < Size {
		return Command{}, fmt.Errorf("datagram of %d bytes: %w", len(b), api.ErrShortCommand)
	}
	c := Command{
		Type:      Type(binary.NativeEndian.Uint32(b[0:])),
		ReplyPath: cstring(b[4 : 4+PathSize]),
		FD:        -1,
	}
	if c.Type == TypeUnknown || c.Type >= typeTotal {
		return Command{}, fmt.Errorf("command type %d: %w", uint32(c.Type), api.ErrUnknownCommand)
	}
	copy(c.Args[:], b[4+PathSize:Size])
	return c, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
