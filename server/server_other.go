//go:build !linux

// File: server/server_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"hash/fnv"
	"net"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// Server is unavailable off linux.
type Server struct {
	registry *api.Registry
	counters *control.Counters
	log      zerolog.Logger
}

// New reports api.ErrNotSupported.
func New(control.Config, ...Option) (*Server, error) { return nil, api.ErrNotSupported }

func (s *Server) Run(context.Context) error { return api.ErrNotSupported }
func (s *Server) Addr() net.Addr            { return nil }
func (s *Server) Stats() Stats              { return Stats{} }
func (s *Server) Close() error              { return nil }

// ShardForType maps a frame type to a shard index.
func ShardForType(typ uint16, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(typ >> 8), byte(typ)})
	return int(h.Sum32() % uint32(shards))
}
