// File: server/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// Option customizes server initialization.
type Option func(*Server)

// WithRegistry sets the handler registry workers dispatch to.
func WithRegistry(r *api.Registry) Option {
	return func(s *Server) { s.registry = r }
}

// WithLogger sets the base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithCounters shares a counter set, e.g. with a sender in the same process.
func WithCounters(c *control.Counters) Option {
	return func(s *Server) { s.counters = c }
}
