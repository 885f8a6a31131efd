// File: client/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// Option customizes a Sender.
type Option func(*Sender)

// WithRegistry sets the handler table for application frames the peer
// sends back.
func WithRegistry(r *api.Registry) Option {
	return func(s *Sender) { s.registry = r }
}

// WithLogger sets the base logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Sender) { s.log = log }
}

// WithCounters shares a counter set.
func WithCounters(c *control.Counters) Option {
	return func(s *Sender) { s.counters = c }
}
