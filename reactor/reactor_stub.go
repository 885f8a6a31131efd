//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for unsupported platforms.

package reactor

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
)

// NewPoller returns an error for unsupported platforms.
func NewPoller(log zerolog.Logger) (Poller, error) {
	return nil, api.ErrNotSupported
}
