//go:build !linux

// File: command/channel_other.go
// Author: momentics <momentics@gmail.com>

package command

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
)

// Channel is unavailable on this platform.
type Channel struct{}

func Listen(path string, log zerolog.Logger) (*Channel, error) { return nil, api.ErrNotSupported }
func Dial(log zerolog.Logger) (*Channel, error)                { return nil, api.ErrNotSupported }

func (c *Channel) FD() int                           { return -1 }
func (c *Channel) Path() string                      { return "" }
func (c *Channel) Send(to string, cmd Command) error { return api.ErrNotSupported }
func (c *Channel) Recv() (Command, bool, error)      { return Command{}, false, api.ErrNotSupported }
func (c *Channel) Close() error                      { return nil }
