//go:build !linux

// File: client/client_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

// Sender is unavailable off linux.
type Sender struct {
	registry *api.Registry
	counters *control.Counters
	log      zerolog.Logger
}

// Client is unavailable off linux.
type Client struct{}

func NewSender(control.Config, ...Option) (*Sender, error)   { return nil, api.ErrNotSupported }
func Attach(control.Config, zerolog.Logger) (*Client, error) { return nil, api.ErrNotSupported }

func (s *Sender) Run(context.Context) error             { return api.ErrNotSupported }
func (s *Sender) Client() *Client                       { return &Client{} }
func (s *Sender) Stats() []api.SendStats                { return nil }
func (s *Sender) Close() error                          { return nil }
func (c *Client) Send(typ uint16, payload []byte) error { return api.ErrNotSupported }
func (c *Client) Flush()                                {}
func (c *Client) Close() error                          { return nil }
