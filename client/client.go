//go:build linux

// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/protocol"
	"github.com/momentics/hioload-mq/shmq"
)

// Client encodes application frames into send queues. It is safe for
// concurrent use.
type Client struct {
	queues  []*shmq.Queue
	engines []string
	ch      *command.Channel // nil disables notifications
	every   uint32
	owned   bool
	log     zerolog.Logger

	next   atomic.Uint32
	pushes []atomic.Uint32
	sent   atomic.Uint64
	drop   atomic.Uint64
}

func newClient(cfg control.Config, queues []*shmq.Queue, owned bool, log zerolog.Logger) (*Client, error) {
	c := &Client{
		queues:  queues,
		engines: make([]string, len(queues)),
		every:   uint32(cfg.Sender.NotifyEvery),
		owned:   owned,
		log:     log.With().Str("role", "producer").Logger(),
		pushes:  make([]atomic.Uint32, len(queues)),
	}
	for i := range c.engines {
		c.engines[i] = command.Path(cfg.CmdDir, cfg.Name, command.RoleSend, i)
	}
	ch, err := command.Dial(c.log)
	if err != nil {
		return c, err
	}
	c.ch = ch
	return c, nil
}

// Attach opens the named send queues of a sender running in another
// process.
func Attach(cfg control.Config, log zerolog.Logger) (*Client, error) {
	qc := cfg.Sender.Queue
	if qc.Name == "" {
		return nil, fmt.Errorf("attach: sender.queue.name is empty: %w", api.ErrInvalidArgument)
	}
	queues := make([]*shmq.Queue, 0, cfg.Sender.Threads)
	for i := 0; i < cfg.Sender.Threads; i++ {
		q, err := shmq.Attach(fmt.Sprintf("%s-%d", qc.Name, i))
		if err != nil {
			for _, q := range queues {
				q.Close()
			}
			return nil, err
		}
		queues = append(queues, q)
	}
	c, err := newClient(cfg, queues, true, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Send queues one application frame on the next engine in turn. A full
// queue is reported as an error matching api.ErrQueueFull and counted; the
// frame is not retried.
func (c *Client) Send(typ uint16, payload []byte) error {
	if int(typ) >= api.MaxTypes {
		return fmt.Errorf("send type %d: %w", typ, api.ErrBadType)
	}
	idx := int((c.next.Add(1) - 1) % uint32(len(c.queues)))
	q := c.queues[idx]
	if protocol.HeaderSize+len(payload) > q.ElemSize() {
		return fmt.Errorf("send %d bytes: %w", len(payload), api.ErrFrameTooLong)
	}
	s, block, ok := q.Alloc()
	if !ok {
		c.drop.Add(1)
		c.notify(idx)
		return shmq.ErrFull
	}
	if _, err := protocol.EncodeNative(block, protocol.FlagApp, typ, payload); err != nil {
		_ = q.Dealloc(s)
		return err
	}
	if err := q.PushSlot(s); err != nil {
		_ = q.Dealloc(s)
		c.drop.Add(1)
		c.notify(idx)
		return err
	}
	c.sent.Add(1)
	if c.pushes[idx].Add(1)%c.every == 0 {
		c.notify(idx)
	}
	return nil
}

// Flush asks every engine to drain its queue now.
func (c *Client) Flush() {
	if c.ch == nil {
		return
	}
	for _, path := range c.engines {
		_ = c.ch.Send(path, command.New(command.TypeSendAll))
	}
}

func (c *Client) notify(idx int) {
	if c.ch != nil {
		_ = c.ch.Send(c.engines[idx], command.New(command.TypeSend))
	}
}

// Sent is the number of frames queued.
func (c *Client) Sent() uint64 { return c.sent.Load() }

// Dropped is the number of frames refused because a queue was full.
func (c *Client) Dropped() uint64 { return c.drop.Load() }

// Close releases the notification socket and any attached queues.
func (c *Client) Close() error {
	var errs []error
	if c.ch != nil {
		errs = append(errs, c.ch.Close())
	}
	if c.owned {
		for _, q := range c.queues {
			errs = append(errs, q.Close())
		}
	}
	return errors.Join(errs...)
}
