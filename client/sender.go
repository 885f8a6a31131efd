//go:build linux

// File: client/sender.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/shmq"
)

var ErrAlreadyRunning = errors.New("sender already running")

// Sender is a group of send engines, one queue each.
type Sender struct {
	cfg      control.Config
	log      zerolog.Logger
	registry *api.Registry
	counters *control.Counters

	queues  []*shmq.Queue
	engines []*SendEngine
	running atomic.Bool
}

// NewSender creates the send queues and engines described by cfg.Sender.
func NewSender(cfg control.Config, opts ...Option) (s *Sender, err error) {
	if err := cfg.Sender.Validate(); err != nil {
		return nil, err
	}
	s = &Sender{cfg: cfg, log: zerolog.Nop()}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = api.NewRegistry()
	}
	if s.counters == nil {
		s.counters = control.NewCounters()
	}
	s.log = s.log.With().Str("node", cfg.Name).Logger()
	defer func() {
		if err != nil {
			s.Close()
			s = nil
		}
	}()

	qc := cfg.Sender.Queue
	for i := 0; i < cfg.Sender.Threads; i++ {
		q, err := openQueue(qc, i, s.log)
		if err != nil {
			return s, err
		}
		s.queues = append(s.queues, q)
	}
	for i := range s.queues {
		e, err := newSendEngine(s, i)
		if err != nil {
			return s, err
		}
		s.engines = append(s.engines, e)
	}
	return s, nil
}

func openQueue(qc control.QueueConfig, idx int, log zerolog.Logger) (*shmq.Queue, error) {
	if qc.Name == "" {
		return shmq.New(qc.Capacity, qc.ElemSize)
	}
	name := fmt.Sprintf("%s-%d", qc.Name, idx)
	q, err := shmq.Create(name, qc.Capacity, qc.ElemSize)
	if errors.Is(err, api.ErrAlreadyExists) {
		log.Warn().Str("queue", name).Msg("removing stale shared queue")
		if err := shmq.Remove(name); err != nil {
			return nil, err
		}
		q, err = shmq.Create(name, qc.Capacity, qc.ElemSize)
	}
	return q, err
}

// Run starts every engine and blocks until ctx is cancelled or one fails.
func (s *Sender) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range s.engines {
		g.Go(func() error { return e.Run(ctx) })
	}
	s.log.Info().Str("peer", s.cfg.Sender.Peer).Int("engines", len(s.engines)).Msg("sender running")
	err := g.Wait()
	s.log.Info().Err(err).Msg("sender stopped")
	return err
}

// Client returns an in-process producer bound to this sender's queues.
func (s *Sender) Client() *Client {
	c, err := newClient(s.cfg, s.queues, false, s.log)
	if err != nil {
		// Only the command socket can fail; producers still work without
		// notifications since engines pick up backlog on their own.
		s.log.Warn().Err(err).Msg("client notifications disabled")
	}
	return c
}

// Registry is the table inbound application frames dispatch to.
func (s *Sender) Registry() *api.Registry { return s.registry }

// Counters exposes the raw counter set.
func (s *Sender) Counters() *control.Counters { return s.counters }

// Stats snapshots every engine.
func (s *Sender) Stats() []api.SendStats {
	out := make([]api.SendStats, len(s.engines))
	for i, e := range s.engines {
		out[i] = e.Stats()
	}
	return out
}

// Close releases engines and queues; named queues are unlinked.
func (s *Sender) Close() error {
	var errs []error
	for _, e := range s.engines {
		e.close()
	}
	for _, q := range s.queues {
		errs = append(errs, q.Close())
		if q.Name() != "" {
			errs = append(errs, shmq.Remove(q.Name()))
		}
	}
	return errors.Join(errs...)
}
