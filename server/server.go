//go:build linux

// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/shmq"
	"github.com/momentics/hioload-mq/transport/tcp"
)

var ErrAlreadyRunning = errors.New("server already running")

// Server wires the listener, receive engines, workers and shards together.
type Server struct {
	cfg      control.Config
	log      zerolog.Logger
	registry *api.Registry
	counters *control.Counters
	gauges   *control.Gauges

	shards   []*shmq.Queue
	workers  []*Worker
	engines  []*RecvEngine
	listener *tcp.Listener
	running  atomic.Bool
}

// New allocates every resource the node needs; nothing runs until Run.
func New(cfg control.Config, opts ...Option) (s *Server, err error) {
	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	s = &Server{
		cfg:    cfg,
		log:    zerolog.Nop(),
		gauges: control.NewGauges(),
	}
	control.RegisterPlatformGauges(s.gauges)
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

	qc := cfg.Server.Queue
	for i := 0; i < qc.Shards; i++ {
		q, err := s.openShard(qc, i)
		if err != nil {
			return s, err
		}
		s.shards = append(s.shards, q)
		s.gauges.Register(fmt.Sprintf("shard.%d.len", i), func() int64 { return int64(q.Len()) })
		s.gauges.Register(fmt.Sprintf("shard.%d.inuse", i), func() int64 { return int64(q.InUse()) })
	}
	for i := 0; i < cfg.Server.Work.Threads; i++ {
		w, err := newWorker(s, i)
		if err != nil {
			return s, err
		}
		s.workers = append(s.workers, w)
	}
	targets := make([]string, 0, cfg.Server.Recv.Threads)
	for i := 0; i < cfg.Server.Recv.Threads; i++ {
		e, err := newRecvEngine(s, i)
		if err != nil {
			return s, err
		}
		s.engines = append(s.engines, e)
		targets = append(targets, e.ch.Path())
	}
	if s.listener, err = tcp.Listen(cfg.Server.Listen, targets, s.log); err != nil {
		return s, err
	}
	s.gauges.Register("listener.accepted", func() int64 { return int64(s.listener.Accepted()) })
	return s, nil
}

func (s *Server) openShard(qc control.QueueConfig, idx int) (*shmq.Queue, error) {
	if qc.Name == "" {
		return shmq.New(qc.Capacity, qc.ElemSize)
	}
	name := fmt.Sprintf("%s-%d", qc.Name, idx)
	q, err := shmq.Create(name, qc.Capacity, qc.ElemSize)
	if errors.Is(err, api.ErrAlreadyExists) {
		s.log.Warn().Str("queue", name).Msg("removing stale shared queue")
		if err := shmq.Remove(name); err != nil {
			return nil, err
		}
		q, err = shmq.Create(name, qc.Capacity, qc.ElemSize)
	}
	return q, err
}

// Run starts every engine and blocks until ctx is cancelled or one of them
// fails. Call Close afterwards to release resources.
func (s *Server) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error { return w.Run(ctx) })
	}
	for _, e := range s.engines {
		g.Go(func() error { return e.Run(ctx) })
	}
	g.Go(func() error { return s.listener.Serve(ctx) })
	s.log.Info().
		Str("listen", s.Addr().String()).
		Int("recv", len(s.engines)).
		Int("work", len(s.workers)).
		Int("shards", len(s.shards)).
		Str("policy", s.cfg.Server.Recv.ShardPolicy).
		Msg("server running")
	err := g.Wait()
	s.log.Info().Err(err).Msg("server stopped")
	return err
}

// Addr is the bound listen address.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Registry is the handler table workers dispatch to.
func (s *Server) Registry() *api.Registry { return s.registry }

// Counters exposes the raw counter set.
func (s *Server) Counters() *control.Counters { return s.counters }

// Gauges exposes sampled node state.
func (s *Server) Gauges() *control.Gauges { return s.gauges }

// Shard returns shard idx, mainly for inspection.
func (s *Server) Shard(idx int) *shmq.Queue { return s.shards[idx] }

// CommandPath is the command channel of engine idx in role.
func (s *Server) CommandPath(role string, idx int) string {
	return command.Path(s.cfg.CmdDir, s.cfg.Name, role, idx)
}

// Stats snapshots every engine.
func (s *Server) Stats() Stats {
	st := Stats{
		Recv: make([]api.RecvStats, len(s.engines)),
		Proc: make([]api.ProcStats, len(s.workers)),
	}
	for i, e := range s.engines {
		st.Recv[i] = e.Stats()
	}
	for i, w := range s.workers {
		st.Proc[i] = w.Stats()
	}
	return st
}

// Close releases sockets, channels and queues. Named shared queues are
// unlinked.
func (s *Server) Close() error {
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.Close())
	}
	for _, e := range s.engines {
		e.close()
	}
	for _, w := range s.workers {
		w.close()
	}
	for _, q := range s.shards {
		errs = append(errs, q.Close())
		if q.Name() != "" {
			errs = append(errs, shmq.Remove(q.Name()))
		}
	}
	return errors.Join(errs...)
}
