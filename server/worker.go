//go:build linux

// File: server/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker pops frames from the shards it serves and runs the registered
// handler for each.

package server

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/affinity"
	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/pool"
	"github.com/momentics/hioload-mq/protocol"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/shmq"
)

// Worker serves the shard range [first, first+count).
type Worker struct {
	idx      int
	thread   int
	cpu      control.CPUConfig
	wait     time.Duration
	shards   []*shmq.Queue
	first    int
	count    int
	registry *api.Registry
	conf     api.ConfInfo
	ch       *command.Channel
	poller   reactor.Poller
	log      zerolog.Logger
	batch    []pool.Slot
	rr       int

	proc *atomic.Uint64
	drop *atomic.Uint64
	errs *atomic.Uint64
}

func newWorker(s *Server, idx int) (*Worker, error) {
	cfg := s.cfg.Server
	spw := cfg.Queue.Shards / cfg.Work.Threads
	log := s.log.With().Str("role", "work").Int("tidx", idx).Logger()
	ch, err := command.Listen(command.Path(s.cfg.CmdDir, s.cfg.Name, command.RoleWork, idx), log)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.NewPoller(log)
	if err != nil {
		ch.Close()
		return nil, err
	}
	name := fmt.Sprintf("work.%d.", idx)
	w := &Worker{
		idx:      idx,
		thread:   cfg.Recv.Threads + idx,
		cpu:      s.cfg.CPU,
		wait:     cfg.Work.WaitTimeout.Duration,
		shards:   s.shards,
		first:    idx * spw,
		count:    spw,
		registry: s.registry,
		conf:     s.cfg.ConfInfo(),
		ch:       ch,
		poller:   poller,
		log:      log,
		batch:    make([]pool.Slot, cfg.Work.BatchSize),
		proc:     s.counters.Counter(name + "proc"),
		drop:     s.counters.Counter(name + "drop"),
		errs:     s.counters.Counter(name + "err"),
	}
	if err := poller.Register(ch.FD(), reactor.EventRead, func(int, reactor.EventType) { w.drainCommands() }); err != nil {
		w.close()
		return nil, err
	}
	return w, nil
}

// Stats snapshots the worker counters.
func (w *Worker) Stats() api.ProcStats {
	return api.ProcStats{ProcTotal: w.proc.Load(), DropTotal: w.drop.Load(), ErrTotal: w.errs.Load()}
}

// Run is the worker loop. It returns when ctx is cancelled or polling fails.
func (w *Worker) Run(ctx context.Context) error {
	unlock, err := affinity.LockThread(w.cpu.Enable, w.cpu.Start, w.thread)
	defer unlock()
	if err != nil {
		w.log.Warn().Err(err).Msg("cpu pinning failed")
	}
	w.log.Info().Int("first_shard", w.first).Int("shards", w.count).Msg("worker started")
	for ctx.Err() == nil {
		n, err := w.poller.Poll(w.wait)
		if err != nil {
			w.log.Error().Err(err).Msg("poll failed")
			return err
		}
		if n == 0 {
			w.drainShard(w.first + w.rr)
			w.rr = (w.rr + 1) % w.count
		}
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

func (w *Worker) drainCommands() {
	for {
		cmd, ok, err := w.ch.Recv()
		if err != nil {
			w.log.Warn().Err(err).Msg("command recv failed")
		}
		if !ok {
			return
		}
		if err == nil {
			w.handleCommand(cmd)
		}
	}
}

func (w *Worker) handleCommand(cmd command.Command) {
	switch cmd.Type {
	case command.TypeProcRequest:
		req := cmd.ProcRequest()
		if req.Count == command.DrainAll {
			for i := 0; i < w.count; i++ {
				w.drainShard(w.first + i)
			}
			return
		}
		shard := int(req.Shard)
		if shard < w.first || shard >= w.first+w.count {
			w.log.Warn().Int("shard", shard).Msg("proc request for foreign shard")
			return
		}
		w.drainShard(shard)
	case command.TypeQueryConfReq:
		w.reply(cmd, command.ConfReply(w.conf))
	case command.TypeQueryProcStatReq:
		w.reply(cmd, command.ProcStatReply(uint32(w.idx), w.Stats()))
	default:
		w.log.Debug().Stringer("type", cmd.Type).Msg("ignored command")
	}
}

func (w *Worker) reply(req, rep command.Command) {
	if req.ReplyPath == "" {
		return
	}
	_ = w.ch.Send(req.ReplyPath, rep)
}

// drainShard pops batches until the shard is empty or one capacity worth of
// frames has been handled, so a busy shard cannot starve the others.
func (w *Worker) drainShard(idx int) {
	q := w.shards[idx]
	for done := 0; done < q.Cap(); {
		n := q.PopN(w.batch)
		for _, s := range w.batch[:n] {
			w.process(q, s)
		}
		done += n
		if n < len(w.batch) {
			return
		}
	}
}

func (w *Worker) process(q *shmq.Queue, s pool.Slot) {
	defer func() {
		if err := q.Dealloc(s); err != nil {
			w.errs.Add(1)
			w.log.Error().Err(err).Uint32("slot", uint32(s)).Msg("dealloc failed")
		}
	}()
	h, payload, err := protocol.NativeFrame(q.Bytes(s))
	if err != nil {
		w.errs.Add(1)
		return
	}
	ok, err := w.dispatch(h.Type, payload)
	switch {
	case !ok:
		w.drop.Add(1)
	case err != nil:
		w.errs.Add(1)
	default:
		w.proc.Add(1)
	}
}

// dispatch runs the handler; a panicking handler counts as an error.
func (w *Worker) dispatch(typ uint16, payload []byte) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Uint16("type", typ).Msg("handler panicked")
			ok, err = true, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.registry.Dispatch(typ, payload)
}

func (w *Worker) close() {
	_ = w.poller.Close()
	_ = w.ch.Close()
}
