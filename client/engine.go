//go:build linux

// File: client/engine.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SendEngine drains one shared queue into one peer connection from a
// dedicated OS thread, with non-blocking reconnect and keepalive probing.

package client

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/affinity"
	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/internal/netio"
	"github.com/momentics/hioload-mq/protocol"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/shmq"
)

var errKeepaliveTimeout = errors.New("keepalive unanswered")

// frames decoded per readiness event
const readBudget = 64

// SendEngine owns its queue consumer side, its peer socket and its command
// channel. Everything except Stats runs on the engine goroutine.
type SendEngine struct {
	idx      int
	cpu      control.CPUConfig
	cfg      control.SenderConfig
	conf     api.ConfInfo
	queue    *shmq.Queue
	ch       *command.Channel
	poller   reactor.Poller
	registry *api.Registry
	log      zerolog.Logger

	fd          int
	connecting  bool
	dialStart   time.Time
	lastDial    time.Time
	established bool // connected at least once
	armed       bool
	pending     *queue.Queue // host-order system frames
	out         *protocol.Snapshot
	in          *protocol.Snapshot
	ka          api.KeepaliveState
	kaSent      time.Time
	lastRead    time.Time
	lastWrite   time.Time
	lastHouse   time.Time
	connected   atomic.Bool

	sent       *atomic.Uint64
	keepalives *atomic.Uint64
	reconnects *atomic.Uint64
	handled    *atomic.Uint64
	drop       *atomic.Uint64
	errs       *atomic.Uint64
}

func newSendEngine(s *Sender, idx int) (*SendEngine, error) {
	log := s.log.With().Str("role", "send").Int("tidx", idx).Logger()
	ch, err := command.Listen(command.Path(s.cfg.CmdDir, s.cfg.Name, command.RoleSend, idx), log)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.NewPoller(log)
	if err != nil {
		ch.Close()
		return nil, err
	}
	cfg := s.cfg.Sender
	name := fmt.Sprintf("send.%d.", idx)
	e := &SendEngine{
		idx:        idx,
		cpu:        s.cfg.CPU,
		cfg:        cfg,
		conf:       s.cfg.ConfInfo(),
		queue:      s.queues[idx],
		ch:         ch,
		poller:     poller,
		registry:   s.registry,
		log:        log,
		fd:         -1,
		pending:    queue.New(),
		out:        protocol.NewSnapshot(cfg.SendBufSize),
		in:         protocol.NewSnapshot(cfg.RecvBufSize),
		sent:       s.counters.Counter(name + "sent"),
		keepalives: s.counters.Counter(name + "keepalive"),
		reconnects: s.counters.Counter(name + "reconnect"),
		handled:    s.counters.Counter(name + "handled"),
		drop:       s.counters.Counter(name + "drop"),
		errs:       s.counters.Counter(name + "err"),
	}
	if err := poller.Register(ch.FD(), reactor.EventRead, func(int, reactor.EventType) { e.drainCommands() }); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// Stats snapshots the engine counters.
func (e *SendEngine) Stats() api.SendStats {
	return api.SendStats{
		Connected:  e.connected.Load(),
		SentTotal:  e.sent.Load(),
		Keepalives: e.keepalives.Load(),
		Reconnects: e.reconnects.Load(),
		Handled:    e.handled.Load(),
		DropTotal:  e.drop.Load(),
		ErrTotal:   e.errs.Load(),
	}
}

// Run is the engine loop.
func (e *SendEngine) Run(ctx context.Context) error {
	unlock, err := affinity.LockThread(e.cpu.Enable, e.cpu.Start, e.idx)
	defer unlock()
	if err != nil {
		e.log.Warn().Err(err).Msg("cpu pinning failed")
	}
	defer e.disconnect(api.ErrClosed)

	e.log.Info().Str("peer", e.cfg.Peer).Msg("send engine started")
	for ctx.Err() == nil {
		now := time.Now()
		if e.fd < 0 && now.Sub(e.lastDial) >= e.cfg.ReconnectInterval.Duration {
			e.dial(now)
		}
		if _, err := e.poller.Poll(e.cfg.WaitTimeout.Duration); err != nil {
			e.log.Error().Err(err).Msg("poll failed")
			return err
		}
		if now = time.Now(); now.Sub(e.lastHouse) >= e.cfg.WaitTimeout.Duration {
			e.housekeep(now)
			e.lastHouse = now
		}
	}
	e.log.Info().Msg("send engine stopped")
	return nil
}

func (e *SendEngine) dial(now time.Time) {
	e.lastDial = now
	fd, err := netio.Connect(e.cfg.Peer)
	if err != nil && !errors.Is(err, api.ErrWouldBlock) {
		e.log.Debug().Err(err).Msg("connect failed")
		return
	}
	if err := netio.SetBuffers(fd, e.cfg.SockSndBuf, 0); err != nil {
		e.log.Debug().Err(err).Msg("socket buffer sizing failed")
	}
	e.fd = fd
	e.connecting = err != nil
	e.dialStart = now
	ev := reactor.EventRead
	if e.connecting {
		ev = reactor.EventWrite
	}
	if err := e.poller.Register(fd, ev, e.onEvent); err != nil {
		e.log.Error().Err(err).Msg("register peer socket failed")
		_ = netio.Close(fd)
		e.fd = -1
		return
	}
	e.armed = e.connecting
	if !e.connecting {
		e.onConnected(now)
	}
}

func (e *SendEngine) onConnected(now time.Time) {
	if e.established {
		e.reconnects.Add(1)
	}
	e.established = true
	e.connecting = false
	e.lastRead, e.lastWrite = now, now
	e.ka = api.KeepaliveIdle
	e.connected.Store(true)
	e.log.Info().Str("peer", e.cfg.Peer).Msg("connected")
	e.drain()
}

func (e *SendEngine) onEvent(fd int, ev reactor.EventType) {
	if fd != e.fd {
		return
	}
	if e.connecting {
		if err := netio.ConnectError(fd); err != nil {
			e.log.Debug().Err(err).Msg("connect failed")
			e.disconnect(nil)
			return
		}
		e.onConnected(time.Now())
		return
	}
	if ev&(reactor.EventRead|reactor.EventError) != 0 {
		if err := e.readFrames(); err != nil {
			e.disconnect(err)
			return
		}
	}
	if ev&reactor.EventWrite != 0 && e.fd >= 0 {
		e.drain()
	}
}

func (e *SendEngine) drainCommands() {
	for {
		cmd, ok, err := e.ch.Recv()
		if err != nil {
			e.log.Warn().Err(err).Msg("command recv failed")
		}
		if !ok {
			return
		}
		if err != nil {
			continue
		}
		switch cmd.Type {
		case command.TypeSend, command.TypeSendAll:
			if e.connected.Load() {
				e.drain()
			}
		case command.TypeQueryConfReq:
			if cmd.ReplyPath != "" {
				_ = e.ch.Send(cmd.ReplyPath, command.ConfReply(e.conf))
			}
		default:
			e.log.Debug().Stringer("type", cmd.Type).Msg("ignored command")
		}
	}
}

// housekeep applies connect timeout, queue pickup and the keepalive rule.
func (e *SendEngine) housekeep(now time.Time) {
	if e.fd < 0 {
		return
	}
	if e.connecting {
		if now.Sub(e.dialStart) >= e.cfg.DialTimeout.Duration {
			e.log.Debug().Msg("connect timed out")
			e.disconnect(nil)
		}
		return
	}
	interval := e.cfg.KeepaliveInterval.Duration
	last := e.lastRead
	if e.lastWrite.After(last) {
		last = e.lastWrite
	}
	switch {
	case e.ka == api.KeepaliveAwaiting:
		if now.Sub(e.kaSent) >= interval {
			e.disconnect(errKeepaliveTimeout)
			return
		}
	case now.Sub(last) >= interval:
		e.pending.Add(protocol.KeepaliveFrame(protocol.TypeKeepaliveReq))
		e.ka = api.KeepaliveAwaiting
		e.kaSent = now
		e.keepalives.Add(1)
	}
	e.drain()
}

// drain refills the send snapshot and writes as much as the socket takes.
func (e *SendEngine) drain() {
	e.refill()
	before := e.out.Len()
	err := netio.Flush(e.fd, e.out)
	if e.out.Len() < before {
		e.lastWrite = time.Now()
	}
	if err != nil && !errors.Is(err, api.ErrWouldBlock) {
		e.disconnect(err)
		return
	}
	want := e.out.Len() > 0 || e.pending.Length() > 0 || e.queue.Len() > 0
	if want == e.armed {
		return
	}
	ev := reactor.EventRead
	if want {
		ev |= reactor.EventWrite
	}
	if err := e.poller.Modify(e.fd, ev); err != nil {
		e.disconnect(err)
		return
	}
	e.armed = want
}

// refill takes pending system frames first, then queued frames, while a
// whole element still fits.
func (e *SendEngine) refill() {
	for e.pending.Length() > 0 {
		if !e.out.AppendNative(e.pending.Peek().([]byte)) {
			return
		}
		e.pending.Remove()
	}
	for e.out.Room() >= e.queue.ElemSize() {
		s, block, ok := e.queue.Pop()
		if !ok {
			return
		}
		if h, _, err := protocol.NativeFrame(block); err != nil || !e.out.AppendNative(block[:h.FrameSize()]) {
			e.errs.Add(1)
			e.log.Warn().Err(err).Uint32("slot", uint32(s)).Msg("malformed queued frame")
		} else {
			e.sent.Add(1)
		}
		if err := e.queue.Dealloc(s); err != nil {
			e.errs.Add(1)
		}
	}
}

func (e *SendEngine) readFrames() error {
	for i := 0; i < readBudget; i++ {
		n, err := netio.Read(e.fd, e.in.Free())
		if err != nil {
			if errors.Is(err, api.ErrWouldBlock) {
				return nil
			}
			return err
		}
		e.in.Fill(n)
		e.lastRead = time.Now()
		for {
			h, frame, err := e.in.Next(e.queue.ElemSize())
			if err != nil {
				return err
			}
			if frame == nil {
				break
			}
			e.handle(h, frame[protocol.HeaderSize:])
			if e.fd < 0 {
				return nil
			}
		}
	}
	return nil
}

func (e *SendEngine) handle(h protocol.Header, payload []byte) {
	switch {
	case h.IsKeepaliveRep():
		e.ka = api.KeepaliveConfirmed
	case h.IsKeepaliveReq():
		e.pending.Add(protocol.KeepaliveFrame(protocol.TypeKeepaliveRep))
		e.drain()
	case h.Flag == protocol.FlagApp:
		ok, err := e.registry.Dispatch(h.Type, payload)
		switch {
		case !ok:
			e.drop.Add(1)
		case err != nil:
			e.errs.Add(1)
		default:
			e.handled.Add(1)
		}
	}
}

// disconnect closes the peer socket and drops everything buffered for it.
// A nil cause means a failed connect attempt.
func (e *SendEngine) disconnect(cause error) {
	if e.fd < 0 {
		return
	}
	_ = e.poller.Unregister(e.fd)
	_ = netio.Close(e.fd)
	e.fd = -1
	e.armed = false
	wasConnected := !e.connecting
	e.connecting = false
	for e.pending.Length() > 0 {
		e.pending.Remove()
	}
	e.out.Reset()
	e.in.Reset()
	e.ka = api.KeepaliveIdle
	e.connected.Store(false)
	if !wasConnected {
		return
	}
	ev := e.log.Info()
	if cause != nil && !errors.Is(cause, api.ErrPeerClosed) && !errors.Is(cause, api.ErrClosed) {
		e.errs.Add(1)
		ev = e.log.Warn()
	}
	ev.Err(cause).Str("peer", e.cfg.Peer).Msg("disconnected")
}

func (e *SendEngine) close() {
	_ = e.poller.Close()
	_ = e.ch.Close()
}
