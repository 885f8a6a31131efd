//go:build linux

// File: server/recv.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// RecvEngine owns a set of TCP connections on one OS thread, reassembles
// frames straight into shard slots and notifies the workers that own the
// shards.

package server

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mq/affinity"
	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/internal/arena"
	"github.com/momentics/hioload-mq/internal/netio"
	"github.com/momentics/hioload-mq/pool"
	"github.com/momentics/hioload-mq/protocol"
	"github.com/momentics/hioload-mq/reactor"
	"github.com/momentics/hioload-mq/shmq"
)

// frames handled per readiness event before yielding to other connections
const readBudget = 64

type phase uint8

const (
	phaseInit phase = iota
	phaseHeader
	phaseBody
	phasePost
)

// ShardForType maps a frame type to a shard index.
func ShardForType(typ uint16, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte{byte(typ >> 8), byte(typ)})
	return int(h.Sum32() % uint32(shards))
}

type conn struct {
	id        int
	fd        int
	peer      string
	created   time.Time
	lastRead  time.Time
	lastWrite time.Time

	phase  phase
	shard  int
	slot   pool.Slot
	owned  bool // slot is allocated from shard
	inNull bool
	buf    []byte
	null   []byte
	off    int
	hdr    [protocol.HeaderSize]byte
	header protocol.Header

	pending *queue.Queue // host-order reply frames
	out     *protocol.Snapshot
	armed   bool // write interest registered
}

// RecvEngine is one receive thread.
type RecvEngine struct {
	idx       int
	cpu       control.CPUConfig
	cfg       control.RecvConfig
	elemSize  int
	sockRcv   int
	byType    bool
	shards    []*shmq.Queue
	spw       int
	workers   []string
	conf      api.ConfInfo
	ch        *command.Channel
	poller    reactor.Poller
	conns     *arena.Arena[*conn]
	dirty     map[int]struct{} // connections with replies to flush
	touched   []bool           // shards this engine pushed to
	lastSweep time.Time
	log       zerolog.Logger

	accepted *atomic.Uint64
	closed   *atomic.Uint64
	recv     *atomic.Uint64
	drop     *atomic.Uint64
	errs     *atomic.Uint64
}

func newRecvEngine(s *Server, idx int) (*RecvEngine, error) {
	cfg := s.cfg.Server
	log := s.log.With().Str("role", "recv").Int("tidx", idx).Logger()
	ch, err := command.Listen(command.Path(s.cfg.CmdDir, s.cfg.Name, command.RoleRecv, idx), log)
	if err != nil {
		return nil, err
	}
	poller, err := reactor.NewPoller(log)
	if err != nil {
		ch.Close()
		return nil, err
	}
	workers := make([]string, cfg.Work.Threads)
	for i := range workers {
		workers[i] = command.Path(s.cfg.CmdDir, s.cfg.Name, command.RoleWork, i)
	}
	name := fmt.Sprintf("recv.%d.", idx)
	e := &RecvEngine{
		idx:      idx,
		cpu:      s.cfg.CPU,
		cfg:      cfg.Recv,
		elemSize: cfg.Queue.ElemSize,
		sockRcv:  cfg.Recv.SockRcvBuf,
		byType:   cfg.Recv.ShardPolicy == control.ShardByType,
		shards:   s.shards,
		spw:      cfg.Queue.Shards / cfg.Work.Threads,
		workers:  workers,
		conf:     s.cfg.ConfInfo(),
		ch:       ch,
		poller:   poller,
		conns:    arena.New[*conn](64),
		dirty:    make(map[int]struct{}),
		touched:  make([]bool, len(s.shards)),
		log:      log,
		accepted: s.counters.Counter(name + "accepted"),
		closed:   s.counters.Counter(name + "closed"),
		recv:     s.counters.Counter(name + "recv"),
		drop:     s.counters.Counter(name + "drop"),
		errs:     s.counters.Counter(name + "err"),
	}
	if err := poller.Register(ch.FD(), reactor.EventRead, func(int, reactor.EventType) { e.drainCommands() }); err != nil {
		e.close()
		return nil, err
	}
	return e, nil
}

// Stats snapshots the engine counters.
func (e *RecvEngine) Stats() api.RecvStats {
	return api.RecvStats{
		Connections: uint32(e.accepted.Load() - e.closed.Load()),
		RecvTotal:   e.recv.Load(),
		DropTotal:   e.drop.Load(),
		ErrTotal:    e.errs.Load(),
	}
}

// Run is the engine loop. Connections still open when ctx ends are closed.
func (e *RecvEngine) Run(ctx context.Context) error {
	unlock, err := affinity.LockThread(e.cpu.Enable, e.cpu.Start, e.idx)
	defer unlock()
	if err != nil {
		e.log.Warn().Err(err).Msg("cpu pinning failed")
	}
	defer e.closeAll()

	e.log.Info().Msg("receive engine started")
	e.lastSweep = time.Now()
	for ctx.Err() == nil {
		n, err := e.poller.Poll(e.cfg.WaitTimeout.Duration)
		if err != nil {
			e.log.Error().Err(err).Msg("poll failed")
			return err
		}
		now := time.Now()
		if n == 0 {
			e.resendSweep()
		}
		if now.Sub(e.lastSweep) >= e.cfg.WaitTimeout.Duration {
			e.idleSweep(now)
			e.lastSweep = now
		}
		e.flushDirty()
	}
	e.log.Info().Msg("receive engine stopped")
	return nil
}

func (e *RecvEngine) drainCommands() {
	for {
		cmd, ok, err := e.ch.Recv()
		if err != nil {
			e.log.Warn().Err(err).Msg("command recv failed")
		}
		if !ok {
			return
		}
		if err == nil {
			e.handleCommand(cmd)
		}
	}
}

func (e *RecvEngine) handleCommand(cmd command.Command) {
	switch cmd.Type {
	case command.TypeAddConn:
		e.addConn(cmd.FD, cmd.Peer())
	case command.TypeSend, command.TypeSendAll:
		e.conns.Each(func(id int, _ *conn) bool {
			e.dirty[id] = struct{}{}
			return true
		})
	case command.TypeQueryConfReq:
		e.reply(cmd, command.ConfReply(e.conf))
	case command.TypeQueryRecvStatReq:
		e.reply(cmd, command.RecvStatReply(uint32(e.idx), e.Stats()))
	default:
		e.log.Debug().Stringer("type", cmd.Type).Msg("ignored command")
	}
}

func (e *RecvEngine) reply(req, rep command.Command) {
	if req.ReplyPath != "" {
		_ = e.ch.Send(req.ReplyPath, rep)
	}
}

func (e *RecvEngine) addConn(fd int, peer string) {
	if fd < 0 {
		e.errs.Add(1)
		e.log.Warn().Str("peer", peer).Msg("add connection without descriptor")
		return
	}
	if err := netio.Prepare(fd); err != nil {
		e.errs.Add(1)
		_ = netio.Close(fd)
		return
	}
	if err := netio.SetBuffers(fd, 0, e.sockRcv); err != nil {
		e.log.Debug().Err(err).Msg("socket buffer sizing failed")
	}
	now := time.Now()
	c := &conn{
		fd:        fd,
		peer:      peer,
		created:   now,
		lastRead:  now,
		lastWrite: now,
		pending:   queue.New(),
		out:       protocol.NewSnapshot(e.cfg.SendBufSize),
	}
	c.id = e.conns.Add(c)
	id := c.id
	if err := e.poller.Register(fd, reactor.EventRead, func(_ int, ev reactor.EventType) { e.onEvent(id, ev) }); err != nil {
		e.conns.Remove(id)
		_ = netio.Close(fd)
		e.errs.Add(1)
		e.log.Error().Err(err).Str("peer", peer).Msg("register connection failed")
		return
	}
	e.accepted.Add(1)
	e.log.Debug().Str("peer", peer).Int("conn", id).Msg("connection added")
}

func (e *RecvEngine) onEvent(id int, ev reactor.EventType) {
	c, ok := e.conns.Get(id)
	if !ok {
		return
	}
	if ev&reactor.EventWrite != 0 {
		if err := e.flush(c); err != nil {
			e.teardown(c, err)
			return
		}
	}
	if ev&(reactor.EventRead|reactor.EventError) != 0 {
		if err := e.readFrames(c); err != nil {
			e.teardown(c, err)
		}
	}
}

// readFrames advances the read state machine until the socket would block
// or the per-event budget is spent.
func (e *RecvEngine) readFrames(c *conn) error {
	for frames := 0; frames < readBudget; {
		switch c.phase {
		case phaseInit:
			c.off = 0
			if !e.byType {
				e.acquire(c, rand.IntN(len(e.shards)))
			}
			c.phase = phaseHeader

		case phaseHeader:
			n, err := netio.Read(c.fd, c.hdr[c.off:])
			if err != nil {
				return ignoreWouldBlock(err)
			}
			c.lastRead = time.Now()
			c.off += n
			if c.off < protocol.HeaderSize {
				continue
			}
			if err := e.startBody(c); err != nil {
				return err
			}

		case phaseBody:
			end := protocol.HeaderSize + int(c.header.Length)
			n, err := netio.Read(c.fd, c.buf[protocol.HeaderSize+c.off:end])
			if err != nil {
				return ignoreWouldBlock(err)
			}
			c.lastRead = time.Now()
			c.off += n
			if protocol.HeaderSize+c.off == end {
				c.phase = phasePost
			}

		case phasePost:
			e.post(c)
			c.phase = phaseInit
			frames++
		}
	}
	return nil
}

func ignoreWouldBlock(err error) error {
	if errors.Is(err, api.ErrWouldBlock) {
		return nil
	}
	return err
}

// startBody validates the completed header and stages it in the frame buffer.
func (e *RecvEngine) startBody(c *conn) error {
	h := protocol.ParseWire(c.hdr[:])
	if err := h.Validate(e.elemSize); err != nil {
		return err
	}
	c.header = h
	switch {
	case h.Flag == protocol.FlagSystem && !c.owned:
		// System frames never reach a shard.
		c.useNull(e.elemSize)
	case e.byType:
		e.acquire(c, ShardForType(h.Type, len(e.shards)))
	}
	h.PutNative(c.buf)
	c.off = 0
	if h.Length == 0 {
		c.phase = phasePost
	} else {
		c.phase = phaseBody
	}
	return nil
}

// acquire allocates a slot on shard, asking workers to drain between
// attempts, and falls back to the null buffer.
func (e *RecvEngine) acquire(c *conn, shard int) {
	q := e.shards[shard]
	c.shard = shard
	for i := 0; ; i++ {
		if s, buf, ok := q.Alloc(); ok {
			c.slot, c.buf, c.owned, c.inNull = s, buf, true, false
			return
		}
		if i == e.cfg.AllocRetries {
			break
		}
		e.broadcastDrain()
	}
	c.useNull(e.elemSize)
	c.inNull = true
}

func (c *conn) useNull(size int) {
	if c.null == nil {
		c.null = make([]byte, size)
	}
	c.buf = c.null
	c.owned = false
}

func (e *RecvEngine) broadcastDrain() {
	cmd := command.Proc(command.ProcRequest{RecvIdx: uint32(e.idx), Count: command.DrainAll})
	for _, w := range e.workers {
		_ = e.ch.Send(w, cmd)
	}
}

// post dispatches a complete frame held in c.buf.
func (e *RecvEngine) post(c *conn) {
	h := c.header
	owned, inNull := c.owned, c.inNull
	c.owned, c.inNull = false, false

	if h.Flag == protocol.FlagSystem {
		if owned {
			e.release(c.shard, c.slot)
		}
		if h.IsKeepaliveReq() {
			e.enqueue(c, protocol.KeepaliveFrame(protocol.TypeKeepaliveRep))
		}
		return
	}
	if inNull || !owned {
		e.drop.Add(1)
		return
	}
	q := e.shards[c.shard]
	if err := q.PushSlot(c.slot); err != nil {
		e.release(c.shard, c.slot)
		e.drop.Add(1)
		return
	}
	e.recv.Add(1)
	e.touched[c.shard] = true
	e.notify(c.shard, q.Len())
}

func (e *RecvEngine) release(shard int, s pool.Slot) {
	if err := e.shards[shard].Dealloc(s); err != nil {
		e.errs.Add(1)
		e.log.Error().Err(err).Int("shard", shard).Msg("dealloc failed")
	}
}

func (e *RecvEngine) notify(shard, backlog int) {
	cmd := command.Proc(command.ProcRequest{RecvIdx: uint32(e.idx), Shard: uint32(shard), Count: int32(backlog)})
	_ = e.ch.Send(e.workers[shard/e.spw], cmd)
}

// resendSweep re-notifies workers of shards that still hold frames; the
// control plane has no acknowledgements.
func (e *RecvEngine) resendSweep() {
	for i, q := range e.shards {
		if !e.touched[i] {
			continue
		}
		if n := q.Len(); n > 0 {
			e.notify(i, n)
		} else {
			e.touched[i] = false
		}
	}
}

func (e *RecvEngine) idleSweep(now time.Time) {
	limit := 2 * e.cfg.KeepaliveInterval.Duration
	e.conns.Each(func(_ int, c *conn) bool {
		last := c.lastRead
		if c.lastWrite.After(last) {
			last = c.lastWrite
		}
		if now.Sub(last) >= limit {
			e.teardown(c, fmt.Errorf("idle for %s", now.Sub(last).Round(time.Millisecond)))
		}
		return true
	})
}

func (e *RecvEngine) enqueue(c *conn, frame []byte) {
	c.pending.Add(frame)
	e.dirty[c.id] = struct{}{}
}

func (e *RecvEngine) flushDirty() {
	for id := range e.dirty {
		delete(e.dirty, id)
		c, ok := e.conns.Get(id)
		if !ok {
			continue
		}
		if err := e.flush(c); err != nil {
			e.teardown(c, err)
		}
	}
}

// flush moves pending replies into the write snapshot and writes it out,
// arming write interest only while bytes remain.
func (e *RecvEngine) flush(c *conn) error {
	for c.pending.Length() > 0 && c.out.AppendNative(c.pending.Peek().([]byte)) {
		c.pending.Remove()
	}
	err := netio.Flush(c.fd, c.out)
	if err != nil && !errors.Is(err, api.ErrWouldBlock) {
		return err
	}
	c.lastWrite = time.Now()
	want := c.out.Len() > 0 || c.pending.Length() > 0
	if want != c.armed {
		ev := reactor.EventRead
		if want {
			ev |= reactor.EventWrite
		}
		if err := e.poller.Modify(c.fd, ev); err != nil {
			return err
		}
		c.armed = want
	}
	return nil
}

// teardown closes c and releases its in-flight slot and buffers.
func (e *RecvEngine) teardown(c *conn, cause error) {
	if _, ok := e.conns.Remove(c.id); !ok {
		return
	}
	_ = e.poller.Unregister(c.fd)
	_ = netio.Close(c.fd)
	if c.owned {
		e.release(c.shard, c.slot)
		c.owned = false
	}
	c.pending = nil
	c.null = nil
	delete(e.dirty, c.id)
	e.closed.Add(1)

	ev := e.log.Debug()
	if cause != nil && !errors.Is(cause, api.ErrPeerClosed) {
		e.errs.Add(1)
		ev = e.log.Info()
	}
	ev.Err(cause).Str("peer", c.peer).Dur("age", time.Since(c.created)).Msg("connection closed")
}

func (e *RecvEngine) closeAll() {
	e.conns.Each(func(_ int, c *conn) bool {
		e.teardown(c, api.ErrClosed)
		return true
	})
}

func (e *RecvEngine) close() {
	_ = e.poller.Close()
	_ = e.ch.Close()
}
