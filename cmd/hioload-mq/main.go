//go:build linux

// File: cmd/hioload-mq/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// hioload-mq runs a receiving node, pushes test traffic through a sender, or
// queries a running node over its command sockets.
//
//	hioload-mq serve [-config file]
//	hioload-mq send  [-config file] [-type 7] [-count 1000] [-size 100]
//	hioload-mq stat  [-config file]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/rs/zerolog"
	"github.com/sugawarayuuta/sonnet"
	_ "go.uber.org/automaxprocs"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/client"
	"github.com/momentics/hioload-mq/command"
	"github.com/momentics/hioload-mq/control"
	"github.com/momentics/hioload-mq/server"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s serve|send|stat [flags]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:])
	case "send":
		err = send(os.Args[2:])
	case "stat":
		err = stat(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "hioload-mq %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func loadConfig(path string) (control.Config, error) {
	if path == "" {
		cfg := control.Defaults()
		return cfg, cfg.Validate()
	}
	return control.LoadConfig(path)
}

// setup parses common flags and builds config, logger and config store.
func setup(name string, args []string, extra func(*flag.FlagSet)) (control.Config, *control.Store, zerolog.Logger, func(), error) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	path := fs.String("config", "", "TOML configuration file")
	level := fs.String("log-level", "", "override log.level")
	if extra != nil {
		extra(fs)
	}
	_ = fs.Parse(args)

	cfg, err := loadConfig(*path)
	if err != nil {
		return cfg, nil, zerolog.Nop(), nil, err
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	log, closer, err := control.NewLogger(cfg.Log)
	if err != nil {
		return cfg, nil, zerolog.Nop(), nil, err
	}
	store := control.NewStore(cfg)
	store.OnReload(func(c control.Config) {
		if err := control.ApplyLevel(c.Log.Level); err != nil {
			log.Warn().Err(err).Msg("log level not applied")
			return
		}
		log.Info().Str("level", c.Log.Level).Msg("configuration reloaded")
	})

	// SIGHUP re-reads the file; only the log level applies to a running node.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if *path == "" {
				continue
			}
			next, err := control.LoadConfig(*path)
			if err == nil {
				err = store.Set(next)
			}
			if err != nil {
				log.Error().Err(err).Msg("reload failed")
			}
		}
	}()
	cleanup := func() {
		signal.Stop(hup)
		_ = closer.Close()
	}
	return cfg, store, log, cleanup, nil
}

func serve(args []string) error {
	cfg, _, log, cleanup, err := setup("serve", args, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	reg := api.NewRegistry()
	frames := control.NewCounters()
	for typ := 0; typ < api.MaxTypes; typ++ {
		name := fmt.Sprintf("type.%d", typ)
		_ = reg.Register(uint16(typ), func(t uint16, payload []byte, _ any) error {
			frames.Counter(name).Add(1)
			log.Trace().Uint16("type", t).Int("len", len(payload)).Msg("frame")
			return nil
		}, nil)
	}

	srv, err := server.New(cfg, server.WithRegistry(reg), server.WithLogger(log))
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go report(ctx, log, srv, frames)
	return srv.Run(ctx)
}

func report(ctx context.Context, log zerolog.Logger, srv *server.Server, frames *control.Counters) {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r, p := srv.Stats().Totals()
			log.Info().
				Uint32("connections", r.Connections).
				Uint64("recv", r.RecvTotal).
				Uint64("recv_drop", r.DropTotal).
				Uint64("proc", p.ProcTotal).
				Uint64("proc_drop", p.DropTotal).
				Uint64("err", r.ErrTotal+p.ErrTotal).
				Interface("types", frames.Snapshot()).
				Object("gauges", srv.Gauges()).
				Msg("stats")
		}
	}
}

func send(args []string) error {
	var typ, count, size int
	cfg, _, log, cleanup, err := setup("send", args, func(fs *flag.FlagSet) {
		fs.IntVar(&typ, "type", 7, "frame type")
		fs.IntVar(&count, "count", 1000, "frames to send")
		fs.IntVar(&size, "size", 100, "payload bytes")
	})
	if err != nil {
		return err
	}
	defer cleanup()

	snd, err := client.NewSender(cfg, client.WithLogger(log))
	if err != nil {
		return err
	}
	defer snd.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- snd.Run(ctx) }()

	c := snd.Client()
	defer c.Close()
	payload := make([]byte, size)
	for i := 0; i < count && ctx.Err() == nil; {
		err := c.Send(uint16(typ), payload)
		switch {
		case err == nil:
			i++
		case errors.Is(err, api.ErrQueueFull):
			time.Sleep(time.Millisecond)
		default:
			stop()
			<-done
			return err
		}
	}
	c.Flush()

	deadline := time.Now().Add(cfg.Sender.DialTimeout.Duration + 10*time.Second)
	for ctx.Err() == nil && time.Now().Before(deadline) && sentTotal(snd) < uint64(count) {
		time.Sleep(10 * time.Millisecond)
	}
	stop()
	if err := <-done; err != nil {
		return err
	}
	out, err := sonnet.Marshal(snd.Stats())
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if n := sentTotal(snd); n < uint64(count) {
		return fmt.Errorf("sent %d of %d frames", n, count)
	}
	return nil
}

func sentTotal(s *client.Sender) uint64 {
	var n uint64
	for _, st := range s.Stats() {
		n += st.SentTotal
	}
	return n
}

type nodeStat struct {
	Conf api.ConfInfo    `json:"conf"`
	Recv []api.RecvStats `json:"recv"`
	Proc []api.ProcStats `json:"proc"`
}

func stat(args []string) error {
	var wait time.Duration
	cfg, _, log, cleanup, err := setup("stat", args, func(fs *flag.FlagSet) {
		fs.DurationVar(&wait, "timeout", time.Second, "reply timeout")
	})
	if err != nil {
		return err
	}
	defer cleanup()

	me, err := command.Listen(command.Path(cfg.CmdDir, cfg.Name, "stat", os.Getpid()), log)
	if err != nil {
		return err
	}
	defer me.Close()

	ask := func(role string, idx int, typ command.Type) error {
		req := command.New(typ)
		req.ReplyPath = me.Path()
		return me.Send(command.Path(cfg.CmdDir, cfg.Name, role, idx), req)
	}
	want := 1 + cfg.Server.Recv.Threads + cfg.Server.Work.Threads
	if err := ask(command.RoleRecv, 0, command.TypeQueryConfReq); err != nil {
		return fmt.Errorf("node %s not reachable: %w", cfg.Name, err)
	}
	for i := 0; i < cfg.Server.Recv.Threads; i++ {
		_ = ask(command.RoleRecv, i, command.TypeQueryRecvStatReq)
	}
	for i := 0; i < cfg.Server.Work.Threads; i++ {
		_ = ask(command.RoleWork, i, command.TypeQueryProcStatReq)
	}

	res := nodeStat{
		Recv: make([]api.RecvStats, cfg.Server.Recv.Threads),
		Proc: make([]api.ProcStats, cfg.Server.Work.Threads),
	}
	deadline := time.Now().Add(wait)
	for got := 0; got < want && time.Now().Before(deadline); {
		rep, ok, err := me.Recv()
		if err != nil {
			return err
		}
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		got++
		switch rep.Type {
		case command.TypeQueryConfRep:
			res.Conf = rep.ConfInfo()
		case command.TypeQueryRecvStatRep:
			if idx, s := rep.RecvStats(); int(idx) < len(res.Recv) {
				res.Recv[idx] = s
			}
		case command.TypeQueryProcStatRep:
			if idx, s := rep.ProcStats(); int(idx) < len(res.Proc) {
				res.Proc[idx] = s
			}
		}
	}
	out, err := sonnet.Marshal(res)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
