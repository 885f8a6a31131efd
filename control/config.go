// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Node configuration: TOML schema, defaults and validation.

package control

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/protocol"
)

// Shard selection policies for receive engines.
const (
	// ShardRandom picks a shard when a frame starts.
	ShardRandom = "random"
	// ShardByType picks fnv(type) % shards once the header is known.
	ShardByType = "type"
)

// Duration is a time.Duration that decodes from TOML strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole node configuration.
type Config struct {
	Name   string       `toml:"name"`
	CmdDir string       `toml:"cmd_dir"`
	Log    LogConfig    `toml:"log"`
	CPU    CPUConfig    `toml:"cpu"`
	Server ServerConfig `toml:"server"`
	Sender SenderConfig `toml:"sender"`
}

// LogConfig selects logger level, encoding and destination.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or console
	File   string `toml:"file"`   // empty means stderr
}

// CPUConfig controls engine thread pinning.
type CPUConfig struct {
	Enable bool `toml:"enable"`
	Start  int  `toml:"start"`
}

// QueueConfig sizes a group of shared queues.
type QueueConfig struct {
	// Name makes queues shared mappings named <name>-<idx>. Empty keeps them
	// in process.
	Name     string `toml:"name"`
	Shards   int    `toml:"shards"`
	Capacity int    `toml:"capacity"`
	ElemSize int    `toml:"elem_size"`
}

// RecvConfig tunes receive engines.
type RecvConfig struct {
	Threads           int      `toml:"threads"`
	KeepaliveInterval Duration `toml:"keepalive_interval"`
	WaitTimeout       Duration `toml:"wait_timeout"`
	AllocRetries      int      `toml:"alloc_retries"`
	ShardPolicy       string   `toml:"shard_policy"`
	SendBufSize       int      `toml:"send_buf_size"`
	SockRcvBuf        int      `toml:"sock_rcvbuf"`
}

// WorkConfig tunes workers.
type WorkConfig struct {
	Threads     int      `toml:"threads"`
	BatchSize   int      `toml:"batch_size"`
	WaitTimeout Duration `toml:"wait_timeout"`
}

// ServerConfig is the receiving side.
type ServerConfig struct {
	Listen string      `toml:"listen"`
	Recv   RecvConfig  `toml:"recv"`
	Work   WorkConfig  `toml:"work"`
	Queue  QueueConfig `toml:"queue"`
}

// SenderConfig is the sending side. Queue.Shards is ignored; each send
// engine owns one queue.
type SenderConfig struct {
	Threads           int         `toml:"threads"`
	Peer              string      `toml:"peer"`
	KeepaliveInterval Duration    `toml:"keepalive_interval"`
	WaitTimeout       Duration    `toml:"wait_timeout"`
	ReconnectInterval Duration    `toml:"reconnect_interval"`
	DialTimeout       Duration    `toml:"dial_timeout"`
	SendBufSize       int         `toml:"send_buf_size"`
	RecvBufSize       int         `toml:"recv_buf_size"`
	SockSndBuf        int         `toml:"sock_sndbuf"`
	NotifyEvery       int         `toml:"notify_every"`
	Queue             QueueConfig `toml:"queue"`
}

// Defaults returns a configuration that runs on one host out of the box.
func Defaults() Config {
	return Config{
		Name:   "hioload-mq",
		CmdDir: filepath.Join(os.TempDir(), "hioload-mq"),
		Log:    LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Listen: ":7400",
			Recv: RecvConfig{
				Threads:           2,
				KeepaliveInterval: Duration{10 * time.Second},
				WaitTimeout:       Duration{100 * time.Millisecond},
				AllocRetries:      3,
				ShardPolicy:       ShardRandom,
				SendBufSize:       64 << 10,
			},
			Work: WorkConfig{
				Threads:     2,
				BatchSize:   1024,
				WaitTimeout: Duration{100 * time.Millisecond},
			},
			Queue: QueueConfig{Shards: 4, Capacity: 4096, ElemSize: 4096},
		},
		Sender: SenderConfig{
			Threads:           1,
			Peer:              "127.0.0.1:7400",
			KeepaliveInterval: Duration{5 * time.Second},
			WaitTimeout:       Duration{100 * time.Millisecond},
			ReconnectInterval: Duration{time.Second},
			DialTimeout:       Duration{3 * time.Second},
			SendBufSize:       64 << 10,
			RecvBufSize:       64 << 10,
			NotifyEvery:       32,
			Queue:             QueueConfig{Capacity: 4096, ElemSize: 4096},
		},
	}
}

// LoadConfig reads a TOML file over Defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %q: %w", path, undecoded[0].String(), api.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), api.ErrInvalidArgument)
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, invalid("name is empty"))
	}
	if c.CmdDir == "" {
		errs = append(errs, invalid("cmd_dir is empty"))
	}
	if c.CPU.Start < 0 {
		errs = append(errs, invalid("cpu.start %d", c.CPU.Start))
	}
	errs = append(errs, c.Log.Validate(), c.Server.Validate(), c.Sender.Validate())
	return errors.Join(errs...)
}

// Validate checks level and format.
func (l LogConfig) Validate() error {
	if _, err := parseLevel(l.Level); err != nil {
		return invalid("log.level %q", l.Level)
	}
	if l.Format != "json" && l.Format != "console" {
		return invalid("log.format %q", l.Format)
	}
	return nil
}

func (q QueueConfig) validate(section string) error {
	if q.Capacity <= 0 {
		return invalid("%s.capacity %d", section, q.Capacity)
	}
	if q.ElemSize <= protocol.HeaderSize {
		return invalid("%s.elem_size %d must exceed frame header", section, q.ElemSize)
	}
	return nil
}

// Validate checks the receiving side.
func (s ServerConfig) Validate() error {
	if _, err := ListenPort(s.Listen); err != nil {
		return invalid("server.listen %q", s.Listen)
	}
	if s.Recv.Threads <= 0 || s.Work.Threads <= 0 {
		return invalid("server threads recv=%d work=%d", s.Recv.Threads, s.Work.Threads)
	}
	if err := s.Queue.validate("server.queue"); err != nil {
		return err
	}
	if s.Queue.Shards < s.Work.Threads || s.Queue.Shards%s.Work.Threads != 0 {
		return invalid("server.queue.shards %d must be a multiple of work threads %d", s.Queue.Shards, s.Work.Threads)
	}
	if s.Recv.ShardPolicy != ShardRandom && s.Recv.ShardPolicy != ShardByType {
		return invalid("server.recv.shard_policy %q", s.Recv.ShardPolicy)
	}
	if s.Recv.AllocRetries < 0 {
		return invalid("server.recv.alloc_retries %d", s.Recv.AllocRetries)
	}
	if s.Recv.KeepaliveInterval.Duration <= 0 || s.Recv.WaitTimeout.Duration <= 0 || s.Work.WaitTimeout.Duration <= 0 {
		return invalid("server timeouts must be positive")
	}
	if s.Recv.SendBufSize < protocol.HeaderSize {
		return invalid("server.recv.send_buf_size %d", s.Recv.SendBufSize)
	}
	if s.Work.BatchSize <= 0 {
		return invalid("server.work.batch_size %d", s.Work.BatchSize)
	}
	return nil
}

// Validate checks the sending side.
func (s SenderConfig) Validate() error {
	if s.Threads <= 0 {
		return invalid("sender.threads %d", s.Threads)
	}
	if _, _, err := net.SplitHostPort(s.Peer); err != nil {
		return invalid("sender.peer %q", s.Peer)
	}
	if err := s.Queue.validate("sender.queue"); err != nil {
		return err
	}
	if s.KeepaliveInterval.Duration <= 0 || s.WaitTimeout.Duration <= 0 ||
		s.ReconnectInterval.Duration <= 0 || s.DialTimeout.Duration <= 0 {
		return invalid("sender timeouts must be positive")
	}
	if s.SendBufSize < s.Queue.ElemSize {
		return invalid("sender.send_buf_size %d below elem_size %d", s.SendBufSize, s.Queue.ElemSize)
	}
	// A partial frame must fit behind a consumed prefix when compacting.
	if s.RecvBufSize < 2*s.Queue.ElemSize {
		return invalid("sender.recv_buf_size %d below twice elem_size %d", s.RecvBufSize, s.Queue.ElemSize)
	}
	if s.NotifyEvery <= 0 {
		return invalid("sender.notify_every %d", s.NotifyEvery)
	}
	return nil
}

// ListenPort extracts the numeric port of a listen address.
func ListenPort(addr string) (uint32, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint32(p), nil
}

// ConfInfo summarises the server side for QUERY_CONF replies.
func (c Config) ConfInfo() api.ConfInfo {
	port, _ := ListenPort(c.Server.Listen)
	return api.ConfInfo{
		Name:        c.Name,
		Port:        port,
		RecvThreads: uint32(c.Server.Recv.Threads),
		WorkThreads: uint32(c.Server.Work.Threads),
		Shards:      uint32(c.Server.Queue.Shards),
		QueueCap:    uint32(c.Server.Queue.Capacity),
		QueueSize:   uint32(c.Server.Queue.ElemSize),
	}
}
