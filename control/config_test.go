package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/api"
	"github.com/momentics/hioload-mq/control"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, control.Defaults().Validate())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name = "edge-1"

[log]
level = "debug"
format = "console"

[server]
listen = "127.0.0.1:9100"

[server.recv]
threads = 3
keepalive_interval = "2s"
shard_policy = "type"

[server.work]
threads = 2

[server.queue]
name = "edge"
shards = 6
elem_size = 512

[sender]
peer = "10.1.1.1:9100"
reconnect_interval = "250ms"
`)
	cfg, err := control.LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "edge-1", cfg.Name)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, 3, cfg.Server.Recv.Threads)
	require.Equal(t, 2*time.Second, cfg.Server.Recv.KeepaliveInterval.Duration)
	require.Equal(t, control.ShardByType, cfg.Server.Recv.ShardPolicy)
	require.Equal(t, 6, cfg.Server.Queue.Shards)
	require.Equal(t, 512, cfg.Server.Queue.ElemSize)
	require.Equal(t, 250*time.Millisecond, cfg.Sender.ReconnectInterval.Duration)
	// untouched keys keep their defaults
	require.Equal(t, control.Defaults().Server.Work.BatchSize, cfg.Server.Work.BatchSize)

	info := cfg.ConfInfo()
	require.Equal(t, uint32(9100), info.Port)
	require.Equal(t, uint32(6), info.Shards)
}

func TestLoadConfigRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "bogus = 1\n",
		"bad duration":      "[server.recv]\nkeepalive_interval = \"soon\"\n",
		"bad policy":        "[server.recv]\nshard_policy = \"sticky\"\n",
		"uneven shards":     "[server.queue]\nshards = 5\n",
		"tiny elements":     "[server.queue]\nelem_size = 8\n",
		"small recv buffer": "[sender]\nrecv_buf_size = 4096\n",
		"bad level":         "[log]\nlevel = \"loud\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := control.LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}
	_, err := control.LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	cfg := control.Defaults()
	cfg.Server.Recv.Threads = 0
	require.ErrorIs(t, cfg.Validate(), api.ErrInvalidArgument)
}

func TestStoreReload(t *testing.T) {
	s := control.NewStore(control.Defaults())
	var got []string
	s.OnReload(func(c control.Config) { got = append(got, c.Log.Level) })

	cfg := control.Defaults()
	cfg.Log.Level = "warn"
	require.NoError(t, s.SetSync(cfg))
	require.Equal(t, []string{"warn"}, got)
	require.Equal(t, "warn", s.Get().Log.Level)

	cfg.Log.Level = "nope"
	require.Error(t, s.SetSync(cfg))
	require.Equal(t, "warn", s.Get().Log.Level)
	require.Len(t, got, 1)
}

func TestStoreListenersRunOutsideLock(t *testing.T) {
	s := control.NewStore(control.Defaults())
	var late int
	s.OnReload(func(control.Config) {
		// Registering from a listener must not deadlock on the store.
		s.OnReload(func(control.Config) { late++ })
		_ = s.Get()
	})
	cfg := control.Defaults()
	cfg.Log.Level = "error"
	require.NoError(t, s.SetSync(cfg))
	require.Zero(t, late, "listener added during dispatch runs from the next reload")
	require.NoError(t, s.SetSync(cfg))
	require.Equal(t, 1, late)

	async := make(chan string, 1)
	s2 := control.NewStore(control.Defaults())
	s2.OnReload(func(c control.Config) { async <- c.Log.Level })
	require.NoError(t, s2.Set(cfg))
	select {
	case lvl := <-async:
		require.Equal(t, "error", lvl)
	case <-time.After(2 * time.Second):
		t.Fatal("listener not dispatched")
	}
}
