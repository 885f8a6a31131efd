package control_test

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-mq/control"
)

func TestCountersConcurrent(t *testing.T) {
	c := control.NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Counter("recv.0.recv").Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(8000), c.Get("recv.0.recv"))
	require.Zero(t, c.Get("missing"))
	require.Equal(t, map[string]uint64{"recv.0.recv": 8000}, c.Snapshot())
	c.Counter("a")
	require.Equal(t, []string{"a", "recv.0.recv"}, c.Names())
}

func TestGauges(t *testing.T) {
	g := control.NewGauges()
	control.RegisterPlatformGauges(g)
	depth := int64(3)
	g.Register("shard.0.len", func() int64 { return depth })

	v, ok := g.Read("shard.0.len")
	require.True(t, ok)
	require.Equal(t, int64(3), v)
	depth = 1
	require.Equal(t, int64(1), g.Snapshot()["shard.0.len"])
	require.Contains(t, g.Snapshot(), "platform.cpus")
	_, ok = g.Read("missing")
	require.False(t, ok)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.Info().Object("gauges", g).Send()
	require.Contains(t, buf.String(), `"shard.0.len":1`)
}
