//go:build linux

// control/platform_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific platform gauges.

package control

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// RegisterPlatformGauges adds CPU and scheduler gauges.
func RegisterPlatformGauges(g *Gauges) {
	g.Register("platform.cpus", func() int64 { return int64(runtime.NumCPU()) })
	g.Register("platform.gomaxprocs", func() int64 { return int64(runtime.GOMAXPROCS(0)) })
	g.Register("platform.affinity", func() int64 {
		var set unix.CPUSet
		if err := unix.SchedGetaffinity(0, &set); err != nil {
			return -1
		}
		return int64(set.Count())
	})
}
