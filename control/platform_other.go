//go:build !linux

// control/platform_other.go
// Author: momentics <momentics@gmail.com>

package control

import "runtime"

// RegisterPlatformGauges adds the CPU count.
func RegisterPlatformGauges(g *Gauges) {
	g.Register("platform.cpus", func() int64 { return int64(runtime.NumCPU()) })
}
