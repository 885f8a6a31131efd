// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "github.com/momentics/hioload-mq/api"

// Stats is a point-in-time view of every engine.
type Stats struct {
	Recv []api.RecvStats `json:"recv"`
	Proc []api.ProcStats `json:"proc"`
}

// Totals sums the per-engine figures.
func (s Stats) Totals() (api.RecvStats, api.ProcStats) {
	var r api.RecvStats
	var p api.ProcStats
	for _, x := range s.Recv {
		r.Connections += x.Connections
		r.RecvTotal += x.RecvTotal
		r.DropTotal += x.DropTotal
		r.ErrTotal += x.ErrTotal
	}
	for _, x := range s.Proc {
		p.ProcTotal += x.ProcTotal
		p.DropTotal += x.DropTotal
		p.ErrTotal += x.ErrTotal
	}
	return r, p
}
