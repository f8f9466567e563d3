// Package stats declares the narrow, external-collaborator contracts for
// BDN performance reporting and metrics shipping (SPEC_FULL.md supplemented
// feature 4 and section 6's StatsSink), grounded on
// bdn_performance_rpc_request.py's periodic report and on the teacher's
// own metrics.Enabled/go-metrics registry split between "the core computes
// a value" and "something external ships it somewhere" — neither RPC
// transport nor a metrics backend is implemented here, per spec.md
// section 1's scope (SDN registration, stats shipping, and RPC endpoints
// are out of scope; only their contracts are carried).
package stats

import "time"

// Report is the periodic performance snapshot a gateway sends to its relay,
// grounded on bdn_performance_rpc_request.py's reported fields.
type Report struct {
	NewBlocksReceivedFromBlockchainNode int
	NewBlocksReceivedFromBDN            int
	NewTxReceivedFromBlockchainNode     int
	NewTxReceivedFromBDN                int
	Uptime                              time.Duration
}

// PerformanceReporter is called by the node loop on a timer; no concrete
// implementation ships an RPC transport, matching spec.md's out-of-scope
// "RPC endpoints" Non-goal.
type PerformanceReporter interface {
	ReportPerformance(Report) error
}

// Sink receives named numeric samples for external metrics shipping
// (e.g. github.com/rcrowley/go-metrics, as the teacher wires), grounded on
// the same out-of-scope boundary: the core only ever calls this interface.
type Sink interface {
	Count(name string, delta int64)
	Gauge(name string, value float64)
}
