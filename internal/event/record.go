// Package event defines the record emitted for every classified observation.
package event

import (
	"bytes"

	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Label is a fixed-length, NUL padded context name such as a task comm or a
// congestion control algorithm name.
type Label [16]byte

func (l Label) String() string {
	if i := bytes.IndexByte(l[:], 0); i >= 0 {
		return string(l[:i])
	}
	return string(l[:])
}

// State is a TCP state machine step observed inside tcp_rcv_state_process.
type State struct {
	Old uint8
	New uint8
}

// Record is one emitted observation. It is a plain value: once submitted it
// is never modified.
type Record struct {
	Operation   probe.Operation
	Probe       probe.ID
	Pid         uint32
	Tgid        uint32
	TimestampUS uint64
	Branch      outcome.Branch
	Reason      outcome.Reason
	Path        outcome.Path
	ErrorClass  outcome.ErrorClass
	// Result is the traced function's return value on exit observations.
	Result int64
	// LatencyNS is set only when HasLatency is true.
	LatencyNS  uint64
	HasLatency bool
	Conn       kcontext.Conn
	Mem        kcontext.Mem
	Cong       kcontext.Cong
	State      State
	Label      Label
	// Missing counts enrichment fields that fell back to sentinels.
	Missing uint8
}

// Latency returns the latency and whether one was measured.
func (r *Record) Latency() (uint64, bool) {
	return r.LatencyNS, r.HasLatency
}
