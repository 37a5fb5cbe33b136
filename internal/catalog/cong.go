package catalog

import (
	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Operation names.
const (
	OpTCPCongestion probe.Operation = "tcp_cong"
	OpTCPCubic      probe.Operation = "tcp_cubic"
)

// Branches of tcp_cong, one per congestion control lifecycle hook.
const (
	CongAssign outcome.Branch = iota
	CongInit
	CongSet
	CongReinit
	CongCleanup
)

// CongestionSet is the tcp_cong branch set.
var CongestionSet = outcome.MustSet(
	outcome.BranchDef{Code: CongAssign, Name: "assign"},
	outcome.BranchDef{Code: CongInit, Name: "init"},
	outcome.BranchDef{Code: CongSet, Name: "set"},
	outcome.BranchDef{Code: CongReinit, Name: "reinit"},
	outcome.BranchDef{Code: CongCleanup, Name: "cleanup"},
)

// congLayout: slots 0-1 hold icsk_ca_ops->name, the rest are tcp_sock
// counters packed two per slot.
var congLayout = kcontext.MustLayout("tcp_cong",
	kcontext.Slot{Field: kcontext.FieldCANameLo, Slot: 0},
	kcontext.Slot{Field: kcontext.FieldCANameHi, Slot: 1},
	kcontext.Slot{Field: kcontext.FieldCwnd, Slot: 2, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSsthresh, Slot: 2, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldPacketsOut, Slot: 3, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSackedOut, Slot: 3, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldLostOut, Slot: 4, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldRetransOut, Slot: 4, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSrtt, Slot: 5, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldRttMin, Slot: 5, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldMSS, Slot: 6, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldCAState, Slot: 6, Shift: 32, Bits: 8},
)

// cubicLayout replaces the algorithm name with the hook's event argument
// and cubic's own cwnd estimate.
var cubicLayout = kcontext.MustLayout("tcp_cubic",
	kcontext.Slot{Field: kcontext.FieldEventArg, Slot: 0, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldTCPCwnd, Slot: 0, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldCwnd, Slot: 2, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSsthresh, Slot: 2, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldPacketsOut, Slot: 3, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSackedOut, Slot: 3, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldLostOut, Slot: 4, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldRetransOut, Slot: 4, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldSrtt, Slot: 5, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldRttMin, Slot: 5, Shift: 32, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldMSS, Slot: 6, Bits: 32},
	kcontext.Slot{Field: kcontext.FieldCAState, Slot: 6, Shift: 32, Bits: 8},
)

func enrichCong(r *kcontext.Reader, _ probe.Role) handler.Enrichment {
	var e handler.Enrichment
	if r.Valid(kcontext.FieldCwnd) || r.Valid(kcontext.FieldCANameLo) {
		e.Cong = r.Cong()
		e.HasCong = true
	}
	e.Missing = r.Missing()
	return e
}

// TCPCongestion follows a socket's congestion control from assignment to
// cleanup. The record is keyed by the socket address, so the exit latency
// is the lifetime of the algorithm on that socket. Sockets assigned before
// the session started still report every lifecycle hook.
func TCPCongestion() *Operation {
	return &Operation{
		Name:       OpTCPCongestion,
		Set:        CongestionSet,
		Layout:     congLayout,
		Key:        KeyObject,
		EmitEntry:  true,
		EmitOnMiss: true,
		Enrich:     enrichCong,
		Points: []PointDef{
			{Name: "assign", Role: probe.RoleEntry, Attach: kprobe("tcp_assign_congestion_control"),
				Branch: CongAssign, Rule: classify.Fixed(CongAssign, outcome.ReasonNone)},
			{Name: "init", Role: probe.RoleObservation, Attach: kprobe("tcp_init_congestion_control"),
				Branch: CongInit, Rule: classify.Fixed(CongInit, outcome.ReasonNone)},
			{Name: "set", Role: probe.RoleObservation, Attach: kprobe("tcp_set_congestion_control"),
				Branch: CongSet, Rule: classify.Fixed(CongSet, outcome.ReasonNone)},
			{Name: "reinit", Role: probe.RoleObservation,
				Attach: probe.Attach{Kind: probe.Kprobe, Symbol: "tcp_reinit_congestion_control", Optional: true},
				Branch: CongReinit, Rule: classify.Fixed(CongReinit, outcome.ReasonNone)},
			{Name: "cleanup", Role: probe.RoleExit, Attach: kprobe("tcp_cleanup_congestion_control"),
				Branch: CongCleanup, Rule: classify.Fixed(CongCleanup, outcome.ReasonNone)},
		},
	}
}

// Branches of tcp_cubic, one per CUBIC callback.
const (
	CubicCongAvoid outcome.Branch = iota
	CubicInit
	CubicRecalcSsthresh
	CubicState
	CubicCwndEvent
	CubicAcked
	CubicHystartUpdate
)

// CubicSet is the tcp_cubic branch set.
var CubicSet = outcome.MustSet(
	outcome.BranchDef{Code: CubicCongAvoid, Name: "cong_avoid"},
	outcome.BranchDef{Code: CubicInit, Name: "init"},
	outcome.BranchDef{Code: CubicRecalcSsthresh, Name: "recalc_ssthresh"},
	outcome.BranchDef{Code: CubicState, Name: "state"},
	outcome.BranchDef{Code: CubicCwndEvent, Name: "cwnd_event"},
	outcome.BranchDef{Code: CubicAcked, Name: "acked"},
	outcome.BranchDef{Code: CubicHystartUpdate, Name: "hystart_update"},
)

// TCPCubic snapshots the CUBIC callbacks. Each callback is independent.
func TCPCubic() *Operation {
	hooks := []struct {
		name   string
		symbol string
		branch outcome.Branch
	}{
		{"cong_avoid", "cubictcp_cong_avoid", CubicCongAvoid},
		{"init", "cubictcp_init", CubicInit},
		{"recalc_ssthresh", "cubictcp_recalc_ssthresh", CubicRecalcSsthresh},
		{"state", "cubictcp_state", CubicState},
		{"cwnd_event", "cubictcp_cwnd_event", CubicCwndEvent},
		{"acked", "cubictcp_acked", CubicAcked},
		// hystart_update is static and often inlined.
		{"hystart_update", "hystart_update", CubicHystartUpdate},
	}

	op := &Operation{
		Name:      OpTCPCubic,
		Set:       CubicSet,
		Layout:    cubicLayout,
		Key:       KeyNone,
		EmitEntry: true,
		Enrich:    enrichCong,
	}
	for _, h := range hooks {
		attach := kprobe(h.symbol)
		attach.Optional = h.branch == CubicHystartUpdate
		op.Points = append(op.Points, PointDef{
			Name:   h.name,
			Role:   probe.RoleObservation,
			Attach: attach,
			Branch: h.branch,
			Rule:   classify.Fixed(h.branch, outcome.ReasonNone),
		})
	}
	return op
}
