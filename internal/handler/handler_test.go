package handler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/correlation"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

var connectParams = Params{
	Operation:  "tcp_connect",
	Correlated: true,
	EmitEntry:  true,
	Tables:     Tables(TableBranch, TableReason, TablePath, TableErrorClass),
}

func point(id probe.ID, role probe.Role) probe.Point {
	return probe.Point{ID: id, Name: "tcp_connect.p", Role: role, Operation: "tcp_connect"}
}

func bumps(e Effects) []Bump {
	return e.Bumps[:e.NBumps]
}

func TestBuild_EntryBegins(t *testing.T) {
	conn := kcontext.Conn{Daddr: [4]byte{10, 0, 0, 1}, Dport: 443}
	eff := Build(Input{
		Params: connectParams,
		Point:  point(1, probe.RoleEntry),
		Obs:    Observation{Pid: 7, Tgid: 7, TsNs: 100_000, Key: 7},
		Class:  classify.Result{Branch: 0},
		Enrich: Enrichment{Conn: conn, HasConn: true},
	})

	assert.Equal(t, MutateBegin, eff.Mutation)
	assert.Equal(t, uint64(7), eff.Key)
	assert.Equal(t, conn, eff.Value.Conn)
	assert.True(t, eff.Emit)
	assert.False(t, eff.Record.HasLatency)
	assert.Equal(t, uint64(100), eff.Record.TimestampUS)
	assert.Equal(t, []Bump{{Table: TableBranch, Key: 0}}, bumps(eff))
}

func TestBuild_EntryWithoutEmission(t *testing.T) {
	p := connectParams
	p.EmitEntry = false
	eff := Build(Input{Params: p, Point: point(1, probe.RoleEntry), Obs: Observation{Key: 1}})
	assert.False(t, eff.Emit)
	assert.Equal(t, MutateBegin, eff.Mutation)
	assert.Len(t, bumps(eff), 1)
}

func TestBuild_ObservationRecordsFailure(t *testing.T) {
	prior := &correlation.Record[Partial]{Key: 7, Start: 100, Value: Partial{Conn: kcontext.Conn{Dport: 80}}}
	eff := Build(Input{
		Params: connectParams,
		Point:  point(2, probe.RoleObservation),
		Obs:    Observation{TsNs: 160, Key: 7},
		Class: classify.Result{
			Branch:     3,
			Reason:     outcome.ReasonNotSpecified,
			Failing:    true,
			Path:       outcome.PathError,
			ErrorClass: outcome.ErrorClassRoute,
		},
		Prior: prior,
	})

	assert.Equal(t, MutateUpdate, eff.Mutation)
	assert.True(t, eff.Value.HasFailure)
	assert.Equal(t, outcome.Branch(3), eff.Value.Failure)
	assert.Equal(t, outcome.ErrorClassRoute, eff.Value.FailureClass)
	assert.Equal(t, outcome.PathError, eff.Value.Path)
	assert.Equal(t, uint16(80), eff.Record.Conn.Dport)

	lat, ok := eff.Record.Latency()
	assert.True(t, ok)
	assert.Equal(t, uint64(60), lat)

	assert.Equal(t, []Bump{
		{Table: TableBranch, Key: 3},
		{Table: TableReason, Key: int(outcome.ReasonNotSpecified)},
		{Table: TableErrorClass, Key: int(outcome.ErrorClassRoute)},
	}, bumps(eff))
}

func TestBuild_ExitKeepsFailureClass(t *testing.T) {
	prior := &correlation.Record[Partial]{Key: 7, Start: 100, Value: Partial{
		Path:          outcome.PathError,
		Failure:       3,
		FailureReason: outcome.ReasonNotSpecified,
		FailureClass:  outcome.ErrorClassRoute,
		HasFailure:    true,
	}}
	eff := Build(Input{
		Params: connectParams,
		Point:  point(3, probe.RoleExit),
		Obs:    Observation{TsNs: 250, Key: 7, Result: outcome.ENETUNREACH, HasResult: true},
		Class: classify.Result{
			Branch:     3,
			Reason:     outcome.ReasonNetUnreachable,
			Failing:    true,
			Path:       outcome.PathError,
			ErrorClass: outcome.ErrorClassOther,
		},
		Prior: prior,
	})

	assert.Equal(t, MutateResolve, eff.Mutation)
	assert.Equal(t, outcome.ErrorClassRoute, eff.Record.ErrorClass)
	assert.Equal(t, int64(outcome.ENETUNREACH), eff.Record.Result)
	assert.Equal(t, uint64(150), eff.Record.LatencyNS)
	assert.Equal(t, []Bump{
		{Table: TableBranch, Key: 3},
		{Table: TableReason, Key: int(outcome.ReasonNetUnreachable)},
		{Table: TablePath, Key: int(outcome.PathError)},
		{Table: TableErrorClass, Key: int(outcome.ErrorClassRoute)},
	}, bumps(eff))
}

func TestBuild_ExitKeepsEarlierPath(t *testing.T) {
	prior := &correlation.Record[Partial]{Start: 10, Value: Partial{Path: outcome.PathSlow}}
	eff := Build(Input{
		Params: connectParams,
		Point:  point(3, probe.RoleExit),
		Obs:    Observation{TsNs: 20, HasResult: true},
		Class:  classify.Result{Branch: 14, Path: outcome.PathFast},
		Prior:  prior,
	})
	assert.Equal(t, outcome.PathSlow, eff.Record.Path)
	assert.Equal(t, outcome.ErrorClassNone, eff.Record.ErrorClass)
}

func TestBuild_Miss(t *testing.T) {
	for _, role := range []probe.Role{probe.RoleObservation, probe.RoleExit} {
		eff := Build(Input{Params: connectParams, Point: point(4, role), Obs: Observation{Key: 9}})
		assert.True(t, eff.Miss, role.String())
		assert.False(t, eff.Emit)
		assert.Zero(t, eff.NBumps)
	}
}

func TestBuild_EmitOnMiss(t *testing.T) {
	p := Params{Operation: "tcp_cong", Correlated: true, EmitEntry: true, EmitOnMiss: true, Tables: Tables(TableBranch)}
	for _, role := range []probe.Role{probe.RoleObservation, probe.RoleExit} {
		eff := Build(Input{
			Params: p,
			Point:  probe.Point{ID: 3, Role: role, Operation: "tcp_cong"},
			Obs:    Observation{Pid: 4, Tgid: 4, TsNs: 9_000, Key: 0xffff8880},
			Class:  classify.Result{Branch: 2},
			Enrich: Enrichment{Cong: kcontext.Cong{Cwnd: 7}, HasCong: true},
		})
		assert.True(t, eff.Miss, role.String())
		assert.True(t, eff.Emit, role.String())
		assert.False(t, eff.Record.HasLatency)
		assert.Equal(t, uint32(7), eff.Record.Cong.Cwnd)
		assert.Equal(t, []Bump{{Table: TableBranch, Key: 2}}, bumps(eff))
	}
}

func TestBuild_NoLatencyWhenClockWentBack(t *testing.T) {
	prior := &correlation.Record[Partial]{Start: 500}
	eff := Build(Input{Params: connectParams, Point: point(3, probe.RoleExit), Obs: Observation{TsNs: 400}, Prior: prior})
	assert.False(t, eff.Record.HasLatency)
}

func TestBuild_Uncorrelated(t *testing.T) {
	p := Params{Operation: "tcp_cubic", Tables: Tables(TableBranch)}
	eff := Build(Input{
		Params: p,
		Point:  probe.Point{ID: 9, Role: probe.RoleObservation, Operation: "tcp_cubic"},
		Obs:    Observation{TsNs: 1000},
		Class:  classify.Result{Branch: 2},
		Enrich: Enrichment{Cong: kcontext.Cong{Cwnd: 10}, HasCong: true},
	})
	assert.Equal(t, MutateNone, eff.Mutation)
	assert.False(t, eff.Miss)
	assert.True(t, eff.Emit)
	assert.Equal(t, uint32(10), eff.Record.Cong.Cwnd)
	assert.False(t, eff.Record.HasLatency)
}

func TestBuild_StateTransitions(t *testing.T) {
	p := Params{Operation: "tcp_state", Correlated: true, EmitEntry: true, Tables: Tables(TableBranch, TableState)}

	entry := Build(Input{
		Params: p,
		Point:  probe.Point{ID: 1, Role: probe.RoleEntry, Operation: "tcp_state"},
		Enrich: Enrichment{State: 3, HasState: true},
	})
	require.True(t, entry.Value.HasState)
	assert.Contains(t, bumps(entry), Bump{Table: TableState, Key: 3})

	obs := Build(Input{
		Params: p,
		Point:  probe.Point{ID: 2, Role: probe.RoleObservation, Operation: "tcp_state"},
		Enrich: Enrichment{State: 1, HasState: true},
		Prior:  &correlation.Record[Partial]{Value: entry.Value},
	})
	assert.Equal(t, uint8(3), obs.Record.State.Old)
	assert.Equal(t, uint8(1), obs.Record.State.New)
	assert.Equal(t, uint8(3), obs.Value.State)
}

func TestTables(t *testing.T) {
	m := Tables(TableBranch, TableState)
	assert.True(t, m.Has(TableBranch))
	assert.True(t, m.Has(TableState))
	assert.False(t, m.Has(TablePath))
	assert.Equal(t, "error_class", TableErrorClass.String())
}
