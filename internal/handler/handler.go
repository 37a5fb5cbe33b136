// Package handler is the single parametrized probe handler. Build is a pure
// function from (point, observation, classification, correlation snapshot)
// to the effects the session engine applies: a correlation mutation, an
// optional event record and counter increments.
package handler

import (
	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/correlation"
	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Table names a counter table kind an operation may carry.
type Table uint8

// Counter tables.
const (
	TableBranch Table = iota
	TableReason
	TablePath
	TableErrorClass
	TableState

	NumTables
)

var tableNames = [NumTables]string{"branch", "reason", "path", "error_class", "state"}

func (t Table) String() string {
	if t < NumTables {
		return tableNames[t]
	}
	return "unknown"
}

// TableMask is a set of tables.
type TableMask uint8

// Has reports whether t is in the mask.
func (m TableMask) Has(t Table) bool { return m&(1<<t) != 0 }

// Tables builds a mask.
func Tables(ts ...Table) TableMask {
	var m TableMask
	for _, t := range ts {
		m |= 1 << t
	}
	return m
}

// Params are the per-operation constants driving Build.
type Params struct {
	Operation probe.Operation
	// Correlated operations keep a record between entry and exit.
	Correlated bool
	// EmitEntry makes entry observations produce an event record.
	EmitEntry bool
	// EmitOnMiss makes observations and exits that find no record still
	// produce one, without latency.
	EmitOnMiss bool
	Tables     TableMask
}

// Enrichment is the context read from one observation. Has* flags tell which
// parts this particular point carries; absent parts are inherited from the
// correlation record.
type Enrichment struct {
	Conn     kcontext.Conn
	HasConn  bool
	Mem      kcontext.Mem
	HasMem   bool
	Cong     kcontext.Cong
	HasCong  bool
	State    uint8
	HasState bool
	Missing  int
}

// Partial is what the correlation store keeps for an in-flight invocation.
type Partial struct {
	Conn     kcontext.Conn
	Mem      kcontext.Mem
	Cong     kcontext.Cong
	State    uint8
	HasState bool
	Path     outcome.Path
	// Failure is the last failing intermediate branch.
	Failure       outcome.Branch
	FailureReason outcome.Reason
	FailureClass  outcome.ErrorClass
	HasFailure    bool
}

// Ambient returns the classifier input derived from the partial.
func (p *Partial) Ambient() classify.Ambient {
	return classify.Ambient{
		Prior:        p.Failure,
		PriorReason:  p.FailureReason,
		PriorFailing: p.HasFailure,
	}
}

// Observation is the decoded part of a raw observation Build needs.
type Observation struct {
	Pid       uint32
	Tgid      uint32
	TsNs      uint64
	Key       uint64
	Result    int64
	HasResult bool
	Label     event.Label
}

// Input is everything Build looks at.
type Input struct {
	Params Params
	Point  probe.Point
	Obs    Observation
	Class  classify.Result
	Enrich Enrichment
	// Prior is the correlation snapshot: the live record for an
	// observation, the resolved one for an exit. Nil when there is none.
	Prior *correlation.Record[Partial]
}

// Mutation is the correlation store operation Build asks for.
type Mutation uint8

// Mutations.
const (
	MutateNone Mutation = iota
	MutateBegin
	MutateUpdate
	MutateResolve
)

// MaxBumps bounds the counter increments of one observation.
const MaxBumps = 4

// Bump is one counter increment.
type Bump struct {
	Table Table
	Key   int
}

// Effects is the outcome of Build.
type Effects struct {
	Mutation Mutation
	Key      uint64
	// Value is stored on Begin and written back on Update.
	Value Partial
	// Miss is set when a correlated observation found no record. Nothing
	// else is produced then unless the operation emits on misses.
	Miss bool
	// Emit tells whether Record is submitted. Counters are bumped either
	// way.
	Emit   bool
	Record event.Record
	Bumps  [MaxBumps]Bump
	NBumps int
}

func (e *Effects) bump(t Table, key int) {
	if e.NBumps < MaxBumps {
		e.Bumps[e.NBumps] = Bump{Table: t, Key: key}
		e.NBumps++
	}
}

// Build computes the effects of one observation.
func Build(in Input) Effects {
	p := in.Params
	var eff Effects
	eff.Key = in.Obs.Key

	if p.Correlated {
		switch in.Point.Role {
		case probe.RoleEntry:
			eff.Mutation = MutateBegin
		case probe.RoleObservation:
			eff.Mutation = MutateUpdate
		case probe.RoleExit:
			eff.Mutation = MutateResolve
		}
		if in.Point.Role != probe.RoleEntry && in.Prior == nil {
			if !p.EmitOnMiss {
				return Effects{Mutation: eff.Mutation, Key: eff.Key, Miss: true}
			}
			eff.Miss = true
		}
	}

	var prior Partial
	if in.Prior != nil {
		prior = in.Prior.Value
	}
	eff.Value = merge(prior, in)

	rec := event.Record{
		Operation:   p.Operation,
		Probe:       in.Point.ID,
		Pid:         in.Obs.Pid,
		Tgid:        in.Obs.Tgid,
		TimestampUS: in.Obs.TsNs / 1000,
		Branch:      in.Class.Branch,
		Reason:      in.Class.Reason,
		Path:        eff.Value.Path,
		Conn:        eff.Value.Conn,
		Mem:         eff.Value.Mem,
		Cong:        eff.Value.Cong,
		Label:       in.Obs.Label,
		Missing:     uint8(min(in.Enrich.Missing, 255)),
	}
	if in.Obs.HasResult {
		rec.Result = in.Obs.Result
	}
	if in.Class.Failing {
		rec.ErrorClass = in.Class.ErrorClass
		if prior.HasFailure && prior.Failure == in.Class.Branch && prior.FailureClass != outcome.ErrorClassNone {
			rec.ErrorClass = prior.FailureClass
		}
	}
	if eff.Value.HasState {
		rec.State.Old = eff.Value.State
		rec.State.New = eff.Value.State
		if in.Enrich.HasState {
			rec.State.New = in.Enrich.State
		}
	}
	if in.Prior != nil && in.Obs.TsNs >= in.Prior.Start {
		rec.LatencyNS = in.Obs.TsNs - in.Prior.Start
		rec.HasLatency = true
	}

	eff.Emit = in.Point.Role != probe.RoleEntry || p.EmitEntry
	eff.Record = rec

	eff.bump(TableBranch, int(rec.Branch))
	if in.Class.Failing && p.Tables.Has(TableReason) {
		eff.bump(TableReason, int(rec.Reason))
	}
	if p.Tables.Has(TablePath) && in.Point.Role == probe.RoleExit {
		eff.bump(TablePath, int(rec.Path))
	}
	if p.Tables.Has(TableErrorClass) && in.Class.Failing {
		eff.bump(TableErrorClass, int(rec.ErrorClass))
	}
	if p.Tables.Has(TableState) && in.Point.Role == probe.RoleEntry && in.Enrich.HasState {
		eff.bump(TableState, int(in.Enrich.State))
	}
	return eff
}

// merge folds this observation into the correlation payload. Context read
// now replaces what the entry saw; the state kept is the one at entry.
func merge(prior Partial, in Input) Partial {
	v := prior
	e := in.Enrich
	if e.HasConn {
		v.Conn = e.Conn
	}
	if e.HasMem {
		v.Mem = e.Mem
	}
	if e.HasCong {
		v.Cong = e.Cong
	}
	if e.HasState && !v.HasState {
		v.State = e.State
		v.HasState = true
	}

	c := in.Class
	switch {
	case c.Failing:
		if c.Path != outcome.PathNone {
			v.Path = c.Path
		}
		if in.Point.Role != probe.RoleExit {
			v.Failure = c.Branch
			v.FailureReason = c.Reason
			v.FailureClass = c.ErrorClass
			v.HasFailure = true
		}
	case v.Path == outcome.PathNone:
		v.Path = c.Path
	}
	return v
}
