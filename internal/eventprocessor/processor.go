package eventprocessor

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mrzor/branch-tracer/internal/bpf"
	"github.com/mrzor/branch-tracer/internal/catalog"
	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/correlation"
	"github.com/mrzor/branch-tracer/internal/counters"
	"github.com/mrzor/branch-tracer/internal/emit"
	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// Options sizes the per-operation state.
type Options struct {
	StoreCapacity   int
	StoreShards     int
	Policy          correlation.Policy
	ChannelCapacity int
}

// DefaultOptions returns the sizes used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		StoreCapacity:   10240,
		StoreShards:     1,
		Policy:          correlation.EvictOldest,
		ChannelCapacity: 4096,
	}
}

// operation is the session state of one traced operation.
type operation struct {
	def    *catalog.Operation
	params handler.Params
	store  *correlation.Store[handler.Partial] // nil when uncorrelated
	ch     *emit.Channel[event.Record]
	tables [handler.NumTables]*counters.Table
	set    *counters.Set

	observed atomic.Uint64
	misses   atomic.Uint64
	partial  atomic.Uint64
}

// Processor is the session engine. It turns raw observations into counter
// increments and event records, one operation at a time. Dispatch never
// returns an error: everything that can go wrong degrades to a counter.
type Processor struct {
	logger     *zap.Logger
	registry   *probe.Registry
	classifier *classify.Classifier
	extractor  *kcontext.Extractor

	points  []probe.Point
	byPoint []*operation // index is probe ID - 1
	ops     []*operation
	byName  map[probe.Operation]*operation

	unknown atomic.Uint64
}

// New creates the per-operation state for ops. Every point of ops must be
// registered in reg and covered by classifier.
func New(
	logger *zap.Logger,
	reg *probe.Registry,
	classifier *classify.Classifier,
	extractor *kcontext.Extractor,
	ops []*catalog.Operation,
	opts Options,
) (*Processor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		logger:     logger,
		registry:   reg,
		classifier: classifier,
		extractor:  extractor,
		points:     reg.Points(),
		byName:     make(map[probe.Operation]*operation, len(ops)),
	}
	p.byPoint = make([]*operation, len(p.points))

	for _, def := range ops {
		st, err := newOperation(def, opts)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("operation %s: %w", def.Name, err)
		}
		p.ops = append(p.ops, st)
		p.byName[def.Name] = st
	}

	for _, pt := range p.points {
		st, ok := p.byName[pt.Operation]
		if !ok {
			continue
		}
		if _, ok := classifier.Classify(pt.ID, classify.Ambient{}); !ok {
			p.Close()
			return nil, fmt.Errorf("%w: %s", classify.ErrUnmapped, pt.Name)
		}
		p.byPoint[pt.ID-1] = st
	}
	return p, nil
}

func newOperation(def *catalog.Operation, opts Options) (*operation, error) {
	st := &operation{def: def, params: def.Params(), set: counters.NewSet(string(def.Name))}

	ch, err := emit.New[event.Record](opts.ChannelCapacity)
	if err != nil {
		return nil, err
	}
	st.ch = ch

	if def.Key != catalog.KeyNone {
		st.store, err = correlation.New[handler.Partial](correlation.Options{
			Capacity: opts.StoreCapacity,
			Shards:   opts.StoreShards,
			Policy:   opts.Policy,
		})
		if err != nil {
			return nil, err
		}
	}

	add := func(t handler.Table, tbl *counters.Table, err error) error {
		if err != nil {
			return err
		}
		st.tables[t] = tbl
		return st.set.Add(tbl)
	}
	tables := st.params.Tables
	var errs []error
	if tables.Has(handler.TableBranch) {
		tbl, err := counters.NewTable(handler.TableBranch.String(), def.Set.Names())
		errs = append(errs, add(handler.TableBranch, tbl, err))
	}
	if tables.Has(handler.TableReason) {
		tbl, err := counters.NewTable(handler.TableReason.String(), outcome.ReasonNames())
		errs = append(errs, add(handler.TableReason, tbl, err))
	}
	if tables.Has(handler.TablePath) {
		tbl, err := counters.NewTable(handler.TablePath.String(), outcome.PathNames())
		errs = append(errs, add(handler.TablePath, tbl, err))
	}
	if tables.Has(handler.TableErrorClass) {
		tbl, err := counters.NewTable(handler.TableErrorClass.String(), outcome.ErrorClassNames())
		errs = append(errs, add(handler.TableErrorClass, tbl, err))
	}
	if tables.Has(handler.TableState) {
		tbl, err := counters.NewIndexedTable(handler.TableState.String(), def.StateKeys)
		errs = append(errs, add(handler.TableState, tbl, err))
	}
	if err := errors.Join(errs...); err != nil {
		ch.Close()
		return nil, err
	}
	return st, nil
}

// Dispatch processes one observation.
func (p *Processor) Dispatch(obs *bpf.Observation) {
	id := obs.Probe()
	if id == 0 || int(id) > len(p.byPoint) || p.byPoint[id-1] == nil {
		p.unknown.Add(1)
		return
	}
	st := p.byPoint[id-1]
	pt := p.points[id-1]
	st.observed.Add(1)

	key, ok := st.key(obs)
	if !ok {
		st.misses.Add(1)
		return
	}

	reader := p.extractor.Reader(st.def.Layout, obs.Raw())
	var enrich handler.Enrichment
	if st.def.Enrich != nil {
		enrich = st.def.Enrich(&reader, pt.Role)
	}

	in := handler.Input{
		Params: st.params,
		Point:  pt,
		Obs: handler.Observation{
			Pid:       obs.Pid(),
			Tgid:      obs.Tgid(),
			TsNs:      obs.TsNs,
			Key:       key,
			Result:    obs.Result,
			HasResult: obs.HasResult(),
			Label:     obs.Label(),
		},
		Enrich: enrich,
	}

	var eff handler.Effects
	switch {
	case st.store == nil:
		eff = p.build(st, in, nil)

	case pt.Role == probe.RoleEntry:
		eff = p.build(st, in, nil)
		st.store.Begin(in.Obs.Key, eff.Value, in.Obs.TsNs)

	case pt.Role == probe.RoleObservation:
		found := false
		st.store.Update(in.Obs.Key, func(rec correlation.Record[handler.Partial]) handler.Partial {
			found = true
			eff = p.build(st, in, &rec)
			return eff.Value
		})
		if !found {
			eff = p.build(st, in, nil)
		}

	default:
		if rec, ok := st.store.Resolve(in.Obs.Key); ok {
			eff = p.build(st, in, &rec)
		} else {
			eff = p.build(st, in, nil)
		}
	}

	st.apply(&eff)
}

// build classifies the observation against the correlation snapshot and
// runs the handler.
func (p *Processor) build(st *operation, in handler.Input, prior *correlation.Record[handler.Partial]) handler.Effects {
	var a classify.Ambient
	if prior != nil {
		a = prior.Value.Ambient()
	}
	a.Result = in.Obs.Result
	a.HasResult = in.Obs.HasResult
	if st.def.Selector != nil {
		a.Selector = st.def.Selector(in.Enrich)
	}

	// Coverage was checked in New.
	in.Class, _ = p.classifier.Classify(in.Point.ID, a)
	in.Prior = prior
	return handler.Build(in)
}

// key returns the correlation key of obs. Object-keyed operations have no
// key when the program did not report the object.
func (st *operation) key(obs *bpf.Observation) (uint64, bool) {
	switch st.def.Key {
	case catalog.KeyThread:
		return uint64(obs.Pid()), true
	case catalog.KeyObject:
		return obs.ObjectKey()
	default:
		return 0, true
	}
}

func (st *operation) apply(eff *handler.Effects) {
	if eff.Miss {
		st.misses.Add(1)
	}
	for _, b := range eff.Bumps[:eff.NBumps] {
		if tbl := st.tables[b.Table]; tbl != nil {
			tbl.Inc(b.Key)
		}
	}
	if eff.Record.Missing > 0 {
		st.partial.Add(1)
	}
	if eff.Emit {
		st.ch.Submit(eff.Record)
	}
}

// Channel returns the record stream of op.
func (p *Processor) Channel(op probe.Operation) (<-chan event.Record, bool) {
	st, ok := p.byName[op]
	if !ok {
		return nil, false
	}
	return st.ch.C(), true
}

// Operations returns the enabled operations in catalog order.
func (p *Processor) Operations() []probe.Operation {
	out := make([]probe.Operation, len(p.ops))
	for i, st := range p.ops {
		out[i] = st.def.Name
	}
	return out
}

// Set returns the branch set of op.
func (p *Processor) Set(op probe.Operation) (*outcome.Set, bool) {
	st, ok := p.byName[op]
	if !ok {
		return nil, false
	}
	return st.def.Set, true
}

// Unknown returns how many observations carried an unknown probe id.
func (p *Processor) Unknown() uint64 { return p.unknown.Load() }

// Reap drops correlation records that began before cutoffNs and returns
// how many were dropped.
func (p *Processor) Reap(cutoffNs uint64) int {
	n := 0
	for _, st := range p.ops {
		if st.store != nil {
			n += st.store.Reap(cutoffNs)
		}
	}
	return n
}

// Snapshot returns the counters of every operation.
func (p *Processor) Snapshot() []counters.OperationStats {
	out := make([]counters.OperationStats, 0, len(p.ops))
	for _, st := range p.ops {
		s := counters.OperationStats{
			Operation: string(st.def.Name),
			Tables:    st.set.Snapshot(),
			Pipeline: map[string]uint64{
				"observed":         st.observed.Load(),
				"emitted":          st.ch.Sent(),
				"channel_dropped":  st.ch.Dropped(),
				"correlation_miss": st.misses.Load(),
				"partial_context":  st.partial.Load(),
			},
			Gauges: map[string]float64{
				"channel_utilization": st.ch.Utilization(),
			},
		}
		if st.store != nil {
			cs := st.store.Stats()
			s.Pipeline["store_begin"] = cs.Begins
			s.Pipeline["store_overwrite"] = cs.Overwrites
			s.Pipeline["store_eviction"] = cs.Evictions
			s.Pipeline["store_rejection"] = cs.Rejections
			s.Pipeline["store_reaped"] = cs.Reaped
			s.Gauges["store_live"] = float64(cs.Live)
		}
		out = append(out, s)
	}
	return out
}

// Collector exports Snapshot to Prometheus.
func (p *Processor) Collector() *counters.Collector {
	return counters.NewCollector(p.Snapshot)
}

// Close closes every record channel and releases correlation state. Late
// observations are counted as drops.
func (p *Processor) Close() {
	for _, st := range p.ops {
		st.ch.Close()
		if st.store != nil {
			st.store.Purge()
		}
	}
	p.logger.Debug("processor closed", zap.Uint64("unknown_probe_ids", p.unknown.Load()))
}
