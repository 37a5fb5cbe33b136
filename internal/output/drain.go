package output

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mrzor/branch-tracer/internal/attributes"
	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
	"github.com/mrzor/branch-tracer/internal/procmeta"
)

// Source provides the channels to drain.
type Source interface {
	Operations() []probe.Operation
	Channel(op probe.Operation) (<-chan event.Record, bool)
	Set(op probe.Operation) (*outcome.Set, bool)
}

// Points names probe ids.
type Points interface {
	Lookup(id probe.ID) (probe.Point, bool)
}

// Metadata supplies process metadata by thread group.
type Metadata interface {
	Get(tgid uint32) (*procmeta.ProcessMetadata, error)
}

// Sink consumes records. Handle is called concurrently from one goroutine
// per operation.
type Sink interface {
	Handle(ctx context.Context, s attributes.Subject, env map[string]any) error
	Flush(ctx context.Context) error
}

// DrainStats counts what the drainer did.
type DrainStats struct {
	Handled    uint64
	Filtered   uint64
	SinkErrors uint64
}

// Drainer fans records out to sinks.
type Drainer struct {
	logger *zap.Logger
	src    Source
	points Points
	meta   Metadata
	filter *attributes.Filter
	sinks  []Sink
	warn   *rate.Limiter

	handled    atomic.Uint64
	filtered   atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewDrainer creates a drainer. meta and filter may be nil.
func NewDrainer(logger *zap.Logger, src Source, points Points, meta Metadata, filter *attributes.Filter, sinks ...Sink) *Drainer {
	return &Drainer{
		logger: logger,
		src:    src,
		points: points,
		meta:   meta,
		filter: filter,
		sinks:  sinks,
		warn:   rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Run drains until ctx ends or every channel is closed and empty, then
// flushes the sinks with flushCtx.
func (d *Drainer) Run(ctx, flushCtx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, op := range d.src.Operations() {
		ch, ok := d.src.Channel(op)
		if !ok {
			continue
		}
		set, _ := d.src.Set(op)
		g.Go(func() error {
			d.drain(gctx, ch, set)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // drain goroutines never fail

	var errs []error
	for _, s := range d.sinks {
		if err := s.Flush(flushCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Drainer) drain(ctx context.Context, ch <-chan event.Record, set *outcome.Set) {
	for {
		select {
		case rec, ok := <-ch:
			if !ok {
				return
			}
			d.handle(ctx, &rec, set)
		case <-ctx.Done():
			return
		}
	}
}

func (d *Drainer) handle(ctx context.Context, rec *event.Record, set *outcome.Set) {
	s := attributes.Subject{Record: rec, Set: set}
	if p, ok := d.points.Lookup(rec.Probe); ok {
		s.Point = p.Name
	}
	if d.meta != nil {
		if md, err := d.meta.Get(rec.Tgid); err == nil {
			s.Meta = md
		}
	}

	env := s.Env()
	match, err := d.filter.Match(env)
	if err != nil && d.warn.Allow() {
		d.logger.Warn("Filter evaluation failed", zap.Error(err))
	}
	if !match {
		d.filtered.Add(1)
		return
	}

	d.handled.Add(1)
	for _, sink := range d.sinks {
		if err := sink.Handle(ctx, s, env); err != nil {
			d.sinkErrors.Add(1)
			if d.warn.Allow() {
				d.logger.Warn("Sink failed", zap.String("operation", string(rec.Operation)), zap.Error(err))
			}
		}
	}
}

// Stats returns the drain counters.
func (d *Drainer) Stats() DrainStats {
	return DrainStats{
		Handled:    d.handled.Load(),
		Filtered:   d.filtered.Load(),
		SinkErrors: d.sinkErrors.Load(),
	}
}
