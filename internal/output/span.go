package output

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mrzor/branch-tracer/internal/attributes"
	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/peername"
	"github.com/mrzor/branch-tracer/internal/timesync"
)

// Flusher forces buffered spans out. The SDK tracer provider satisfies it.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

// SpanSink turns records into spans.
type SpanSink struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	clock    *timesync.Converter
	attrs    *attributes.Evaluator
	traceIDs *attributes.TraceIDEvaluator
	peers    *peername.Resolver
	flusher  Flusher
	warn     *rate.Limiter
}

// SpanSinkOptions collects the optional parts of a SpanSink.
type SpanSinkOptions struct {
	Attributes *attributes.Evaluator
	Peers      *peername.Resolver
	Flusher    Flusher
}

// NewSpanSink creates a span sink.
func NewSpanSink(logger *zap.Logger, tracer trace.Tracer, clock *timesync.Converter, traceIDs *attributes.TraceIDEvaluator, opts SpanSinkOptions) *SpanSink {
	return &SpanSink{
		logger:   logger,
		tracer:   tracer,
		clock:    clock,
		attrs:    opts.Attributes,
		traceIDs: traceIDs,
		peers:    opts.Peers,
		flusher:  opts.Flusher,
		warn:     rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Handle emits one span. Spans of a trace hang off a synthetic remote parent
// derived from the trace id so that they group without a real root span.
func (s *SpanSink) Handle(ctx context.Context, subj attributes.Subject, env map[string]any) error {
	rec := subj.Record

	traceID, warnings, err := s.traceIDs.Evaluate(env)
	if err != nil && s.warn.Allow() {
		s.logger.Warn("Trace id expression failed", zap.Error(err))
	}
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     attributes.ParentSpanID(traceID),
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	ctx = trace.ContextWithRemoteSpanContext(ctx, parent)

	end := s.clock.MicrosToWallClock(rec.TimestampUS)
	start := end
	if latency, ok := rec.Latency(); ok {
		//nolint:gosec // latencies are far below 2^63
		start = end.Add(-time.Duration(latency))
	}

	kind := trace.SpanKindInternal
	if rec.Conn.Dport != 0 {
		kind = trace.SpanKindClient
	}
	_, span := s.tracer.Start(ctx, string(rec.Operation),
		trace.WithSpanKind(kind),
		trace.WithTimestamp(start),
	)

	attrs := s.recordAttributes(ctx, subj)
	attrs = append(attrs, warnings...)
	if s.attrs != nil {
		custom, err := s.attrs.Evaluate(env)
		if err != nil && s.warn.Allow() {
			s.logger.Warn("Custom attribute evaluation failed", zap.Error(err))
		}
		attrs = append(attrs, custom...)
	}
	span.SetAttributes(attrs...)

	if subj.Failing() {
		span.SetStatus(codes.Error, rec.Reason.String())
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

func (s *SpanSink) recordAttributes(ctx context.Context, subj attributes.Subject) []attribute.KeyValue {
	rec := subj.Record
	attrs := []attribute.KeyValue{
		attribute.String("branch.operation", string(rec.Operation)),
		attribute.String("branch.point", subj.Point),
		attribute.String("branch.name", subj.BranchName()),
		attribute.Bool("branch.failing", subj.Failing()),
		attribute.Int("process.pid", int(rec.Tgid)),
		attribute.Int("thread.id", int(rec.Pid)),
		attribute.String("process.command", rec.Label.String()),
		attribute.Int64("branch.result", rec.Result),
	}
	if subj.Failing() {
		attrs = append(attrs, attribute.String("branch.reason", rec.Reason.String()))
	}
	if latency, ok := rec.Latency(); ok {
		//nolint:gosec // latencies are far below 2^63
		attrs = append(attrs, attribute.Int64("branch.latency_ns", int64(latency)))
	}
	if rec.Path != 0 {
		attrs = append(attrs, attribute.String("tcp.connect.path", rec.Path.String()))
	}
	if rec.ErrorClass != 0 {
		attrs = append(attrs, attribute.String("tcp.connect.error_class", rec.ErrorClass.String()))
	}
	if rec.Missing > 0 {
		attrs = append(attrs, attribute.Int("branch.context_missing", int(rec.Missing)))
	}
	if subj.Meta != nil && subj.Meta.CmdlineFull != "" {
		attrs = append(attrs, attribute.String("process.command_line", subj.Meta.CmdlineFull))
	}

	attrs = append(attrs, s.connAttributes(ctx, subj)...)
	attrs = append(attrs, congAttributes(rec.Cong)...)
	attrs = append(attrs, memAttributes(rec.Mem)...)
	if rec.State != (event.State{}) {
		attrs = append(attrs,
			attribute.Int("tcp.state.old", int(rec.State.Old)),
			attribute.Int("tcp.state.new", int(rec.State.New)),
		)
	}
	return attrs
}

func (s *SpanSink) connAttributes(ctx context.Context, subj attributes.Subject) []attribute.KeyValue {
	c := subj.Record.Conn
	if c == (kcontext.Conn{}) {
		return nil
	}
	dst, src := c.Destination(), c.Source()
	attrs := []attribute.KeyValue{
		attribute.String("net.peer.ip", dst.Addr().String()),
		attribute.Int("net.peer.port", int(dst.Port())),
		attribute.String("net.host.ip", src.Addr().String()),
		attribute.Int("net.host.port", int(src.Port())),
	}
	if s.peers != nil {
		s.peers.IngestProcess(ctx, subj.Meta)
		if names := s.peers.Lookup(dst.Addr()); len(names) > 0 {
			attrs = append(attrs, attribute.StringSlice("net.peer.names", names))
		}
	}
	return attrs
}

func congAttributes(c kcontext.Cong) []attribute.KeyValue {
	if c == (kcontext.Cong{}) {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.Int64("tcp.cwnd", int64(c.Cwnd)),
		attribute.Int64("tcp.ssthresh", int64(c.Ssthresh)),
		attribute.Int64("tcp.packets_out", int64(c.PacketsOut)),
		attribute.Int64("tcp.retrans_out", int64(c.RetransOut)),
		attribute.Int64("tcp.srtt_us", int64(c.SrttUS)),
		attribute.Bool("tcp.slow_start", c.SlowStart),
		attribute.Bool("tcp.tcp_friendly", c.TCPFriendly),
	}
	if name := event.Label(c.CAName).String(); name != "" {
		attrs = append(attrs, attribute.String("tcp.congestion_control", name))
	}
	if c.CAState != kcontext.CAStateUnknown {
		attrs = append(attrs, attribute.Int("tcp.ca_state", int(c.CAState)))
	}
	return attrs
}

func memAttributes(m kcontext.Mem) []attribute.KeyValue {
	if m == (kcontext.Mem{}) || m == (kcontext.Mem{Member: kcontext.MemberUnknown}) {
		return nil
	}
	attrs := []attribute.KeyValue{
		attribute.String("mm.address", fmt.Sprintf("%#x", m.Address)),
	}
	if m.Length != 0 {
		attrs = append(attrs,
			attribute.String("mm.start", fmt.Sprintf("%#x", m.Start)),
			//nolint:gosec // range lengths fit in int64
			attribute.Int64("mm.length", int64(m.Length)),
			attribute.Int("mm.advice", int(m.Advice)),
		)
	}
	if m.Member != kcontext.MemberUnknown {
		attrs = append(attrs,
			attribute.Int("mm.rss.member", int(m.Member)),
			attribute.Int64("mm.rss.pages", m.Pages),
		)
	}
	if m.Write || m.Exec {
		attrs = append(attrs, attribute.Bool("mm.fault.write", m.Write), attribute.Bool("mm.fault.exec", m.Exec))
	}
	return attrs
}

// Flush forces pending spans to the exporter.
func (s *SpanSink) Flush(ctx context.Context) error {
	if s.flusher == nil {
		return nil
	}
	if err := s.flusher.ForceFlush(ctx); err != nil {
		return fmt.Errorf("failed to flush spans: %w", err)
	}
	return nil
}
