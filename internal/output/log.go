package output

import (
	"context"

	"go.uber.org/zap"

	"github.com/mrzor/branch-tracer/internal/attributes"
)

// LogSink writes one structured entry per record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("record")}
}

// Handle logs the record.
func (l *LogSink) Handle(_ context.Context, s attributes.Subject, _ map[string]any) error {
	rec := s.Record
	fields := []zap.Field{
		zap.String("operation", string(rec.Operation)),
		zap.String("point", s.Point),
		zap.String("branch", s.BranchName()),
		zap.Uint32("pid", rec.Pid),
		zap.Uint32("tgid", rec.Tgid),
		zap.String("comm", rec.Label.String()),
		zap.Uint64("ts_us", rec.TimestampUS),
	}
	if s.Failing() {
		fields = append(fields, zap.Stringer("reason", rec.Reason))
	}
	if latency, ok := rec.Latency(); ok {
		fields = append(fields, zap.Uint64("latency_ns", latency))
	}
	if rec.Conn.Dport != 0 {
		fields = append(fields,
			zap.Stringer("src", rec.Conn.Source()),
			zap.Stringer("dst", rec.Conn.Destination()),
		)
	}
	if rec.Missing > 0 {
		fields = append(fields, zap.Uint8("context_missing", rec.Missing))
	}
	l.logger.Info("Branch", fields...)
	return nil
}

// Flush syncs the logger.
func (l *LogSink) Flush(context.Context) error {
	_ = l.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	return nil
}
