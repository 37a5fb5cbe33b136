// Package output moves emitted records from the per-operation channels to
// sinks.
//
// Drainer runs one goroutine per operation channel. For every record it
// resolves the probe point name and the process metadata, builds the
// attributes env once, applies the optional filter and hands the record to
// each sink:
//
//   - SpanSink: one OpenTelemetry span per record, ending at the record's
//     timestamp and starting latency earlier
//   - LogSink: one structured zap entry per record
//
// Drainer stops when the context ends or every channel has been closed and
// drained, then flushes the sinks.
package output
