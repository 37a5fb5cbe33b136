// Package attributes evaluates expr-lang expressions over emitted records.
//
// Expressions see the record env: op, point, branch, failing, reason, path,
// error_class, result, pid, tgid, comm, latency_ns, has_latency, saddr,
// daddr, sport, dport, plus cmdline, args and env of the process when its
// metadata could be read.
//
//   - Evaluator: custom span attributes, map results expand to dotted keys
//   - Filter: boolean predicate deciding which records reach the sinks
//   - TraceIDEvaluator: groups spans into traces (32 hex chars used as is,
//     anything else hashed with SHA-256)
package attributes
