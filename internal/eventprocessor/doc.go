// Package eventprocessor is the session engine between the ring buffer and
// the record consumers.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│      Ring buffer observations           │
//	└─────────────────┬───────────────────────┘
//	                  │ probe id
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   Processor.Dispatch                    │
//	│   - probe registry lookup               │
//	│   - context extraction (kcontext)       │
//	│   - correlation begin/update/resolve    │
//	│   - classify + handler.Build            │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ counters.Table  ── atomic increments, exported by Collector
//	          │
//	          └──→ emit.Channel    ── one lossy channel per operation,
//	                                  drained by output.Drain
//
// Nothing on this path returns an error to the caller: unknown probe ids,
// correlation misses, partial context and full channels are all counted
// and visible through Snapshot.
package eventprocessor
