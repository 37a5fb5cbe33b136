// Package probe is the registry of instrumented kernel locations.
//
// Each probe point has a stable name ("operation.point"), a role in its
// operation's lifecycle and the attach location the loader binds it to:
//
//	entry        begins a correlation record (function entry, raw tracepoint)
//	observation  fires mid-flight (offset kprobe on a branch, standalone hook)
//	exit         terminates the operation (kretprobe, closing tracepoint)
//
// The registry is declarative. It is consulted by the classifier, the event
// processor and the loader; it never attaches anything itself.
package probe
