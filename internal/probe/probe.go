package probe

import (
	"fmt"

	"github.com/mrzor/branch-tracer/internal/outcome"
)

// ID is the stable identifier assigned at registration. IDs are dense and
// start at 1; the kernel programs stamp it into every observation.
type ID uint16

// Role is the part a probe point plays in its operation's lifecycle.
type Role uint8

// Probe roles.
const (
	RoleEntry Role = iota + 1
	RoleExit
	RoleObservation
)

func (r Role) String() string {
	switch r {
	case RoleEntry:
		return "entry"
	case RoleExit:
		return "exit"
	case RoleObservation:
		return "observation"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Operation names one traced logical operation, e.g. "tcp_connect".
type Operation string

// AttachKind is how the loader hooks a program into the kernel.
type AttachKind uint8

// Attach kinds.
const (
	Kprobe AttachKind = iota + 1
	Kretprobe
	Tracepoint
	RawTracepoint
)

func (k AttachKind) String() string {
	switch k {
	case Kprobe:
		return "kprobe"
	case Kretprobe:
		return "kretprobe"
	case Tracepoint:
		return "tracepoint"
	case RawTracepoint:
		return "raw_tracepoint"
	default:
		return fmt.Sprintf("attach(%d)", uint8(k))
	}
}

// Attach is the concrete kernel location a point binds to.
type Attach struct {
	Kind AttachKind
	// Symbol is the kernel function, or the tracepoint name.
	Symbol string
	// Group is the tracepoint group, e.g. "kmem".
	Group string
	// Offset is the instruction offset inside Symbol for branch kprobes.
	Offset uint64
	// Program is the BPF program name in the collection.
	Program string
	// Optional points may fail to attach without aborting the session.
	Optional bool
}

// Spec is the registration request for one point.
type Spec struct {
	Name      string
	Role      Role
	Operation Operation
	Attach    Attach
	// Branch is the branch this point reports when it fires. Exit points use
	// it as their success branch.
	Branch outcome.Branch
}

// Point is a registered, immutable probe point.
type Point struct {
	ID        ID
	Name      string
	Role      Role
	Operation Operation
	Attach    Attach
	Branch    outcome.Branch
}

// IsOffset reports whether the point is a kprobe inside a function body.
func (p Point) IsOffset() bool {
	return p.Attach.Kind == Kprobe && p.Attach.Offset != 0
}
