// Package catalog declares every traced operation: its branch set, probe
// points, classification rules, argument layout, correlation key and
// counter tables.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mrzor/branch-tracer/internal/classify"
	"github.com/mrzor/branch-tracer/internal/handler"
	"github.com/mrzor/branch-tracer/internal/kcontext"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

// KeySource says how observations of an operation are correlated.
type KeySource uint8

// Key sources.
const (
	// KeyNone operations are not correlated.
	KeyNone KeySource = iota
	// KeyThread correlates on the thread id.
	KeyThread
	// KeyObject correlates on the kernel object address the program
	// reports, such as a struct sock pointer.
	KeyObject
)

func (k KeySource) String() string {
	switch k {
	case KeyNone:
		return "none"
	case KeyThread:
		return "tid"
	case KeyObject:
		return "object"
	default:
		return fmt.Sprintf("key(%d)", uint8(k))
	}
}

// PointDef declares one probe point of an operation.
type PointDef struct {
	// Name is local to the operation; the registered name is
	// "<operation>.<name>".
	Name   string
	Role   probe.Role
	Attach probe.Attach
	Branch outcome.Branch
	Rule   classify.Rule
}

// EnrichFunc reads the context an observation of role carries.
type EnrichFunc func(r *kcontext.Reader, role probe.Role) handler.Enrichment

// SelectorFunc derives the classifier selector from the enrichment.
type SelectorFunc func(e handler.Enrichment) uint64

// Operation is one traced logical operation.
type Operation struct {
	Name      probe.Operation
	Set       *outcome.Set
	Points    []PointDef
	Layout    *kcontext.Layout
	Key       KeySource
	EmitEntry bool
	// EmitOnMiss emits observations and exits of invocations whose entry
	// was never seen.
	EmitOnMiss bool
	Tables     handler.TableMask
	// StateKeys sizes the state table when Tables has it.
	StateKeys int
	Enrich    EnrichFunc
	Selector  SelectorFunc
}

// Params returns the handler parameters of the operation.
func (o *Operation) Params() handler.Params {
	return handler.Params{
		Operation:  o.Name,
		Correlated: o.Key != KeyNone,
		EmitEntry:  o.EmitEntry,
		EmitOnMiss: o.EmitOnMiss,
		Tables:     o.Tables | handler.Tables(handler.TableBranch),
	}
}

// PointName returns the registered name of a point.
func (o *Operation) PointName(local string) string {
	return string(o.Name) + "." + local
}

// All returns fresh definitions of every operation, in a stable order.
func All() []*Operation {
	ops := []*Operation{
		TCPConnect(),
		TCPReceive(),
		TCPState(),
		TCPCongestion(),
		TCPCubic(),
		PageFault(),
		Madvise(),
		Unmap(),
		RSSStat(),
	}
	return append(ops, Zswap()...)
}

// ErrUnknownOperation is returned by Select for names not in the catalog.
var ErrUnknownOperation = errors.New("unknown operation")

// Select returns the operations named, or all of them for an empty list.
func Select(names []string) ([]*Operation, error) {
	all := All()
	if len(names) == 0 {
		return all, nil
	}
	byName := make(map[string]*Operation, len(all))
	for _, op := range all {
		byName[string(op.Name)] = op
	}

	var (
		out  []*Operation
		seen = make(map[string]bool)
	)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		op, ok := byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, n)
		}
		seen[n] = true
		out = append(out, op)
	}
	return out, nil
}

// Names returns the names of every cataloged operation.
func Names() []string {
	var out []string
	for _, op := range All() {
		out = append(out, string(op.Name))
	}
	sort.Strings(out)
	return out
}

// Install registers the points of ops in reg and builds the classifier
// covering them.
func Install(reg *probe.Registry, ops []*Operation) (*classify.Classifier, error) {
	sets := make(map[probe.Operation]*outcome.Set, len(ops))
	rules := make(map[string]classify.Rule)

	for _, op := range ops {
		if _, dup := sets[op.Name]; dup {
			return nil, fmt.Errorf("operation %s installed twice", op.Name)
		}
		sets[op.Name] = op.Set
		for _, pd := range op.Points {
			attach := pd.Attach
			if attach.Program == "" {
				attach.Program = programName(op.Name, pd.Name)
			}
			name := op.PointName(pd.Name)
			if _, err := reg.Register(probe.Spec{
				Name:      name,
				Role:      pd.Role,
				Operation: op.Name,
				Attach:    attach,
				Branch:    pd.Branch,
			}); err != nil {
				return nil, err
			}
			if pd.Rule != nil {
				rules[name] = pd.Rule
			}
		}
	}
	return classify.New(reg, sets, rules)
}

func programName(op probe.Operation, point string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(string(op) + "_" + point)
}

// offset declares an optional branch kprobe inside symbol.
func offset(symbol string, off uint64) probe.Attach {
	return probe.Attach{Kind: probe.Kprobe, Symbol: symbol, Offset: off, Optional: true}
}

func kprobe(symbol string) probe.Attach {
	return probe.Attach{Kind: probe.Kprobe, Symbol: symbol}
}

func kretprobe(symbol string) probe.Attach {
	return probe.Attach{Kind: probe.Kretprobe, Symbol: symbol}
}

// fixed declares an observation point at a branch offset that always
// reports rule's branch.
func fixed(name, symbol string, off uint64, rule classify.FixedRule) PointDef {
	return PointDef{Name: name, Role: probe.RoleObservation, Attach: offset(symbol, off), Branch: rule.Branch, Rule: rule}
}
