package classify

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

var (
	// ErrUnmapped is returned when a registered point has no rule, or its
	// operation has no branch set.
	ErrUnmapped = errors.New("unmapped probe point")
	// ErrForeignBranch is returned when a rule can yield a branch outside
	// its operation's set.
	ErrForeignBranch = errors.New("branch not declared by operation")
)

type entry struct {
	rule Rule
	set  *outcome.Set
}

// Classifier holds one rule per registered probe point.
type Classifier struct {
	entries []entry // index is probe ID - 1
}

// New builds a classifier for every point in reg. rules is keyed by point
// name. All problems are reported together.
func New(reg *probe.Registry, sets map[probe.Operation]*outcome.Set, rules map[string]Rule) (*Classifier, error) {
	points := reg.Points()
	c := &Classifier{entries: make([]entry, len(points))}

	var errs []error
	seen := make(map[string]bool, len(points))
	for _, p := range points {
		seen[p.Name] = true
		set, ok := sets[p.Operation]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s: operation %s has no branch set", ErrUnmapped, p.Name, p.Operation))
			continue
		}
		rule, ok := rules[p.Name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnmapped, p.Name))
			continue
		}
		for _, b := range rule.Branches() {
			if !set.Contains(b) {
				errs = append(errs, fmt.Errorf("%w: %s yields %d", ErrForeignBranch, p.Name, b))
			}
		}
		c.entries[p.ID-1] = entry{rule: rule, set: set}
	}

	var stray []string
	for name := range rules {
		if !seen[name] {
			stray = append(stray, name)
		}
	}
	sort.Strings(stray)
	for _, name := range stray {
		errs = append(errs, fmt.Errorf("%w: rule for %s", probe.ErrUnknownProbe, name))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Classify returns the outcome for an observation of point id. The bool is
// false for ids the classifier was not built with.
func (c *Classifier) Classify(id probe.ID, a Ambient) (Result, bool) {
	if id == 0 || int(id) > len(c.entries) {
		return Result{}, false
	}
	e := c.entries[id-1]
	return normalize(e.rule.apply(a, e.set), e.set), true
}

// normalize enforces that a reason is present exactly when the branch is
// failing.
func normalize(r Result, set *outcome.Set) Result {
	r.Failing = set.Failing(r.Branch)
	if !r.Failing {
		r.Reason = outcome.ReasonNone
		r.ErrorClass = outcome.ErrorClassNone
		return r
	}
	if r.Reason == outcome.ReasonNone || !r.Reason.Valid() {
		r.Reason = outcome.ReasonNotSpecified
	}
	return r
}

// Len returns the number of points covered.
func (c *Classifier) Len() int { return len(c.entries) }
