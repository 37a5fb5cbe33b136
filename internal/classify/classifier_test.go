package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/probe"
)

const (
	brEntry outcome.Branch = iota
	brRoute
	brFastOpen
	brSuccess
	brError
)

var connectSet = outcome.MustSet(
	outcome.BranchDef{Code: brEntry, Name: "entry"},
	outcome.BranchDef{Code: brRoute, Name: "route_error", Failing: true},
	outcome.BranchDef{Code: brFastOpen, Name: "fastopen_defer"},
	outcome.BranchDef{Code: brSuccess, Name: "success"},
	outcome.BranchDef{Code: brError, Name: "error", Failing: true},
)

func newRegistry(t *testing.T, names ...string) *probe.Registry {
	t.Helper()
	reg := probe.NewRegistry()
	for _, n := range names {
		_, err := reg.Register(probe.Spec{
			Name:      n,
			Role:      probe.RoleObservation,
			Operation: "connect",
			Attach:    probe.Attach{Kind: probe.Kprobe, Symbol: "tcp_v4_connect"},
		})
		require.NoError(t, err)
	}
	return reg
}

func newClassifier(t *testing.T) (*Classifier, *probe.Registry) {
	t.Helper()
	reg := newRegistry(t, "connect.entry", "connect.route_error", "connect.fastopen", "connect.exit")
	c, err := New(reg, map[probe.Operation]*outcome.Set{"connect": connectSet}, map[string]Rule{
		"connect.entry":       Fixed(brEntry, outcome.ReasonNone),
		"connect.route_error": Fixed(brRoute, outcome.ReasonNotSpecified).WithResultReason().WithPath(outcome.PathError).WithErrorClass(outcome.ErrorClassRoute),
		"connect.fastopen":    Fixed(brFastOpen, outcome.ReasonNotSpecified).WithPath(outcome.PathFastOpen),
		"connect.exit":        Exit(brSuccess, brError).WithSuccessPath(outcome.PathFast).WithFailurePath(outcome.PathError, outcome.ErrorClassOther),
	})
	require.NoError(t, err)
	return c, reg
}

func classify(t *testing.T, c *Classifier, reg *probe.Registry, name string, a Ambient) Result {
	t.Helper()
	p, ok := reg.ByName(name)
	require.True(t, ok)
	r, ok := c.Classify(p.ID, a)
	require.True(t, ok)
	return r
}

func TestClassify_Fixed(t *testing.T) {
	c, reg := newClassifier(t)

	r := classify(t, c, reg, "connect.entry", Ambient{})
	assert.Equal(t, Result{Branch: brEntry}, r)

	// Non-failing branches never carry a reason even when the rule names one.
	r = classify(t, c, reg, "connect.fastopen", Ambient{})
	assert.Equal(t, Result{Branch: brFastOpen, Path: outcome.PathFastOpen}, r)

	r = classify(t, c, reg, "connect.route_error", Ambient{})
	assert.True(t, r.Failing)
	assert.Equal(t, outcome.ReasonNotSpecified, r.Reason)
	assert.Equal(t, outcome.ErrorClassRoute, r.ErrorClass)

	r = classify(t, c, reg, "connect.route_error", Ambient{Result: outcome.ENETUNREACH, HasResult: true})
	assert.Equal(t, outcome.ReasonNetUnreachable, r.Reason)
}

func TestClassify_Exit(t *testing.T) {
	c, reg := newClassifier(t)

	tests := []struct {
		name string
		in   Ambient
		want Result
	}{
		{
			name: "zero result is success",
			in:   Ambient{Result: 0, HasResult: true},
			want: Result{Branch: brSuccess, Path: outcome.PathFast},
		},
		{
			name: "known errno maps to its reason",
			in:   Ambient{Result: outcome.EADDRNOTAVAIL, HasResult: true},
			want: Result{Branch: brError, Reason: outcome.ReasonAddrNotAvail, Failing: true, Path: outcome.PathError, ErrorClass: outcome.ErrorClassOther},
		},
		{
			name: "unknown errno is not specified",
			in:   Ambient{Result: -1, HasResult: true},
			want: Result{Branch: brError, Reason: outcome.ReasonNotSpecified, Failing: true, Path: outcome.PathError, ErrorClass: outcome.ErrorClassOther},
		},
		{
			name: "prior failing branch is kept",
			in:   Ambient{Result: outcome.ENETUNREACH, HasResult: true, Prior: brRoute, PriorReason: outcome.ReasonNotSpecified, PriorFailing: true},
			want: Result{Branch: brRoute, Reason: outcome.ReasonNetUnreachable, Failing: true, Path: outcome.PathError, ErrorClass: outcome.ErrorClassOther},
		},
		{
			name: "specific prior reason wins",
			in:   Ambient{Result: -1, HasResult: true, Prior: brRoute, PriorReason: outcome.ReasonInvalidArgument, PriorFailing: true},
			want: Result{Branch: brRoute, Reason: outcome.ReasonInvalidArgument, Failing: true, Path: outcome.PathError, ErrorClass: outcome.ErrorClassOther},
		},
		{
			name: "prior failure ignored when exit succeeds",
			in:   Ambient{Result: 0, HasResult: true, Prior: brRoute, PriorReason: outcome.ReasonNotSpecified, PriorFailing: true},
			want: Result{Branch: brSuccess, Path: outcome.PathFast},
		},
		{
			name: "missing result is success",
			in:   Ambient{},
			want: Result{Branch: brSuccess, Path: outcome.PathFast},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(t, c, reg, "connect.exit", tt.in))
		})
	}
}

func TestExitRule_Sticky(t *testing.T) {
	r := Exit(brSuccess, brError).WithSticky()
	got := normalize(r.apply(Ambient{Result: 0, HasResult: true, Prior: brRoute, PriorReason: outcome.ReasonNoSocket, PriorFailing: true}, connectSet), connectSet)
	assert.Equal(t, brRoute, got.Branch)
	assert.Equal(t, outcome.ReasonNoSocket, got.Reason)

	got = normalize(r.apply(Ambient{Result: 0, HasResult: true}, connectSet), connectSet)
	assert.Equal(t, brSuccess, got.Branch)
}

func TestExitRule_FailWhen(t *testing.T) {
	r := Exit(brSuccess, brError).FailWhen(outcome.IsErrorValue)
	got := normalize(r.apply(Ambient{Result: 1, HasResult: true}, connectSet), connectSet)
	assert.Equal(t, brSuccess, got.Branch)

	got = normalize(r.apply(Ambient{Result: outcome.ENOMEM, HasResult: true}, connectSet), connectSet)
	assert.Equal(t, brError, got.Branch)
	assert.Equal(t, outcome.ReasonNoMemory, got.Reason)
}

func TestBitsAndSelect(t *testing.T) {
	bits := Bits(brSuccess,
		BitCase{Mask: 0x873, Branch: brError, Reason: outcome.ReasonFaultError},
		BitCase{Mask: 0x4, Branch: brFastOpen},
	)
	assert.Equal(t, brError, bits.apply(Ambient{Result: 0x2 | 0x4, HasResult: true}, connectSet).Branch)
	assert.Equal(t, brFastOpen, bits.apply(Ambient{Result: 0x4, HasResult: true}, connectSet).Branch)
	assert.Equal(t, brSuccess, bits.apply(Ambient{Result: 0x100, HasResult: true}, connectSet).Branch)
	assert.Equal(t, brSuccess, bits.apply(Ambient{}, connectSet).Branch)
	assert.ElementsMatch(t, []outcome.Branch{brSuccess, brError, brFastOpen}, bits.Branches())

	sel := Select(brError, map[uint64]outcome.Branch{0: brEntry, 1: brSuccess})
	assert.Equal(t, brSuccess, sel.apply(Ambient{Selector: 1}, connectSet).Branch)
	assert.Equal(t, brError, sel.apply(Ambient{Selector: 9}, connectSet).Branch)
}

func TestNew_Unmapped(t *testing.T) {
	reg := newRegistry(t, "connect.entry", "connect.exit")
	_, err := New(reg, map[probe.Operation]*outcome.Set{"connect": connectSet}, map[string]Rule{
		"connect.entry": Fixed(brEntry, outcome.ReasonNone),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnmapped)
	assert.Contains(t, err.Error(), "connect.exit")
}

func TestNew_MissingSet(t *testing.T) {
	reg := newRegistry(t, "connect.entry")
	_, err := New(reg, nil, map[string]Rule{"connect.entry": Fixed(brEntry, outcome.ReasonNone)})
	assert.ErrorIs(t, err, ErrUnmapped)
}

func TestNew_ForeignBranch(t *testing.T) {
	reg := newRegistry(t, "connect.entry")
	_, err := New(reg, map[probe.Operation]*outcome.Set{"connect": connectSet}, map[string]Rule{
		"connect.entry": Fixed(20, outcome.ReasonNone),
	})
	assert.ErrorIs(t, err, ErrForeignBranch)
}

func TestNew_StrayRule(t *testing.T) {
	reg := newRegistry(t, "connect.entry")
	_, err := New(reg, map[probe.Operation]*outcome.Set{"connect": connectSet}, map[string]Rule{
		"connect.entry": Fixed(brEntry, outcome.ReasonNone),
		"connect.ghost": Fixed(brEntry, outcome.ReasonNone),
	})
	assert.ErrorIs(t, err, probe.ErrUnknownProbe)
}

func TestClassify_UnknownID(t *testing.T) {
	c, _ := newClassifier(t)
	_, ok := c.Classify(0, Ambient{})
	assert.False(t, ok)
	_, ok = c.Classify(probe.ID(c.Len()+1), Ambient{})
	assert.False(t, ok)
}
