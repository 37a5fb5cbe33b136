package attributes

import (
	"github.com/mrzor/branch-tracer/internal/event"
	"github.com/mrzor/branch-tracer/internal/outcome"
	"github.com/mrzor/branch-tracer/internal/procmeta"
)

// Subject is one record with the context needed to name its codes.
type Subject struct {
	Record *event.Record
	// Set names the branches of the record's operation.
	Set   *outcome.Set
	Point string
	Meta  *procmeta.ProcessMetadata
}

// BranchName returns the branch name, or "" without a set.
func (s Subject) BranchName() string {
	if s.Set == nil || s.Record == nil {
		return ""
	}
	return s.Set.Name(s.Record.Branch)
}

// Failing reports whether the record's branch is a failing one.
func (s Subject) Failing() bool {
	return s.Set != nil && s.Record != nil && s.Set.Failing(s.Record.Branch)
}

// Env builds the expression environment. Every key is present with a typed
// zero value when the record or metadata lacks it, so expressions compiled
// against typeEnv type-check.
func (s Subject) Env() map[string]any {
	r := s.Record
	if r == nil {
		r = &event.Record{}
	}
	env := map[string]any{
		"op":          string(r.Operation),
		"point":       s.Point,
		"branch":      s.BranchName(),
		"failing":     s.Failing(),
		"reason":      r.Reason.String(),
		"path":        r.Path.String(),
		"error_class": r.ErrorClass.String(),
		"result":      int(r.Result),
		"pid":         int(r.Pid),
		"tgid":        int(r.Tgid),
		"comm":        r.Label.String(),
		"latency_ns":  int(r.LatencyNS), //nolint:gosec // latencies are far below 2^63
		"has_latency": r.HasLatency,
		"saddr":       "",
		"daddr":       "",
		"sport":       int(r.Conn.Sport),
		"dport":       int(r.Conn.Dport),
		"cmdline":     "",
		"args":        []string{},
		"env":         map[string]string{},
	}
	if r.Conn.Saddr != ([4]byte{}) || r.Conn.Daddr != ([4]byte{}) {
		env["saddr"] = r.Conn.Source().Addr().String()
		env["daddr"] = r.Conn.Destination().Addr().String()
	}
	if s.Meta != nil {
		env["cmdline"] = s.Meta.CmdlineFull
		if s.Meta.Args != nil {
			env["args"] = s.Meta.Args
		}
		if s.Meta.Environ != nil {
			env["env"] = s.Meta.Environ
		}
	}
	return env
}

// typeEnv is the environment expressions are compiled against.
func typeEnv() map[string]any {
	return Subject{}.Env()
}
