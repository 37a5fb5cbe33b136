package classify

import (
	"github.com/mrzor/branch-tracer/internal/outcome"
)

// Ambient is what is known about an observation besides which point fired.
type Ambient struct {
	// Result is the traced function's return value, valid when HasResult.
	Result    int64
	HasResult bool
	// Prior is the last failing branch recorded for this invocation, valid
	// when PriorFailing.
	Prior        outcome.Branch
	PriorReason  outcome.Reason
	PriorFailing bool
	// Selector is an operation-defined field used by Select rules.
	Selector uint64
}

// Result is one classification.
type Result struct {
	Branch     outcome.Branch
	Reason     outcome.Reason
	Failing    bool
	Path       outcome.Path
	ErrorClass outcome.ErrorClass
}

// Rule classifies observations of one probe point.
type Rule interface {
	// Branches lists every branch the rule can produce on its own.
	Branches() []outcome.Branch
	apply(a Ambient, set *outcome.Set) Result
}

// FixedRule always yields the same branch. Intermediate branch kprobes use
// it.
type FixedRule struct {
	Branch     outcome.Branch
	Reason     outcome.Reason
	Path       outcome.Path
	ErrorClass outcome.ErrorClass
	// ResultReason derives the reason from the observed result when one was
	// captured and maps to a specific errno.
	ResultReason bool
}

// Fixed returns a rule yielding branch with reason.
func Fixed(branch outcome.Branch, reason outcome.Reason) FixedRule {
	return FixedRule{Branch: branch, Reason: reason}
}

// WithPath sets the connect path the branch implies.
func (r FixedRule) WithPath(p outcome.Path) FixedRule {
	r.Path = p
	return r
}

// WithErrorClass sets the connect error class the branch implies.
func (r FixedRule) WithErrorClass(c outcome.ErrorClass) FixedRule {
	r.ErrorClass = c
	return r
}

// WithResultReason makes the rule prefer a reason derived from the result.
func (r FixedRule) WithResultReason() FixedRule {
	r.ResultReason = true
	return r
}

// Branches implements Rule.
func (r FixedRule) Branches() []outcome.Branch { return []outcome.Branch{r.Branch} }

func (r FixedRule) apply(a Ambient, _ *outcome.Set) Result {
	res := Result{Branch: r.Branch, Reason: r.Reason, Path: r.Path, ErrorClass: r.ErrorClass}
	if r.ResultReason && a.HasResult {
		if rr := outcome.FromResult(a.Result); rr != outcome.ReasonNone && rr != outcome.ReasonNotSpecified {
			res.Reason = rr
		}
	}
	return res
}

// ExitRule classifies a function exit by its return value.
type ExitRule struct {
	Success outcome.Branch
	Failure outcome.Branch
	// SuccessPath is reported for successful exits; a path recorded earlier
	// in the invocation takes precedence.
	SuccessPath outcome.Path
	// FailurePath and FailureClass apply when the exit fails.
	FailurePath  outcome.Path
	FailureClass outcome.ErrorClass
	// Sticky makes a recorded failing branch the outcome even when the
	// function returned success, for functions that report drops by
	// returning 0.
	Sticky bool
	// Failed decides whether a result is a failure. Nil means non-zero.
	Failed func(rc int64) bool
}

// Exit returns a rule mapping a zero result to success and anything else to
// failure, keeping a previously recorded failing branch.
func Exit(success, failure outcome.Branch) ExitRule {
	return ExitRule{Success: success, Failure: failure}
}

// WithSuccessPath sets SuccessPath.
func (r ExitRule) WithSuccessPath(p outcome.Path) ExitRule {
	r.SuccessPath = p
	return r
}

// WithFailurePath sets path and class reported for failed exits.
func (r ExitRule) WithFailurePath(p outcome.Path, c outcome.ErrorClass) ExitRule {
	r.FailurePath = p
	r.FailureClass = c
	return r
}

// WithSticky sets Sticky.
func (r ExitRule) WithSticky() ExitRule {
	r.Sticky = true
	return r
}

// FailWhen replaces the failure predicate.
func (r ExitRule) FailWhen(fn func(rc int64) bool) ExitRule {
	r.Failed = fn
	return r
}

// Branches implements Rule.
func (r ExitRule) Branches() []outcome.Branch {
	return []outcome.Branch{r.Success, r.Failure}
}

func (r ExitRule) failed(a Ambient) bool {
	if !a.HasResult {
		return false
	}
	if r.Failed != nil {
		return r.Failed(a.Result)
	}
	return a.Result != 0
}

func (r ExitRule) apply(a Ambient, set *outcome.Set) Result {
	failed := r.failed(a)
	prior := a.PriorFailing && set.Failing(a.Prior)
	if !failed && !(r.Sticky && prior) {
		return Result{Branch: r.Success, Path: r.SuccessPath}
	}

	res := Result{Branch: r.Failure, Path: r.FailurePath, ErrorClass: r.FailureClass}
	if failed {
		res.Reason = outcome.FromResult(a.Result)
	}
	if prior {
		res.Branch = a.Prior
		// A point that could not see the errno recorded not_specified; the
		// exit knows better.
		if a.PriorReason != outcome.ReasonNone &&
			(a.PriorReason != outcome.ReasonNotSpecified || res.Reason == outcome.ReasonNone) {
			res.Reason = a.PriorReason
		}
	}
	return res
}

// BitCase is one arm of a Bits rule.
type BitCase struct {
	Mask   uint64
	Branch outcome.Branch
	Reason outcome.Reason
}

// BitsRule picks the first case whose mask intersects the result.
type BitsRule struct {
	Cases   []BitCase
	Default outcome.Branch
}

// Bits returns a BitsRule.
func Bits(def outcome.Branch, cases ...BitCase) BitsRule {
	return BitsRule{Cases: cases, Default: def}
}

// Branches implements Rule.
func (r BitsRule) Branches() []outcome.Branch {
	out := []outcome.Branch{r.Default}
	for _, c := range r.Cases {
		out = append(out, c.Branch)
	}
	return out
}

func (r BitsRule) apply(a Ambient, _ *outcome.Set) Result {
	if a.HasResult {
		for _, c := range r.Cases {
			if uint64(a.Result)&c.Mask != 0 {
				return Result{Branch: c.Branch, Reason: c.Reason}
			}
		}
	}
	return Result{Branch: r.Default}
}

// SelectRule picks a branch by the ambient selector.
type SelectRule struct {
	Choices map[uint64]outcome.Branch
	Default outcome.Branch
}

// Select returns a SelectRule.
func Select(def outcome.Branch, choices map[uint64]outcome.Branch) SelectRule {
	return SelectRule{Choices: choices, Default: def}
}

// Branches implements Rule.
func (r SelectRule) Branches() []outcome.Branch {
	out := []outcome.Branch{r.Default}
	for _, b := range r.Choices {
		out = append(out, b)
	}
	return out
}

func (r SelectRule) apply(a Ambient, _ *outcome.Set) Result {
	if b, ok := r.Choices[a.Selector]; ok {
		return Result{Branch: b}
	}
	return Result{Branch: r.Default}
}
