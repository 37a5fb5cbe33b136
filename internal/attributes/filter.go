package attributes

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Filter is a boolean predicate over records. The zero and nil filters
// match everything.
type Filter struct {
	program *vm.Program
	source  string
}

// NewFilter compiles expression, which must yield a bool.
func NewFilter(expression string) (*Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return &Filter{}, nil
	}
	program, err := expr.Compile(expression, expr.Env(typeEnv()), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile filter: %w", err)
	}
	return &Filter{program: program, source: expression}, nil
}

// String returns the filter expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.source
}

// Match evaluates the predicate. A runtime error does not match.
func (f *Filter) Match(env map[string]any) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}
	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
