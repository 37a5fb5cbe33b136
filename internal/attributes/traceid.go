package attributes

import (
	"crypto/sha256"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceIDFromString uses s when it is a 32-char hex trace id and otherwise
// hashes it with SHA-256. hashed reports which happened.
func TraceIDFromString(s string) (id trace.TraceID, hashed bool) {
	if len(s) == 32 {
		if id, err := trace.TraceIDFromHex(s); err == nil {
			return id, false
		}
	}
	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:16])
	return id, true
}

// TraceIDFromCollection derives the trace id all spans of a collection share.
func TraceIDFromCollection(collectionID string) trace.TraceID {
	id, _ := TraceIDFromString(collectionID)
	return id
}

// ParentSpanID derives the span id spans of one trace hang off. It is never
// the zero id.
func ParentSpanID(id trace.TraceID) trace.SpanID {
	sum := sha256.Sum256(id[:])
	var sid trace.SpanID
	copy(sid[:], sum[:8])
	if !sid.IsValid() {
		sid[7] = 1
	}
	return sid
}

// TraceIDEvaluator groups spans into traces by an expression over the
// record env. Without an expression every record gets the collection's id.
type TraceIDEvaluator struct {
	program    *vm.Program
	rawExpr    string
	collection trace.TraceID
}

// NewTraceIDEvaluator compiles exprStr, which may be empty.
func NewTraceIDEvaluator(exprStr, collectionID string) (*TraceIDEvaluator, error) {
	e := &TraceIDEvaluator{rawExpr: exprStr, collection: TraceIDFromCollection(collectionID)}
	if exprStr == "" {
		return e, nil
	}

	program, err := expr.Compile(exprStr, expr.Env(typeEnv()))
	if err != nil {
		return nil, fmt.Errorf("failed to compile trace-id expression: %w", err)
	}
	e.program = program
	return e, nil
}

// Collection returns the collection-wide trace id.
func (e *TraceIDEvaluator) Collection() trace.TraceID { return e.collection }

// Evaluate returns the trace id for env and warnings to attach to the span.
// A failing expression falls back to the collection id.
func (e *TraceIDEvaluator) Evaluate(env map[string]any) (trace.TraceID, []attribute.KeyValue, error) {
	if e.program == nil {
		return e.collection, nil, nil
	}

	output, err := expr.Run(e.program, env)
	if err != nil {
		return e.collection, nil, fmt.Errorf("failed to evaluate trace-id expression: %w", err)
	}

	resultStr := fmt.Sprint(output)
	id, hashed := TraceIDFromString(resultStr)
	if !hashed {
		return id, nil, nil
	}
	return id, []attribute.KeyValue{
		attribute.String("_trace_id_expr_result", resultStr),
	}, nil
}
