package attributes

import (
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestTraceIDFromString(t *testing.T) {
	valid := "0123456789abcdef0123456789abcdef"
	id, hashed := TraceIDFromString(valid)
	if hashed {
		t.Error("valid hex trace id should be used as is")
	}
	if id.String() != valid {
		t.Errorf("id = %s, want %s", id, valid)
	}

	id, hashed = TraceIDFromString("7f8e1c52-5c1f-4bb2-9d3e-0a1b2c3d4e5f")
	if !hashed {
		t.Error("uuid should be hashed")
	}
	if !id.IsValid() {
		t.Error("hashed trace id should be valid")
	}
	again, _ := TraceIDFromString("7f8e1c52-5c1f-4bb2-9d3e-0a1b2c3d4e5f")
	if again != id {
		t.Error("hashing must be deterministic")
	}
}

func TestParentSpanID(t *testing.T) {
	id := TraceIDFromCollection("run-1")
	sid := ParentSpanID(id)
	if !sid.IsValid() {
		t.Error("parent span id must be valid")
	}
	if ParentSpanID(id) != sid {
		t.Error("parent span id must be deterministic")
	}
	if ParentSpanID(TraceIDFromCollection("run-2")) == sid {
		t.Error("different collections should not share a parent span id")
	}
}

func TestTraceIDEvaluator_Collection(t *testing.T) {
	e, err := NewTraceIDEvaluator("", "run-1")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}
	id, warnings, err := e.Evaluate(connectSubject().Env())
	if err != nil || warnings != nil {
		t.Fatalf("Evaluate() = %v, %v", warnings, err)
	}
	if id != TraceIDFromCollection("run-1") || id != e.Collection() {
		t.Errorf("id = %s, want collection id", id)
	}
}

func TestTraceIDEvaluator_PerProcess(t *testing.T) {
	e, err := NewTraceIDEvaluator(`"tgid-" + string(tgid)`, "run-1")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	s := connectSubject()
	id, warnings, err := e.Evaluate(s.Env())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(warnings) != 1 || warnings[0].Value.AsString() != "tgid-4240" {
		t.Errorf("warnings = %v, want the hashed expression result", warnings)
	}

	s.Record.Pid = 4243
	other, _, _ := e.Evaluate(s.Env())
	if other != id {
		t.Error("threads of one process should share a trace")
	}
}

func TestTraceIDEvaluator_ValidHex(t *testing.T) {
	e, err := NewTraceIDEvaluator(`env["TRACE_ID"]`, "run-1")
	if err != nil {
		t.Fatalf("NewTraceIDEvaluator() error = %v", err)
	}

	s := connectSubject()
	s.Meta.Environ["TRACE_ID"] = "0123456789abcdef0123456789abcdef"
	id, warnings, err := e.Evaluate(s.Env())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("Expected no warnings for valid trace ID, got %d", len(warnings))
	}
	want, _ := trace.TraceIDFromHex("0123456789abcdef0123456789abcdef")
	if id != want {
		t.Errorf("traceID = %v, want %v", id, want)
	}
}

func TestTraceIDEvaluator_InvalidExpression(t *testing.T) {
	if _, err := NewTraceIDEvaluator(`invalid syntax here`, "run-1"); err == nil {
		t.Error("Expected compile error")
	}
}
