package graph

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/basket/goclawd/internal/coerr"
)

func TestResolveSlotVarMissReturnsNilNotError(t *testing.T) {
	state := NewState(map[string]any{"present": "x"})
	val, err := resolveSlot(state, "var:absent")
	if err != nil {
		t.Fatalf("expected a missing var to resolve to nil without error, got %v", err)
	}
	if val != nil {
		t.Fatalf("expected nil, got %v", val)
	}
}

func TestResolveSlotNodeMissingIsDependencyMissing(t *testing.T) {
	state := NewState(nil)
	_, err := resolveSlot(state, "node:never-ran.value")
	var dep *coerr.DependencyMissingError
	if !errors.As(err, &dep) {
		t.Fatalf("expected DependencyMissingError, got %v", err)
	}
	if dep.NodeID != "never-ran" {
		t.Fatalf("expected node id never-ran, got %q", dep.NodeID)
	}
}

func TestResolveSlotNodePathWalksNestedOutput(t *testing.T) {
	state := NewState(nil)
	state.Nodes["n1"] = map[string]any{"value": map[string]any{"inner": 42}}
	val, err := resolveSlot(state, "node:n1.value.inner")
	if err != nil {
		t.Fatalf("resolve slot: %v", err)
	}
	if val != 42 {
		t.Fatalf("expected 42, got %v", val)
	}
}

func TestResolveSlotInvalidSourceShape(t *testing.T) {
	state := NewState(nil)
	_, err := resolveSlot(state, "literal:whatever")
	var bad *coerr.InputMappingInvalidError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InputMappingInvalidError, got %v", err)
	}
}

func TestRouteEvaluatesOperators(t *testing.T) {
	logger := slog.Default()
	state := &State{Vars: map[string]any{"score": 7.0, "name": "hello world"}}

	tests := []struct {
		edge Edge
		want string
	}{
		{Edge{Variable: "score", Operator: "gt", Value: 5, Target: "yes", FallbackTarget: "no"}, "yes"},
		{Edge{Variable: "score", Operator: "lt", Value: 5, Target: "yes", FallbackTarget: "no"}, "no"},
		{Edge{Variable: "name", Operator: "contains", Value: "world", Target: "yes", FallbackTarget: "no"}, "yes"},
		{Edge{Variable: "missing", Operator: "is_set", Target: "yes", FallbackTarget: "no"}, "no"},
		{Edge{Variable: "score", Operator: "unknown_op", Target: "yes", FallbackTarget: "no"}, "no"},
	}
	for _, tc := range tests {
		got := route(tc.edge, state, logger)
		if got != tc.want {
			t.Fatalf("route(%+v) = %q, want %q", tc.edge, got, tc.want)
		}
	}
}

func TestRouteFallsBackOnOperatorEvaluationError(t *testing.T) {
	logger := slog.Default()
	state := &State{Vars: map[string]any{"n": "not-a-number"}}
	e := Edge{Variable: "n", Operator: "gt", Value: 5, Target: "yes", FallbackTarget: "no"}
	got := route(e, state, logger)
	if got != "no" {
		t.Fatalf("expected a type-mismatched numeric comparison to fall back, got %q", got)
	}
}

func TestSecretStoreMergeAndGet(t *testing.T) {
	s := newSecretStore()
	if _, ok := s.get("api_key"); ok {
		t.Fatalf("expected no secret before merge")
	}
	s.merge(map[string]any{"api_key": "sk-123"})
	v, ok := s.get("api_key")
	if !ok || v != "sk-123" {
		t.Fatalf("expected api_key sk-123, got %v, %v", v, ok)
	}
}
