package graph_test

import (
	"context"
	"testing"

	"github.com/basket/goclawd/internal/graph"
)

func simpleGraph() *graph.Graph {
	return &graph.Graph{
		Nodes: []graph.Node{
			{ID: "input_start", Type: graph.EntryNodeType},
			{ID: "n1", Type: "echo", InputMap: map[string]string{"value": "var:x"}, OutputMap: map[string]string{"y": "value"}},
		},
		Edges:     []graph.Edge{{From: "input_start", To: "n1"}},
		Variables: []graph.Variable{{Name: "x"}, {Name: "y"}},
	}
}

func TestCompileIndexesNodesAndEdges(t *testing.T) {
	g := simpleGraph()
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if g.EntryID() != "input_start" {
		t.Fatalf("expected entry id input_start, got %q", g.EntryID())
	}
	if _, ok := g.NodeByID("n1"); !ok {
		t.Fatalf("expected n1 to be indexed")
	}
	edges := g.EdgesFrom("input_start")
	if len(edges) != 1 || edges[0].To != "n1" {
		t.Fatalf("expected one edge from input_start to n1, got %v", edges)
	}
}

func TestCompileRejectsDuplicateNodeIDs(t *testing.T) {
	g := &graph.Graph{Nodes: []graph.Node{
		{ID: "input_start", Type: graph.EntryNodeType},
		{ID: "dup", Type: "echo"},
		{ID: "dup", Type: "echo"},
	}}
	if err := g.Compile(); err == nil {
		t.Fatalf("expected an error for duplicate node ids")
	}
}

func TestCompileRejectsMultipleEntryNodes(t *testing.T) {
	g := &graph.Graph{Nodes: []graph.Node{
		{ID: "a", Type: graph.EntryNodeType},
		{ID: "b", Type: graph.EntryNodeType},
	}}
	if err := g.Compile(); err == nil {
		t.Fatalf("expected an error for more than one entry node")
	}
}

func TestHasVariableAndArtifactBacked(t *testing.T) {
	g := &graph.Graph{Variables: []graph.Variable{{Name: "plain"}, {Name: "big", ArtifactBacked: true}}}
	if !g.HasVariable("plain") {
		t.Fatalf("expected plain to be declared")
	}
	if g.HasVariable("missing") {
		t.Fatalf("expected missing to be undeclared")
	}
	if g.VariableArtifactBacked("plain") {
		t.Fatalf("expected plain not to be artifact-backed")
	}
	if !g.VariableArtifactBacked("big") {
		t.Fatalf("expected big to be artifact-backed")
	}
}

func TestValidatePassesForWellFormedGraph(t *testing.T) {
	g := simpleGraph()
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	reg := graph.NewRegistry()
	reg.Register("echo", func(ctx context.Context, input map[string]any) (graph.Result, error) {
		return graph.Result{Status: graph.ResultSuccess}, nil
	})
	if err := graph.Validate(g, reg); err != nil {
		t.Fatalf("expected a well-formed graph to validate, got %v", err)
	}
}

func TestValidateRejectsMissingEntryNode(t *testing.T) {
	g := &graph.Graph{Nodes: []graph.Node{{ID: "n1", Type: "echo"}}}
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := graph.Validate(g, graph.NewRegistry()); err == nil {
		t.Fatalf("expected validation to fail without an input_start node")
	}
}

func TestValidateRejectsUnregisteredNodeType(t *testing.T) {
	g := simpleGraph()
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if err := graph.Validate(g, graph.NewRegistry()); err == nil {
		t.Fatalf("expected validation to fail for an unregistered node type")
	}
}

func TestValidateRejectsUndeclaredInputVariable(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "input_start", Type: graph.EntryNodeType},
			{ID: "n1", Type: "echo", InputMap: map[string]string{"value": "var:undeclared"}},
		},
		Edges: []graph.Edge{{From: "input_start", To: "n1"}},
	}
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	reg := graph.NewRegistry()
	reg.Register("echo", func(ctx context.Context, input map[string]any) (graph.Result, error) {
		return graph.Result{Status: graph.ResultSuccess}, nil
	})
	if err := graph.Validate(g, reg); err == nil {
		t.Fatalf("expected validation to fail for an undeclared input variable")
	}
}

func TestValidateRejectsConditionalEdgeWithoutFallback(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "input_start", Type: graph.EntryNodeType},
			{ID: "n1", Type: "echo"},
			{ID: "n2", Type: "echo"},
		},
		Edges: []graph.Edge{
			{From: "input_start", To: "n1"},
			{From: "n1", Conditional: true, Variable: "x", Operator: "eq", Target: "n2"},
		},
		Variables: []graph.Variable{{Name: "x"}},
	}
	if err := g.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	reg := graph.NewRegistry()
	reg.Register("echo", func(ctx context.Context, input map[string]any) (graph.Result, error) {
		return graph.Result{Status: graph.ResultSuccess}, nil
	})
	if err := graph.Validate(g, reg); err == nil {
		t.Fatalf("expected validation to fail for a conditional edge with no fallback_target")
	}
}

func TestRegistryGetAndValidateNodeTypes(t *testing.T) {
	reg := graph.NewRegistry()
	reg.Register("echo", func(ctx context.Context, input map[string]any) (graph.Result, error) {
		return graph.Result{Status: graph.ResultSuccess}, nil
	})
	if _, ok := reg.Get("echo"); !ok {
		t.Fatalf("expected echo to be registered")
	}
	missing := reg.ValidateNodeTypes([]string{"echo", "missing_type", "echo"})
	if len(missing) != 1 || missing[0] != "missing_type" {
		t.Fatalf("expected only missing_type to be reported missing, got %v", missing)
	}
}

type denyAll struct{}

func (denyAll) AllowNodeType(string) bool { return false }

func TestRegisterPanicsWhenPolicyDenies(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected Register to panic when policy disallows the node type")
		}
	}()
	reg := graph.NewRegistryWithPolicy(denyAll{})
	reg.Register("wasm", func(ctx context.Context, input map[string]any) (graph.Result, error) {
		return graph.Result{}, nil
	})
}

func TestDecodeGraphCompilesAutomatically(t *testing.T) {
	raw := []byte(`{
		"Nodes": [
			{"ID": "input_start", "Type": "input_start"},
			{"ID": "n1", "Type": "echo"}
		],
		"Edges": [{"From": "input_start", "To": "n1"}]
	}`)
	g, err := graph.DecodeGraph(raw)
	if err != nil {
		t.Fatalf("decode graph: %v", err)
	}
	if g.EntryID() != "input_start" {
		t.Fatalf("expected decoded graph to be compiled with entry id set, got %q", g.EntryID())
	}
	if _, ok := g.NodeByID("n1"); !ok {
		t.Fatalf("expected n1 to be indexed after decode")
	}
}

func TestDecodeGraphRejectsInvalidJSON(t *testing.T) {
	_, err := graph.DecodeGraph([]byte(`not json`))
	if err == nil {
		t.Fatalf("expected an error decoding invalid JSON")
	}
}
