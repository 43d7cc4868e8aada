// Package graph is the agent executor: it compiles a node graph,
// checkpoints each node's result, replays on restart, resolves
// input/output variable mappings, and evaluates conditional edges.
package graph

import "fmt"

// EntryNodeType is the node type every graph must have exactly one of;
// it is the execution's entry point. Executor.Run starts traversal at
// its successors, so its implementation (if registered at all) is never
// actually invoked; the enqueue service records a COMPLETED seed node
// event for it instead.
const EntryNodeType = "input_start"

// Variable declares one whiteboard slot. ArtifactBacked marks a
// variable whose large values should be offloaded to the artifact
// store rather than kept inline (step F).
type Variable struct {
	Name           string
	ArtifactBacked bool
}

// Node is one vertex in the graph.
type Node struct {
	ID        string
	Type      string
	Config    map[string]any
	InputMap  map[string]string // target name -> source expression (var:<name> or node:<id>.<path>)
	OutputMap map[string]string // variable name -> output key (dotted path into the node's output)
	Secrets   map[string]string // declared secrets overlaid into the node's input context
}

// Edge connects two nodes. Regular edges always fire; conditional
// edges evaluate Operator against Variable and route to Target or
// FallbackTarget.
type Edge struct {
	From           string
	To             string // regular-edge target; empty for conditional edges
	Conditional    bool
	Variable       string
	Operator       string
	Value          any
	Target         string
	FallbackTarget string
}

// Graph is the compiled unit C8 operates on.
type Graph struct {
	Nodes     []Node
	Edges     []Edge
	Variables []Variable

	byID       map[string]Node
	edgesFrom  map[string][]Edge
	entryID    string
}

// Compile indexes Nodes and Edges for lookup. Call after constructing
// or decoding a Graph and before Validate/Run.
func (g *Graph) Compile() error {
	g.byID = make(map[string]Node, len(g.Nodes))
	for _, n := range g.Nodes {
		if _, dup := g.byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.byID[n.ID] = n
		if n.Type == EntryNodeType {
			if g.entryID != "" {
				return fmt.Errorf("more than one %s node: %q and %q", EntryNodeType, g.entryID, n.ID)
			}
			g.entryID = n.ID
		}
	}
	g.edgesFrom = make(map[string][]Edge, len(g.Nodes))
	for _, e := range g.Edges {
		g.edgesFrom[e.From] = append(g.edgesFrom[e.From], e)
	}
	return nil
}

// NodeByID returns the node with id, if declared.
func (g *Graph) NodeByID(id string) (Node, bool) {
	n, ok := g.byID[id]
	return n, ok
}

// EdgesFrom returns every edge whose From is id, in declaration order.
func (g *Graph) EdgesFrom(id string) []Edge {
	return g.edgesFrom[id]
}

// EntryID returns the id of the node with type input_start.
func (g *Graph) EntryID() string { return g.entryID }

// HasVariable reports whether name was declared in Variables.
func (g *Graph) HasVariable(name string) bool {
	for _, v := range g.Variables {
		if v.Name == name {
			return true
		}
	}
	return false
}

// VariableArtifactBacked reports whether name was declared
// artifact-backed.
func (g *Graph) VariableArtifactBacked(name string) bool {
	for _, v := range g.Variables {
		if v.Name == name {
			return v.ArtifactBacked
		}
	}
	return false
}
