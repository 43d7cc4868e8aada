package graph

import (
	"fmt"
	"strings"
)

// Validate runs the pre-flight checks: fail fast, before any node
// executes.
func Validate(g *Graph, registry *Registry) error {
	if g.entryID == "" {
		return fmt.Errorf("graph has no %s node", EntryNodeType)
	}

	nodeIDs := make(map[string]bool, len(g.Nodes))
	var types []string
	for _, n := range g.Nodes {
		nodeIDs[n.ID] = true
		types = append(types, n.Type)
	}
	if missing := registry.ValidateNodeTypes(types); len(missing) > 0 {
		return fmt.Errorf("unregistered node types: %v", missing)
	}

	for _, e := range g.Edges {
		if !nodeIDs[e.From] {
			return fmt.Errorf("edge references unknown source node %q", e.From)
		}
		if e.Conditional {
			if e.FallbackTarget == "" {
				return fmt.Errorf("conditional edge from %q has no fallback_target", e.From)
			}
			if !nodeIDs[e.Target] {
				return fmt.Errorf("conditional edge from %q targets unknown node %q", e.From, e.Target)
			}
			if !nodeIDs[e.FallbackTarget] {
				return fmt.Errorf("conditional edge from %q has unknown fallback_target %q", e.From, e.FallbackTarget)
			}
			if !g.HasVariable(e.Variable) {
				return fmt.Errorf("conditional edge from %q references undeclared variable %q", e.From, e.Variable)
			}
		} else {
			if !nodeIDs[e.To] {
				return fmt.Errorf("edge from %q targets unknown node %q", e.From, e.To)
			}
		}
	}

	for _, n := range g.Nodes {
		for target, source := range n.InputMap {
			if strings.HasPrefix(source, "var:") {
				name := strings.TrimPrefix(source, "var:")
				if !g.HasVariable(name) {
					return fmt.Errorf("node %q input %q references undeclared variable %q", n.ID, target, name)
				}
				continue
			}
			if strings.HasPrefix(source, "node:") {
				continue // node ids are checked for existence at resolve time (DependencyMissing), not pre-flight
			}
			return fmt.Errorf("node %q input %q has invalid mapping source %q", n.ID, target, source)
		}
		for varName := range n.OutputMap {
			if !g.HasVariable(varName) {
				return fmt.Errorf("node %q output_map references undeclared variable %q", n.ID, varName)
			}
		}
	}

	return nil
}
