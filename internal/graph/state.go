package graph

import (
	"strings"

	"github.com/basket/goclawd/internal/coerr"
)

// State is the ephemeral, per-execution agent state: the whiteboard
// (vars, written by output_map) and the append-only record of each
// node's full output (nodes).
type State struct {
	Vars  map[string]any
	Nodes map[string]any
}

// NewState seeds vars with the execution's input payload, per the
// initial-state rule in the component design.
func NewState(input map[string]any) *State {
	if input == nil {
		input = map[string]any{}
	}
	return &State{Vars: input, Nodes: map[string]any{}}
}

// resolveSlot implements step C's source-expression resolution.
// var:<name> misses resolve to nil (not an error — variables may be
// intentionally unset). node:<id>.<path> raises DependencyMissing if
// id has not completed.
func resolveSlot(state *State, source string) (any, error) {
	switch {
	case strings.HasPrefix(source, "var:"):
		name := strings.TrimPrefix(source, "var:")
		return state.Vars[name], nil
	case strings.HasPrefix(source, "node:"):
		rest := strings.TrimPrefix(source, "node:")
		nodeID, path, _ := strings.Cut(rest, ".")
		val, ok := state.Nodes[nodeID]
		if !ok {
			return nil, &coerr.DependencyMissingError{NodeID: nodeID}
		}
		if path == "" {
			return val, nil
		}
		return walkPath(val, path), nil
	default:
		return nil, &coerr.InputMappingInvalidError{Source: source}
	}
}

// walkPath descends a dotted path into nested maps. A missing
// subfield resolves to nil — only a missing top-level node id is a
// DependencyMissing error.
func walkPath(val any, path string) any {
	cur := val
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}
