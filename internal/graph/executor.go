package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/goclawd/internal/artifact"
	"github.com/basket/goclawd/internal/bus"
	"github.com/basket/goclawd/internal/cancelsig"
	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/store"
)

// Executor is C8: it compiles a graph, checkpoints each node to the
// durable store, replays completed nodes on restart, resolves
// input/output variable mappings, and evaluates conditional edges.
type Executor struct {
	registry  *Registry
	store     *store.Store
	bus       *bus.Bus
	artifacts *artifact.Store
	logger    *slog.Logger
}

// New builds an Executor bound to the given registry, durable store,
// event hub, and artifact store.
func New(registry *Registry, st *store.Store, eventBus *bus.Bus, artifacts *artifact.Store, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, store: st, bus: eventBus, artifacts: artifacts, logger: logger}
}

// Validate runs C8's pre-flight checks.
func (e *Executor) Validate(g *Graph) error {
	return Validate(g, e.registry)
}

// Run drives g to completion for executionID, returning the final
// vars map (the run's result). It always replays the node-event log
// first, so a node that already has a COMPLETED event is never
// invoked again — this is what makes restart-after-crash safe.
func (e *Executor) Run(ctx context.Context, executionID string, g *Graph, input map[string]any, cancel *cancelsig.Signal) (map[string]any, error) {
	if err := e.Validate(g); err != nil {
		return nil, err
	}
	if cancel == nil {
		cancel = cancelsig.New()
	}

	state := NewState(input)
	secrets := newSecretStore()

	events, err := e.store.ListNodeEvents(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("load node events for %s: %w", executionID, err)
	}
	if err := e.replay(g, events, state); err != nil {
		return nil, err
	}

	seen := map[string]bool{g.EntryID(): true}
	queue := e.nextNodes(g, g.EntryID(), state)
	for _, id := range queue {
		seen[id] = true
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		node, ok := g.NodeByID(id)
		if !ok {
			continue
		}
		if err := e.executeNode(ctx, executionID, g, node, state, secrets, cancel); err != nil {
			return nil, err
		}

		for _, next := range e.nextNodes(g, id, state) {
			if seen[next] {
				continue
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}

	return state.Vars, nil
}

// replay applies every COMPLETED event's output to state in commit
// order, using the same output-map logic a live run would have used.
// Nodes no longer present in the (possibly edited) graph keep their
// recorded output in state.Nodes but have no output map applied.
func (e *Executor) replay(g *Graph, events []store.NodeEvent, state *State) error {
	applied := map[string]bool{}
	for _, ev := range events {
		if ev.Status != store.NodeEventCompleted || applied[ev.NodeID] {
			continue
		}
		applied[ev.NodeID] = true

		output, err := e.rehydrate(ev.Output)
		if err != nil {
			return err
		}
		state.Nodes[ev.NodeID] = output

		if node, ok := g.NodeByID(ev.NodeID); ok {
			e.applyOutputMap(g, node, output, state)
		}
	}
	return nil
}

// nextNodes computes the set of node ids an edge-driven traversal
// should visit after id, evaluating conditional edges against the
// current state.
func (e *Executor) nextNodes(g *Graph, id string, state *State) []string {
	var next []string
	for _, edge := range g.EdgesFrom(id) {
		if edge.Conditional {
			next = append(next, route(edge, state, e.logger))
		} else {
			next = append(next, edge.To)
		}
	}
	return next
}

// executeNode runs the node execution contract, steps A through F.
func (e *Executor) executeNode(ctx context.Context, executionID string, g *Graph, node Node, state *State, secrets *secretStore, cancel *cancelsig.Signal) error {
	// A. Cancellation check.
	if cancel.IsSet() {
		return &coerr.CanceledError{Row: executionID}
	}

	// B. Recovery check — already reflected in state by replay.
	if _, done := state.Nodes[node.ID]; done {
		e.bus.Publish(bus.ExecutionTopic(executionID), map[string]any{
			"kind": bus.KindNodeRecovered, "node_id": node.ID,
		})
		return nil
	}

	// C. Input assembly.
	input, err := e.assembleInput(node, state, secrets, cancel)
	if err != nil {
		return err
	}

	// D. Execute.
	now := time.Now()
	if _, err := e.store.AppendNodeEvent(ctx, executionID, node.ID, store.NodeEventStarted, nil, "", now); err != nil {
		return fmt.Errorf("append started event for %s: %w", node.ID, err)
	}
	e.bus.Publish(bus.ExecutionTopic(executionID), map[string]any{
		"kind": bus.KindNodeStart, "node_id": node.ID,
	})

	impl, ok := e.registry.Get(node.Type)
	if !ok {
		return fmt.Errorf("node %q: no implementation registered for type %q", node.ID, node.Type)
	}
	result, implErr := impl(ctx, input)
	if implErr != nil || result.Status == ResultError {
		msg := ""
		if implErr != nil {
			msg = implErr.Error()
		}
		if _, err := e.store.AppendNodeEvent(ctx, executionID, node.ID, store.NodeEventFailed, nil, msg, time.Now()); err != nil {
			e.logger.Error("failed to append node failure event", "node_id", node.ID, "error", err)
		}
		e.bus.Publish(bus.ExecutionTopic(executionID), map[string]any{
			"kind": bus.KindNodeError, "node_id": node.ID, "error": msg,
		})
		if implErr == nil {
			implErr = fmt.Errorf("node reported status=error")
		}
		return &coerr.NodeExecutionFailedError{NodeID: node.ID, Err: implErr}
	}

	// E. Persist.
	persisted, err := e.offloadIfNeeded(executionID, node.ID, result.Output)
	if err != nil {
		return err
	}
	secrets.merge(result.Secrets)

	persistedBytes, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("marshal node %s output: %w", node.ID, err)
	}
	if _, err := e.store.AppendNodeEvent(ctx, executionID, node.ID, store.NodeEventCompleted, persistedBytes, "", time.Now()); err != nil {
		return fmt.Errorf("append completed event for %s: %w", node.ID, err)
	}
	e.bus.Publish(bus.ExecutionTopic(executionID), map[string]any{
		"kind": bus.KindNodeFinish, "node_id": node.ID,
	})

	// F. State update.
	state.Nodes[node.ID] = result.Output
	e.applyOutputMap(g, node, result.Output, state)
	return nil
}

// assembleInput builds a node's execution context: static config
// first, then resolved input_map entries, then declared secrets
// overlaid on top, plus the cancellation handle.
func (e *Executor) assembleInput(node Node, state *State, secrets *secretStore, cancel *cancelsig.Signal) (map[string]any, error) {
	input := make(map[string]any, len(node.Config)+len(node.InputMap)+len(node.Secrets)+1)
	for k, v := range node.Config {
		input[k] = v
	}
	for target, source := range node.InputMap {
		val, err := resolveSlot(state, source)
		if err != nil {
			return nil, err
		}
		input[target] = val
	}
	for k, ref := range node.Secrets {
		if v, ok := secrets.get(ref); ok {
			input[k] = v
		} else {
			input[k] = ref
		}
	}
	input["_cancel"] = cancel
	return input, nil
}

// offloadIfNeeded writes output to the artifact store and returns the
// {__ref: uri} replacement when it exceeds the offload threshold;
// otherwise it returns output unchanged.
func (e *Executor) offloadIfNeeded(executionID, nodeID string, output map[string]any) (any, error) {
	if e.artifacts == nil {
		return output, nil
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("marshal node %s output for offload check: %w", nodeID, err)
	}
	if !e.artifacts.ShouldOffload(raw) {
		return output, nil
	}
	uri, err := e.artifacts.Save(executionID, nodeID, raw, "json")
	if err != nil {
		return nil, fmt.Errorf("offload node %s output: %w", nodeID, err)
	}
	return artifact.Ref{URI: uri}, nil
}

// rehydrate resolves a persisted node-event output back into a plain
// value, loading the artifact behind a __ref when present.
func (e *Executor) rehydrate(raw json.RawMessage) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if uri, ok := artifact.IsRef(raw); ok {
		if e.artifacts == nil {
			return nil, fmt.Errorf("artifact ref %q found but no artifact store configured", uri)
		}
		data, err := e.artifacts.Load(uri)
		if err != nil {
			return nil, err
		}
		var val any
		if err := json.Unmarshal(data, &val); err != nil {
			return nil, fmt.Errorf("unmarshal rehydrated artifact %s: %w", uri, err)
		}
		return val, nil
	}
	var val any
	if err := json.Unmarshal(raw, &val); err != nil {
		return nil, fmt.Errorf("unmarshal node output: %w", err)
	}
	return val, nil
}

// applyOutputMap implements step F's output_map application: for each
// declared (var, output_key) pair, pull the value out of the node's
// full output and store it on the whiteboard, offloading
// artifact-backed variables whose value is large.
func (e *Executor) applyOutputMap(g *Graph, node Node, output any, state *State) {
	if len(node.OutputMap) == 0 {
		return
	}
	outMap, _ := output.(map[string]any)
	for varName, key := range node.OutputMap {
		val := walkPath(outMap, key)
		if e.artifacts != nil && g.VariableArtifactBacked(varName) {
			if ref, ok := e.offloadVar(node.ID, varName, val); ok {
				state.Vars[varName] = ref
				continue
			}
		}
		state.Vars[varName] = val
	}
}

func (e *Executor) offloadVar(nodeID, varName string, val any) (any, bool) {
	raw, err := json.Marshal(val)
	if err != nil || !e.artifacts.ShouldOffload(raw) {
		return nil, false
	}
	uri, err := e.artifacts.Save("vars", nodeID+"_"+varName, raw, "json")
	if err != nil {
		e.logger.Error("failed to offload variable", "node_id", nodeID, "var", varName, "error", err)
		return nil, false
	}
	return artifact.Ref{URI: uri}, true
}
