// Package enqueue is the validated entry point onto the durable
// store: it assigns a priority via the priority policy, generates a
// time-ordered id, and commits the row (plus, for executions, its seed
// node event) in one transaction.
package enqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/priority"
	"github.com/basket/goclawd/internal/store"
	"github.com/google/uuid"
)

// Service wires the store and priority policy together behind the two
// submission operations.
type Service struct {
	store    *store.Store
	priority *priority.Policy

	// ResolveAgent and ResolveModel let the caller plug in whatever
	// registry backs "is this agent/model id known". Both default to
	// always-resolvable if left nil, so tests can exercise the
	// enqueue path without standing up a full registry.
	ResolveAgent func(agentID string) bool
	ResolveModel func(modelID string) bool
}

// New builds an enqueue Service.
func New(st *store.Store, pol *priority.Policy) *Service {
	return &Service{store: st, priority: pol}
}

// Execution validates and enqueues an agent graph execution. source is
// one of the priority package's Source constants; parentExecutionID
// and parentEffective are set only for internally-spawned child runs.
func (s *Service) Execution(ctx context.Context, agentID string, input json.RawMessage, source, parentExecutionID string, parentEffective int) (string, error) {
	if agentID == "" {
		return "", &coerr.InvalidInputError{Reason: "agent_id is required"}
	}
	if s.ResolveAgent != nil && !s.ResolveAgent(agentID) {
		return "", &coerr.InvalidInputError{Reason: fmt.Sprintf("unknown agent_id %q", agentID)}
	}
	if !json.Valid(input) {
		return "", &coerr.InvalidInputError{Reason: "input is not valid JSON"}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate execution id: %w", err)
	}
	id := u.String()
	basePriority := s.priority.Corridor(source)
	effective := s.priority.Assign(source, parentEffective)
	now := time.Now()

	if err := s.store.EnqueueExecution(ctx, id, parentExecutionID, agentID, input, source, basePriority, effective, now); err != nil {
		return "", fmt.Errorf("enqueue execution: %w", err)
	}
	return id, nil
}

// Inference validates and enqueues a raw model-inference request.
func (s *Service) Inference(ctx context.Context, modelID string, messages, parameters json.RawMessage, source string, parentEffective int) (string, error) {
	if modelID == "" {
		return "", &coerr.InvalidInputError{Reason: "model_id is required"}
	}
	if s.ResolveModel != nil && !s.ResolveModel(modelID) {
		return "", &coerr.InvalidInputError{Reason: fmt.Sprintf("unknown model_id %q", modelID)}
	}
	if !json.Valid(messages) {
		return "", &coerr.InvalidInputError{Reason: "messages is not valid JSON"}
	}
	if parameters == nil {
		parameters = json.RawMessage("{}")
	}
	if !json.Valid(parameters) {
		return "", &coerr.InvalidInputError{Reason: "parameters is not serializable"}
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate inference id: %w", err)
	}
	id := u.String()
	basePriority := s.priority.Corridor(source)
	effective := s.priority.Assign(source, parentEffective)
	now := time.Now()

	if err := s.store.EnqueueInference(ctx, id, "", modelID, messages, parameters, source, basePriority, effective, now); err != nil {
		return "", fmt.Errorf("enqueue inference: %w", err)
	}
	return id, nil
}
