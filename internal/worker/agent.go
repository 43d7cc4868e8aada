// Package worker implements C9 (the agent worker pool) and C10 (the
// inference worker pool): both are leased-pop polling loops over the
// durable queue tables, deliberately without a lease-heartbeat-extension
// goroutine — a long-running claim simply holds its lease until it
// finishes or the lease expires and boot-time recovery reclaims it.
// Heartbeat renewal is left for a later revision, matching the design
// note against extending leases mid-flight.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/goclawd/internal/bus"
	"github.com/basket/goclawd/internal/cancelsig"
	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/config"
	"github.com/basket/goclawd/internal/graph"
	"github.com/basket/goclawd/internal/store"

	"github.com/google/uuid"
)

// GraphResolver looks up the compiled graph to run for an agent id.
type GraphResolver func(agentID string) (*graph.Graph, error)

// AgentPool runs C9: a configurable number of goroutines each polling
// for the highest-priority PENDING execution row and driving it
// through the graph executor.
type AgentPool struct {
	store    *store.Store
	executor *graph.Executor
	bus      *bus.Bus
	resolve  GraphResolver
	cfg      config.WorkerConfig
	logger   *slog.Logger
	signals  *signalTable
}

// NewAgentPool builds a pool ready to Run.
func NewAgentPool(st *store.Store, executor *graph.Executor, eventBus *bus.Bus, resolve GraphResolver, cfg config.WorkerConfig, logger *slog.Logger) *AgentPool {
	if logger == nil {
		logger = slog.Default()
	}
	return &AgentPool{store: st, executor: executor, bus: eventBus, resolve: resolve, cfg: cfg, logger: logger, signals: newSignalTable()}
}

// RequestCancel durably marks id for cancellation and, if a worker in
// this pool currently holds its lease, wakes the in-memory signal too.
func (p *AgentPool) RequestCancel(ctx context.Context, id string) error {
	if err := p.store.RequestCancelExecution(ctx, id); err != nil {
		return err
	}
	p.signals.Cancel(id)
	return nil
}

// Run launches cfg.Count poll loops and blocks until ctx is canceled.
func (p *AgentPool) Run(ctx context.Context) {
	n := p.cfg.Count
	if n <= 0 {
		n = 1
	}
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func(workerID int) {
			p.loop(ctx, workerID)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (p *AgentPool) loop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, ok, err := p.store.ClaimNextPendingExecution(ctx, uuid.New().String(), p.cfg.LeaseTTL, time.Now())
		if err != nil {
			p.logger.Error("agent worker claim failed", "worker", workerID, "error", err)
			time.Sleep(p.cfg.PollInterval)
			continue
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.process(ctx, claimed)
	}
}

func (p *AgentPool) process(ctx context.Context, row *store.ExecutionRow) {
	logger := p.logger.With("execution_id", row.ID, "agent_id", row.AgentID)
	signal := p.signals.create(row.ID)
	defer p.signals.remove(row.ID)

	g, err := p.resolve(row.AgentID)
	if err != nil {
		p.fail(ctx, row, signal, logger, err)
		return
	}

	var input map[string]any
	if len(row.Input) > 0 {
		if err := json.Unmarshal(row.Input, &input); err != nil {
			p.fail(ctx, row, signal, logger, err)
			return
		}
	}

	result, err := p.executor.Run(ctx, row.ID, g, input, signal)
	if err != nil {
		var canceled *coerr.CanceledError
		if errors.As(err, &canceled) {
			p.cancelTerminal(ctx, row, logger)
			return
		}
		p.fail(ctx, row, signal, logger, err)
		return
	}

	final, err := json.Marshal(result)
	if err != nil {
		p.fail(ctx, row, signal, logger, err)
		return
	}
	if err := p.store.CompleteExecution(ctx, row.ID, row.LeaseToken, final, time.Now()); err != nil {
		var leaseLost *coerr.LeaseLostError
		if !errors.As(err, &leaseLost) {
			logger.Error("complete execution write failed", "error", err)
		}
		return
	}
	p.bus.Publish(bus.ExecutionTopic(row.ID), bus.StreamEvent{
		Type: bus.KindDone, TaskID: row.ID, TS: time.Now().UnixNano(),
		Data: bus.DoneData{Result: result},
	})
	logger.Info("execution completed")
}

func (p *AgentPool) fail(ctx context.Context, row *store.ExecutionRow, signal *cancelsig.Signal, logger *slog.Logger, cause error) {
	var canceled *coerr.CanceledError
	if errors.As(cause, &canceled) {
		p.cancelTerminal(ctx, row, logger)
		return
	}
	fp := fingerprint(cause.Error())
	if err := p.store.FailExecution(ctx, row.ID, row.LeaseToken, cause.Error(), fp, time.Now()); err != nil {
		var leaseLost *coerr.LeaseLostError
		if !errors.As(err, &leaseLost) {
			logger.Error("fail execution write failed", "error", err)
		}
	}
	p.bus.Publish(bus.ExecutionTopic(row.ID), bus.StreamEvent{
		Type: bus.KindError, TaskID: row.ID, TS: time.Now().UnixNano(),
		Data: bus.ErrorData{Message: cause.Error()},
	})
	logger.Warn("execution failed", "error", cause, "fingerprint", fp)
}

func (p *AgentPool) cancelTerminal(ctx context.Context, row *store.ExecutionRow, logger *slog.Logger) {
	if err := p.store.CancelExecutionTerminal(ctx, row.ID, time.Now()); err != nil {
		logger.Error("cancel execution write failed", "error", err)
	}
	p.bus.Publish(bus.ExecutionTopic(row.ID), bus.StreamEvent{
		Type: bus.KindCanceled, TaskID: row.ID, TS: time.Now().UnixNano(),
	})
	logger.Info("execution canceled")
}
