package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/basket/goclawd/internal/bus"
	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/config"
	"github.com/basket/goclawd/internal/modelrunner"
	"github.com/basket/goclawd/internal/store"

	"github.com/google/uuid"
)

// InferencePool runs C10: a configurable number of goroutines polling
// the inference queue and driving each claimed row through a Runner,
// streaming tokens out over the event hub as they arrive.
type InferencePool struct {
	store   *store.Store
	runner  modelrunner.Runner
	bus     *bus.Bus
	cfg     config.WorkerConfig
	logger  *slog.Logger
	signals *signalTable
}

// NewInferencePool builds a pool ready to Run.
func NewInferencePool(st *store.Store, runner modelrunner.Runner, eventBus *bus.Bus, cfg config.WorkerConfig, logger *slog.Logger) *InferencePool {
	if logger == nil {
		logger = slog.Default()
	}
	return &InferencePool{store: st, runner: runner, bus: eventBus, cfg: cfg, logger: logger, signals: newSignalTable()}
}

// RequestCancel durably marks id for cancellation and wakes any
// in-flight signal for it.
func (p *InferencePool) RequestCancel(ctx context.Context, id string) error {
	if err := p.store.RequestCancelInference(ctx, id); err != nil {
		return err
	}
	p.signals.Cancel(id)
	return nil
}

// Run launches cfg.Count poll loops and blocks until ctx is canceled.
func (p *InferencePool) Run(ctx context.Context) {
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

func (p *InferencePool) loop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, ok, err := p.store.ClaimNextPendingInference(ctx, uuid.New().String(), p.cfg.LeaseTTL, time.Now())
		if err != nil {
			p.logger.Error("inference worker claim failed", "worker", workerID, "error", err)
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

func (p *InferencePool) process(ctx context.Context, row *store.InferenceRow) {
	logger := p.logger.With("task_id", row.ID, "model_id", row.ModelID)
	signal := p.signals.create(row.ID)
	defer p.signals.remove(row.ID)

	var messages []modelrunner.Message
	if err := json.Unmarshal(row.Prompt, &messages); err != nil {
		p.fail(ctx, row, logger, err)
		return
	}
	var params modelrunner.Parameters
	if len(row.Parameters) > 0 {
		if err := json.Unmarshal(row.Parameters, &params); err != nil {
			p.fail(ctx, row, logger, err)
			return
		}
	}

	if err := p.runner.EnsureLoaded(ctx, row.ModelID); err != nil {
		p.fail(ctx, row, logger, err)
		return
	}

	topic := bus.InferenceTopic(row.ID)
	onToken := func(token string) {
		p.bus.Publish(topic, bus.StreamEvent{
			Type: bus.KindToken, TaskID: row.ID, TS: time.Now().UnixNano(),
			Data: bus.TokenData{Text: token},
		})
	}

	result, tps, err := p.runner.RunChat(ctx, row.ModelID, messages, params, onToken, signal)
	if err != nil {
		var canceled *coerr.CanceledError
		if errors.As(err, &canceled) {
			p.cancelTerminal(ctx, row, logger)
			return
		}
		p.fail(ctx, row, logger, err)
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		p.fail(ctx, row, logger, err)
		return
	}
	if err := p.store.CompleteInference(ctx, row.ID, row.LeaseToken, resultJSON, tps, time.Now()); err != nil {
		var leaseLost *coerr.LeaseLostError
		if !errors.As(err, &leaseLost) {
			logger.Error("complete inference write failed", "error", err)
		}
		return
	}
	p.bus.Publish(topic, bus.StreamEvent{
		Type: bus.KindDone, TaskID: row.ID, TS: time.Now().UnixNano(),
		Data: bus.DoneData{Result: result, TokensPerSecond: tps},
	})
	logger.Info("inference completed", "tokens_per_second", tps)
}

func (p *InferencePool) fail(ctx context.Context, row *store.InferenceRow, logger *slog.Logger, cause error) {
	var canceled *coerr.CanceledError
	if errors.As(cause, &canceled) {
		p.cancelTerminal(ctx, row, logger)
		return
	}
	if err := p.store.FailInference(ctx, row.ID, row.LeaseToken, cause.Error(), time.Now()); err != nil {
		var leaseLost *coerr.LeaseLostError
		if !errors.As(err, &leaseLost) {
			logger.Error("fail inference write failed", "error", err)
		}
	}
	p.bus.Publish(bus.InferenceTopic(row.ID), bus.StreamEvent{
		Type: bus.KindError, TaskID: row.ID, TS: time.Now().UnixNano(),
		Data: bus.ErrorData{Message: cause.Error()},
	})
	logger.Warn("inference failed", "error", cause)
}

func (p *InferencePool) cancelTerminal(ctx context.Context, row *store.InferenceRow, logger *slog.Logger) {
	if err := p.store.CancelInferenceTerminal(ctx, row.ID, time.Now()); err != nil {
		logger.Error("cancel inference write failed", "error", err)
	}
	p.bus.Publish(bus.InferenceTopic(row.ID), bus.StreamEvent{
		Type: bus.KindCanceled, TaskID: row.ID, TS: time.Now().UnixNano(),
	})
	logger.Info("inference canceled")
}
