// Package priority implements the single fixed priority policy: base
// corridors per submission source, priority inheritance for child
// submissions, and the anti-starvation aging loop. This is the policy
// fixed per the design notes' open question — the constants below are
// the only ones this program honors.
package priority

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/goclawd/internal/config"
	"github.com/basket/goclawd/internal/store"
)

// Source corridors — a submission's source string picks its base
// priority band.
const (
	SourceChat     = "chat"
	SourceManual   = "manual_run"
	SourceInternal = "internal_node"
	SourceTrigger  = "trigger"
)

// Policy holds the configured corridor and aging constants.
type Policy struct {
	corridors map[string]int

	agingInterval  time.Duration
	agingThreshold time.Duration
	agingBoost     int
	agingCap       int
}

// New builds a Policy from configuration.
func New(cfg config.PriorityConfig) *Policy {
	return &Policy{
		corridors: map[string]int{
			SourceChat:     cfg.CorridorChat,
			SourceManual:   cfg.CorridorManual,
			SourceInternal: cfg.CorridorInternal,
			SourceTrigger:  cfg.CorridorTrigger,
		},
		agingInterval:  time.Duration(cfg.AgingIntervalSec) * time.Second,
		agingThreshold: time.Duration(cfg.AgingThresholdSec) * time.Second,
		agingBoost:     cfg.AgingBoost,
		agingCap:       cfg.AgingCap,
	}
}

// Corridor returns the base priority for source, defaulting to the
// trigger corridor (the lowest) for any unrecognized source — an
// unrecognized submission source should never queue-jump.
func (p *Policy) Corridor(source string) int {
	if v, ok := p.corridors[source]; ok {
		return v
	}
	return p.corridors[SourceTrigger]
}

// Assign returns max(corridor(source), parentEffective) — priority
// inheritance, the only mechanism that lifts a value above its
// corridor at submission time.
func (p *Policy) Assign(source string, parentEffective int) int {
	base := p.Corridor(source)
	if parentEffective > base {
		return parentEffective
	}
	return base
}

// RunAgingLoop runs forever until ctx is canceled, boosting stale
// PENDING rows every aging-interval. Errors are logged and swallowed:
// this loop must never crash the process.
func (p *Policy) RunAgingLoop(ctx context.Context, st *store.Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	interval := p.agingInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.AgeQueuedPriorities(ctx, p.agingThreshold, p.agingBoost, p.agingCap, time.Now()); err != nil {
				logger.Error("aging tick failed", "error", err)
			}
		}
	}
}
