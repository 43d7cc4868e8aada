// Package gpuadmission implements C11, an optional admission control
// layer that tracks free VRAM per device and picks a target device for
// a model load before it happens. Deployments without a GPU config
// section run with admission disabled; nothing refuses to run without it.
package gpuadmission

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/goclawd/internal/coerr"
	"github.com/basket/goclawd/internal/config"
)

// device is the mutable tracking state for one configured GPU.
type device struct {
	config.GPUDevice
	freeMB int64
	usedMB int64
}

// Prober reports the current free/used memory (in MB) for a device id.
// The default probe used in production is left to the caller; the
// package ships no vendor-specific probing of its own.
type Prober func(deviceID string) (freeMB, usedMB int64, err error)

// Monitor periodically refreshes free-memory figures for a fixed set of
// devices and answers FindSuitable queries against the latest snapshot,
// matching the polling-with-cache shape of the source GPU manager this
// is grounded on.
type Monitor struct {
	logger *slog.Logger
	strict bool
	poll   time.Duration
	probe  Prober

	mu      sync.RWMutex
	devices map[string]*device
	order   []string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Monitor from cfg. probe may be nil, in which case every
// device reports its configured max as fully free (useful for strict=false
// deployments that only want the allow-list filtering, not real telemetry).
func New(cfg config.GPUConfig, probe Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	m := &Monitor{
		logger:  logger,
		strict:  cfg.Strict,
		poll:    poll,
		probe:   probe,
		devices: make(map[string]*device, len(cfg.Devices)),
	}
	for _, d := range cfg.Devices {
		m.devices[d.ID] = &device{GPUDevice: d, freeMB: d.MaxMemoryMB, usedMB: 0}
		m.order = append(m.order, d.ID)
	}
	return m
}

// Start launches the background polling loop. A zero-value Monitor (no
// devices configured) starts a no-op loop so Stop is always safe to call.
func (m *Monitor) Start(ctx context.Context) {
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(ctx)
}

// Stop halts the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	if m.stopCh == nil {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	if m.probe == nil || len(m.devices) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, d := range m.devices {
		free, used, err := m.probe(id)
		if err != nil {
			m.logger.Warn("gpu probe failed", "device", id, "error", err)
			continue
		}
		d.freeMB = free
		d.usedMB = used
	}
}

// FindSuitable returns the id of the device with the most usable free
// memory that can fit requiredMB for modelID, honoring each device's
// allow-list and utilization cap. ok is false when no device qualifies,
// which callers in strict mode should treat as a hard admission failure.
func (m *Monitor) FindSuitable(requiredMB int64, modelID string) (deviceID string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.devices) == 0 {
		return "", false
	}

	type candidate struct {
		id     string
		usable int64
	}
	var candidates []candidate
	for _, id := range m.order {
		d := m.devices[id]
		if len(d.AllowModels) > 0 && !contains(d.AllowModels, modelID) {
			continue
		}
		cap := d.UtilizationCap
		if cap <= 0 {
			cap = 0.9
		}
		usableCeiling := int64(float64(d.MaxMemoryMB) * cap)
		free := d.freeMB
		if rem := usableCeiling - d.usedMB; rem < free {
			free = rem
		}
		if free >= requiredMB {
			candidates = append(candidates, candidate{id: id, usable: free})
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].usable > candidates[j].usable })
	return candidates[0].id, true
}

// Admit resolves a device for modelID, returning a VRAMExhaustedError in
// strict mode when none is found. In non-strict mode, a failed lookup
// returns an empty device id and a nil error, leaving placement to the
// caller's default behavior (e.g. CPU fallback or unconstrained load).
func (m *Monitor) Admit(requiredMB int64, modelID string) (string, error) {
	deviceID, ok := m.FindSuitable(requiredMB, modelID)
	if ok {
		return deviceID, nil
	}
	if m.strict {
		return "", &coerr.VRAMExhaustedError{ModelID: modelID, RequiredMB: requiredMB, DeviceTried: m.order}
	}
	return "", nil
}

// Metrics returns a snapshot of used/free/max MB per device, for
// reporting over the gateway's status surface.
func (m *Monitor) Metrics() map[string]struct{ UsedMB, FreeMB, MaxMB int64 } {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]struct{ UsedMB, FreeMB, MaxMB int64 }, len(m.devices))
	for id, d := range m.devices {
		out[id] = struct{ UsedMB, FreeMB, MaxMB int64 }{UsedMB: d.usedMB, FreeMB: d.freeMB, MaxMB: d.MaxMemoryMB}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
