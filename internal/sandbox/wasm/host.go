// Package wasm sandboxes node implementations compiled to WebAssembly,
// so a node type can run untrusted or third-party logic without
// sharing the host process's memory space.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
)

// Fault reason codes for a WASM node invocation.
const (
	FaultModuleNotFound = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultExecError       = "WASM_FAULT"
)

// Fault is a structured error from a WASM module invocation.
type Fault struct {
	Reason string
	Module string
	Detail string
}

func (e *Fault) Error() string {
	return fmt.Sprintf("%s: module=%s: %s", e.Reason, e.Module, e.Detail)
}

// DefaultMemoryLimitPages is 160 pages = 10MB (each page is 64KB).
const DefaultMemoryLimitPages = 160

// DefaultInvokeTimeout is the wall-clock limit for a single invocation.
const DefaultInvokeTimeout = 30 * time.Second

// Config configures a Host.
type Config struct {
	Logger           *slog.Logger
	MemoryLimitPages uint32
	InvokeTimeout    time.Duration
}

// Host owns the wazero runtime and the set of compiled/instantiated
// modules available to be invoked as node implementations.
type Host struct {
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration

	modulesMu sync.Mutex
	modules   map[string]api.Module
}

// NewHost builds a Host with a host module exposing host.log to guest
// modules; no other host function is exported.
func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		logger:        cfg.Logger,
		runtime:       wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout: invokeTimeout,
		modules:       map[string]api.Module{},
	}

	builder := h.runtime.NewHostModuleBuilder("host")
	builder.NewFunctionBuilder().WithFunc(h.hostLog).Export("host.log")
	if _, err := builder.Instantiate(ctx); err != nil {
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

// Close releases every loaded module and the runtime itself.
func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, module := range h.modules {
		_ = module.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

// LoadModuleFromBytes compiles and instantiates a WASM module under
// name, replacing any previous instance registered under that name.
func (h *Host) LoadModuleFromBytes(ctx context.Context, name string, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm module %s: %w", name, err)
	}

	h.modulesMu.Lock()
	if old, ok := h.modules[name]; ok {
		_ = old.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()

	module, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return fmt.Errorf("instantiate wasm module %s: %w", name, err)
	}

	h.modulesMu.Lock()
	h.modules[name] = module
	h.modulesMu.Unlock()

	h.logger.Info("wasm module loaded", "module", name)
	return nil
}

// HasModule reports whether name has been loaded.
func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// Invoke calls the guest's "run" export (falling back to "main") with
// no arguments and returns its first result as an i32 (0 when the export
// returns nothing). No input is passed into guest memory.
func (h *Host) Invoke(ctx context.Context, moduleName string) (int32, error) {
	h.modulesMu.Lock()
	module, ok := h.modules[moduleName]
	h.modulesMu.Unlock()
	if !ok {
		return 0, &Fault{Reason: FaultModuleNotFound, Module: moduleName, Detail: "module not loaded"}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()

	for _, fnName := range []string{"run", "main"} {
		fn := module.ExportedFunction(fnName)
		if fn == nil {
			continue
		}
		results, err := fn.Call(invokeCtx)
		if err != nil {
			return 0, classifyFault(moduleName, err)
		}
		if len(results) == 0 {
			return 0, nil
		}
		return int32(results[0]), nil
	}
	return 0, &Fault{Reason: FaultNoExport, Module: moduleName, Detail: "no callable run/main export found"}
}

func classifyFault(moduleName string, err error) *Fault {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &Fault{Reason: FaultTimeout, Module: moduleName, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &Fault{Reason: FaultMemoryExceeded, Module: moduleName, Detail: msg}
	}
	return &Fault{Reason: FaultExecError, Module: moduleName, Detail: msg}
}

func (h *Host) hostLog(_ context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("host.log: failed to read message from wasm memory")
		return
	}
	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("wasm guest log", "msg", msg)
	case "warn":
		h.logger.Warn("wasm guest log", "msg", msg)
	case "debug":
		h.logger.Debug("wasm guest log", "msg", msg)
	default:
		h.logger.Info("wasm guest log", "msg", msg)
	}
}

func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	data, ok := module.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}
