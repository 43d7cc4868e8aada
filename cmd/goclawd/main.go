// Command goclawd runs the full daemon: durable store, priority aging
// loop, agent and inference worker pools, the optional cron scheduler
// and GPU admission monitor, and the HTTP/WS gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/basket/goclawd/internal/artifact"
	"github.com/basket/goclawd/internal/bus"
	"github.com/basket/goclawd/internal/config"
	"github.com/basket/goclawd/internal/cron"
	"github.com/basket/goclawd/internal/enqueue"
	"github.com/basket/goclawd/internal/gateway"
	"github.com/basket/goclawd/internal/gpuadmission"
	"github.com/basket/goclawd/internal/graph"
	"github.com/basket/goclawd/internal/modelrunner"
	"github.com/basket/goclawd/internal/policy"
	"github.com/basket/goclawd/internal/priority"
	"github.com/basket/goclawd/internal/sandbox/wasm"
	"github.com/basket/goclawd/internal/store"
	"github.com/basket/goclawd/internal/worker"
)

// Exit codes: 0 clean shutdown, non-zero reserved for fatal startup
// errors (schema migration failure, store corruption, artifact
// directory unwritable).
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStoreError    = 2
	exitArtifactError = 3
)

func main() {
	var configPath string
	var policyPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.StringVar(&policyPath, "policy", "", "path to YAML policy file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(exitConfigError)
	}

	pol, err := policy.Load(policyPath)
	if err != nil {
		logger.Error("failed to load policy", "error", err)
		os.Exit(exitConfigError)
	}

	if err := os.MkdirAll(cfg.Artifact.BaseDir, 0o755); err != nil {
		logger.Error("artifact directory unwritable", "dir", cfg.Artifact.BaseDir, "error", err)
		os.Exit(exitArtifactError)
	}

	st, err := store.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(exitStoreError)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// C4: crash recovery runs once at boot, before any worker polls.
	if err := st.RecoverAtBoot(ctx); err != nil {
		logger.Error("boot recovery failed", "error", err)
		os.Exit(exitStoreError)
	}

	prio := priority.New(cfg.Priority)
	go prio.RunAgingLoop(ctx, st, logger)

	eventBus := bus.New(logger)
	artifacts := artifact.New(cfg.Artifact.BaseDir, cfg.Artifact.ThresholdKB).WithPolicy(policyChecker{pol})

	registry := graph.NewRegistryWithPolicy(policyChecker{pol})
	graph.RegisterBuiltins(registry)

	wasmHost, err := wasm.NewHost(ctx, wasm.Config{Logger: logger})
	if err != nil {
		logger.Error("failed to start wasm host", "error", err)
		os.Exit(exitStoreError)
	}
	defer wasmHost.Close(ctx)
	graph.RegisterWASM(registry, wasmHost)

	executor := graph.New(registry, st, eventBus, artifacts, logger)

	enq := enqueue.New(st, prio)

	var runner modelrunner.Runner
	switch cfg.ModelRunner.Kind {
	case "ollama":
		runner = modelrunner.NewOllama(cfg.ModelRunner.BaseURL, logger)
	default:
		runner = &modelrunner.Mock{}
	}

	// Every executing agent graph is resolved by id; a deployment
	// without a graph source configured can at least run the builtin
	// passthrough agent so the daemon is exercisable out of the box.
	agentGraphs := map[string]*graph.Graph{
		"passthrough": passthroughGraph(),
	}
	resolveGraph := func(agentID string) (*graph.Graph, error) {
		g, ok := agentGraphs[agentID]
		if !ok {
			return nil, fmt.Errorf("unknown agent_id %q", agentID)
		}
		return g, nil
	}

	agentPool := worker.NewAgentPool(st, executor, eventBus, resolveGraph, cfg.AgentWorker, logger)
	inferPool := worker.NewInferencePool(st, runner, eventBus, cfg.InferWorker, logger)

	go agentPool.Run(ctx)
	go inferPool.Run(ctx)

	scheduler := cron.NewScheduler(cron.Config{Store: st, Enqueue: enq, Logger: logger})
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if cfg.GPU.Enabled {
		gpuMonitor := gpuadmission.New(cfg.GPU, nil, logger)
		gpuMonitor.Start(ctx)
		defer gpuMonitor.Stop()
	}

	libVersion, _, _ := sqlite3.Version()
	gw := gateway.New(gateway.Config{
		Store:         st,
		Bus:           eventBus,
		Enqueue:       enq,
		ExecutionsCtl: agentPool,
		InferenceCtl:  inferPool,
		SQLiteVersion: libVersion,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Gateway.Addr,
		Handler: gw.Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.Gateway.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)

	os.Exit(exitOK)
}

// passthroughGraph is the minimal single-node graph always available,
// useful for smoke-testing a fresh deployment before any real agent
// graphs are loaded.
func passthroughGraph() *graph.Graph {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "input_start", Type: graph.EntryNodeType},
			{ID: "echo", Type: "passthrough", InputMap: map[string]string{"value": "var:value"}, OutputMap: map[string]string{"value": "value"}},
		},
		Edges: []graph.Edge{
			{From: "input_start", To: "echo"},
		},
		Variables: []graph.Variable{{Name: "value"}},
	}
	if err := g.Compile(); err != nil {
		panic(err)
	}
	return g
}

type policyChecker struct {
	p policy.Policy
}

func (c policyChecker) AllowNodeType(nodeType string) bool { return c.p.AllowNodeType(nodeType) }
func (c policyChecker) AllowArtifactPath(path string) bool { return c.p.AllowArtifactPath(path) }
