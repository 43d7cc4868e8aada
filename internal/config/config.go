// Package config loads this program's YAML configuration and applies
// environment-variable overrides, following the same layering the rest
// of the ecosystem uses for local daemons.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PriorityConfig mirrors the corridor table and aging constants so a
// deployment can retune them without a rebuild.
type PriorityConfig struct {
	CorridorChat     int `yaml:"corridor_chat"`
	CorridorManual   int `yaml:"corridor_manual_run"`
	CorridorInternal int `yaml:"corridor_internal_node"`
	CorridorTrigger  int `yaml:"corridor_trigger"`

	AgingIntervalSec  int `yaml:"aging_interval_sec"`
	AgingThresholdSec int `yaml:"aging_threshold_sec"`
	AgingBoost        int `yaml:"aging_boost"`
	AgingCap          int `yaml:"aging_cap"`
}

// WorkerConfig configures one pool of leased-pop workers.
type WorkerConfig struct {
	Count        int           `yaml:"count"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// GPUDevice describes one admission-controlled device.
type GPUDevice struct {
	ID              string   `yaml:"id"`
	MaxMemoryMB     int64    `yaml:"max_memory_mb"`
	UtilizationCap  float64  `yaml:"utilization_cap"`
	AllowModels     []string `yaml:"allow_models"`
}

// GPUConfig configures C11 GPU Admission. Admission is skipped entirely
// when Enabled is false (it is optional per deployment).
type GPUConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Strict       bool          `yaml:"strict"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Devices      []GPUDevice   `yaml:"devices"`
}

// ArtifactConfig configures C6 Artifact Store.
type ArtifactConfig struct {
	BaseDir      string `yaml:"base_dir"`
	ThresholdKB  int    `yaml:"threshold_kb"`
}

// ModelRunnerConfig configures the default Model Runner implementation.
type ModelRunnerConfig struct {
	Kind    string `yaml:"kind"` // "ollama" or "mock"
	BaseURL string `yaml:"base_url"`
}

// GatewayConfig configures the thin HTTP/WS transport.
type GatewayConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the top-level daemon configuration.
type Config struct {
	StorePath string `yaml:"store_path"`

	Priority     PriorityConfig    `yaml:"priority"`
	AgentWorker  WorkerConfig      `yaml:"agent_worker"`
	InferWorker  WorkerConfig      `yaml:"inference_worker"`
	Artifact     ArtifactConfig    `yaml:"artifact"`
	ModelRunner  ModelRunnerConfig `yaml:"model_runner"`
	GPU          GPUConfig         `yaml:"gpu"`
	Gateway      GatewayConfig     `yaml:"gateway"`
}

// Default returns the baseline configuration, matching every default
// named in the component design.
func Default() Config {
	return Config{
		StorePath: "goclawd.db",
		Priority: PriorityConfig{
			CorridorChat:      90,
			CorridorManual:    70,
			CorridorInternal:  50,
			CorridorTrigger:   30,
			AgingIntervalSec:  60,
			AgingThresholdSec: 300,
			AgingBoost:        10,
			AgingCap:          65,
		},
		AgentWorker: WorkerConfig{
			Count:        2,
			LeaseTTL:     600 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		InferWorker: WorkerConfig{
			Count:        1,
			LeaseTTL:     300 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Artifact: ArtifactConfig{
			BaseDir:     "artifacts",
			ThresholdKB: 5,
		},
		ModelRunner: ModelRunnerConfig{
			Kind:    "mock",
			BaseURL: "http://localhost:11434/v1",
		},
		GPU: GPUConfig{
			Enabled:      false,
			Strict:       false,
			PollInterval: 5 * time.Second,
		},
		Gateway: GatewayConfig{
			Addr: ":8088",
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies a handful of environment overrides for the settings most
// likely to be pinned per-deployment rather than per-checkout.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOCLAWD_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("GOCLAWD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("GOCLAWD_MODEL_RUNNER_BASE_URL"); v != "" {
		cfg.ModelRunner.BaseURL = v
	}
	if v := os.Getenv("GOCLAWD_AGENT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AgentWorker.Count = n
		}
	}
	if v := os.Getenv("GOCLAWD_INFERENCE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InferWorker.Count = n
		}
	}
}
