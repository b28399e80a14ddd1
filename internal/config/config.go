// Package config provides unified configuration for all shadowqmc binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode represents the service mode to run.
type Mode string

const (
	ModeAll    Mode = "all"
	ModeServe  Mode = "serve"
	ModeWorker Mode = "worker"
	ModeReduce Mode = "reduce"
)

// Config holds the unified configuration for all shadowqmc services.
type Config struct {
	// Mode specifies which role to run: all, serve, worker, reduce
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc"`

	// Barrier configuration
	Barrier BarrierConfig `json:"barrier" yaml:"barrier"`

	// Worker (shard producer) configuration
	Worker WorkerConfig `json:"worker" yaml:"worker"`

	// Shadow collection configuration
	Shadow ShadowConfig `json:"shadow" yaml:"shadow"`

	// Reduce sweep configuration
	Reduce ReduceConfig `json:"reduce" yaml:"reduce"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr serves /health and /metrics
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr"`

	// Enabled controls whether gRPC is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// BarrierConfig holds shard barrier configuration.
type BarrierConfig struct {
	PollInterval     time.Duration `json:"poll_interval" yaml:"poll_interval"`
	MaxPollInterval  time.Duration `json:"max_poll_interval" yaml:"max_poll_interval"`
	MaxAttempts      int           `json:"max_attempts" yaml:"max_attempts"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout"`
	FetchConcurrency int           `json:"fetch_concurrency" yaml:"fetch_concurrency"`
}

// WorkerConfig describes one shard job. The batch fleet fills most of it
// from its own environment variables.
type WorkerConfig struct {
	// JobID is the job the shard belongs to
	JobID string `json:"job_id" yaml:"job_id"`

	// ArrayIndex is this worker's shard index; -1 when unset
	ArrayIndex int `json:"array_index" yaml:"array_index"`

	// ArraySize is the number of shards K of the job
	ArraySize int `json:"array_size" yaml:"array_size"`

	// EntryPoint selects the propagator: run_classical_afqmc, run_qc_afqmc
	EntryPoint string `json:"entry_point" yaml:"entry_point"`

	TimeSteps   int     `json:"time_steps" yaml:"time_steps"`
	StepSize    float64 `json:"dtau" yaml:"dtau"`
	Walkers     int     `json:"walkers" yaml:"walkers"`
	Seed        uint64  `json:"seed" yaml:"seed"`
	TrialState  string  `json:"trial_state" yaml:"trial_state"`
	Hamiltonian string  `json:"hamiltonian" yaml:"hamiltonian"`

	// InputKey is the shadow bundle key for run_qc_afqmc
	InputKey string `json:"input_key" yaml:"input_key"`

	// Command is the external propagation program; empty uses the
	// built-in synthetic propagator
	Command string   `json:"command" yaml:"command"`
	Args    []string `json:"args" yaml:"args"`

	// LocalConcurrency bounds parallel shards of an in-process run
	LocalConcurrency int `json:"local_concurrency" yaml:"local_concurrency"`
}

// ShadowConfig holds classical-shadow collection configuration.
type ShadowConfig struct {
	Qubits      int `json:"qubits" yaml:"qubits"`
	Shots       int `json:"shots" yaml:"shots"`
	Size        int `json:"size" yaml:"size"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// ReduceConfig holds configuration of the background reduce sweep.
type ReduceConfig struct {
	// SweepInterval is how often pending jobs are checked
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`

	// RetentionDays is how long reduced jobs stay in the catalog
	RetentionDays int `json:"retention_days" yaml:"retention_days"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (MinIO, LocalStack)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeAll,
		DataDir: "./data/shadowqmc",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Barrier: BarrierConfig{
			PollInterval:     2 * time.Second,
			MaxPollInterval:  30 * time.Second,
			MaxAttempts:      60,
			Timeout:          30 * time.Minute,
			FetchConcurrency: 16,
		},
		Worker: WorkerConfig{
			ArrayIndex: -1,
			EntryPoint: "run_classical_afqmc",
			TimeSteps:  100,
			StepSize:   0.005,

			LocalConcurrency: 4,
		},
		Shadow: ShadowConfig{
			Qubits:      4,
			Shots:       100,
			Size:        50,
			Concurrency: 4,
		},
		Reduce: ReduceConfig{
			SweepInterval: time.Minute,
			RetentionDays: 7,
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/shadowqmc"
	}

	// Resolve storage path
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// ManifestPath returns the path to the catalog database.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.DataDir, "manifest.db")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeAll, ModeServe, ModeWorker, ModeReduce:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be all, serve, worker, or reduce)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Barrier.PollInterval <= 0 {
		return fmt.Errorf("barrier.poll_interval must be positive, got %s", c.Barrier.PollInterval)
	}
	if c.Barrier.MaxAttempts < 0 {
		return fmt.Errorf("barrier.max_attempts must not be negative, got %d", c.Barrier.MaxAttempts)
	}
	if c.Barrier.Timeout < 0 {
		return fmt.Errorf("barrier.timeout must not be negative, got %s", c.Barrier.Timeout)
	}
	if c.Barrier.MaxAttempts == 0 && c.Barrier.Timeout == 0 {
		return fmt.Errorf("barrier needs max_attempts or timeout to bound the wait")
	}
	if c.Barrier.FetchConcurrency < 1 {
		return fmt.Errorf("barrier.fetch_concurrency must be at least 1, got %d", c.Barrier.FetchConcurrency)
	}

	if c.Worker.LocalConcurrency < 1 {
		return fmt.Errorf("worker.local_concurrency must be at least 1, got %d", c.Worker.LocalConcurrency)
	}

	if c.Mode == ModeWorker {
		if c.Worker.JobID == "" {
			return fmt.Errorf("worker.job_id is required in worker mode")
		}
		if c.Worker.ArrayIndex < 0 {
			return fmt.Errorf("worker.array_index is required in worker mode")
		}
		if c.Worker.TimeSteps <= 0 || c.Worker.StepSize <= 0 {
			return fmt.Errorf("worker.time_steps and worker.dtau must be positive")
		}
	}

	if c.Shadow.Qubits < 1 {
		return fmt.Errorf("shadow.qubits must be at least 1, got %d", c.Shadow.Qubits)
	}

	return nil
}

// ShouldServe returns true if the gRPC/HTTP services should run.
func (c *Config) ShouldServe() bool {
	return c.Mode == ModeAll || c.Mode == ModeServe
}

// ShouldSweep returns true if the background reduce sweep should run.
func (c *Config) ShouldSweep() bool {
	return c.Mode == ModeAll || c.Mode == ModeReduce
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SHADOWQMC_ prefix. The batch-fleet
// variables (AWS_BATCH_*, JOB_*) are applied first so explicit
// SHADOWQMC_ settings win.
func LoadFromEnv(cfg *Config) {
	loadBatchEnv(cfg)

	if v := os.Getenv("SHADOWQMC_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SHADOWQMC_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Server configuration
	if v := os.Getenv("SHADOWQMC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SHADOWQMC_GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}
	if v := os.Getenv("SHADOWQMC_GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = v == "true" || v == "1"
	}

	// Barrier configuration
	if v := os.Getenv("SHADOWQMC_BARRIER_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Barrier.PollInterval = d
		}
	}
	if v := os.Getenv("SHADOWQMC_BARRIER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Barrier.Timeout = d
		}
	}
	if v := os.Getenv("SHADOWQMC_BARRIER_MAX_ATTEMPTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Barrier.MaxAttempts)
	}
	if v := os.Getenv("SHADOWQMC_BARRIER_FETCH_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Barrier.FetchConcurrency)
	}

	// Worker configuration
	if v := os.Getenv("SHADOWQMC_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("SHADOWQMC_WORKER_WALKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.Walkers)
	}
	if v := os.Getenv("SHADOWQMC_WORKER_SEED"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.Seed)
	}
	if v := os.Getenv("SHADOWQMC_WORKER_LOCAL_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.LocalConcurrency)
	}

	// Storage configuration
	if v := os.Getenv("SHADOWQMC_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SHADOWQMC_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SHADOWQMC_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SHADOWQMC_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SHADOWQMC_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// loadBatchEnv applies the variables set by the batch fleet on each array
// child. AWS_BATCH_JOB_ID of a child is "<parent>:<index>"; the parent id
// names the job.
func loadBatchEnv(cfg *Config) {
	if v := os.Getenv("AWS_BATCH_JOB_ID"); v != "" {
		parent, idx, found := strings.Cut(v, ":")
		cfg.Worker.JobID = parent
		if found {
			if n, err := strconv.Atoi(idx); err == nil {
				cfg.Worker.ArrayIndex = n
			}
		}
	}
	if v := os.Getenv("AWS_BATCH_JOB_ARRAY_INDEX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Worker.ArrayIndex = n
		}
	}
	if v := os.Getenv("BATCH_JOB_ARRAY_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.ArraySize)
	}
	if v := os.Getenv("JOB_S3_BUCKET_NAME"); v != "" {
		cfg.Storage.Type = "s3"
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("JOB_ENTRY_POINT"); v != "" {
		cfg.Worker.EntryPoint = v
	}
	if v := os.Getenv("JOB_TIME_STEPS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Worker.TimeSteps)
	}
	if v := os.Getenv("JOB_DTAU"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Worker.StepSize = f
		}
	}
	if v := os.Getenv("JOB_INPUT_FILE_KEY"); v != "" {
		cfg.Worker.InputKey = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
