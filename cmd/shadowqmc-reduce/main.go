// Package main implements the shadowqmc reduce job. It waits for every
// shard of a job to land, reduces them and writes the aggregate.
//
// Exit codes: 0 on success, 2 when a later attempt may succeed (missing
// shards, transient storage errors), 1 otherwise.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shadowqmc/shadowqmc/internal/app"
	"github.com/shadowqmc/shadowqmc/internal/config"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
)

const (
	exitTerminal  = 1
	exitRetryable = 2
)

func main() {
	var (
		configFile string
		envFile    string
		jobID      string
		shards     int
		useCatalog bool
		reconcile  bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the environment is read")
	flag.StringVar(&jobID, "job", "", "Job id (default: parent of AWS_BATCH_JOB_ID)")
	flag.IntVar(&shards, "shards", 0, "Expected shard count K (default: BATCH_JOB_ARRAY_SIZE or the catalog)")
	flag.BoolVar(&useCatalog, "catalog", false, "Use the SQLite catalog under data_dir")
	flag.BoolVar(&reconcile, "reconcile", false, "Compare catalog and storage for the job, then exit")
	flag.Parse()

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load %s: %v", envFile, err)
	}

	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load configuration: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	cfg.Mode = config.ModeReduce
	if jobID == "" {
		jobID = cfg.Worker.JobID
	}
	if shards == 0 {
		shards = cfg.Worker.ArraySize
	}
	if reconcile {
		useCatalog = true
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	os.Exit(run(cfg, jobID, shards, useCatalog, reconcile))
}

// run performs the reduction or reconciliation and returns the exit code.
// Deferred cleanup finishes before main exits.
func run(cfg *config.Config, jobID string, shards int, useCatalog, reconcile bool) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	res, err := app.Open(ctx, cfg, useCatalog)
	if err != nil {
		log.Printf("Failed to initialize: %v", err)
		return exitTerminal
	}
	defer res.Close()

	if reconcile {
		report, err := manifest.Reconcile(ctx, res.Catalog, res.Storage, jobID)
		if err != nil {
			log.Printf("Reconcile failed: %v", err)
			return exitTerminal
		}
		printJSON(report)
		if report.HasIssues() {
			return exitTerminal
		}
		return 0
	}

	result, diag, err := res.Pipeline.Reduce(ctx, jobID, shards)
	if err != nil {
		log.Printf("Reduction of job %s failed: %v", jobID, err)
		if pipeline.IsTerminal(err) {
			return exitTerminal
		}
		return exitRetryable
	}

	printJSON(map[string]interface{}{
		"job_id":      jobID,
		"energies":    result.Energies,
		"diagnostics": diag,
	})
	return 0
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("encode output: %v", err)
	}
}
