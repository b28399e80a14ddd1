// Package main implements the shadowqmc batch worker. Each array child of a
// job runs it once to produce its shard; it can also collect the job's
// classical shadow, or run every shard of a small job in-process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shadowqmc/shadowqmc/internal/app"
	"github.com/shadowqmc/shadowqmc/internal/config"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/producer"
	"github.com/shadowqmc/shadowqmc/internal/worker"
)

func main() {
	var (
		configFile    string
		envFile       string
		jobID         string
		collectShadow bool
		local         int
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the environment is read")
	flag.StringVar(&jobID, "job", "", "Job id (default: parent of AWS_BATCH_JOB_ID)")
	flag.BoolVar(&collectShadow, "collect-shadow", false, "Collect the job's classical shadow instead of producing a shard")
	flag.IntVar(&local, "local", 0, "Run all N shards in-process and reduce them")
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
	if jobID != "" {
		cfg.Worker.JobID = jobID
	}
	if local > 0 && cfg.Worker.JobID == "" {
		cfg.Worker.JobID = pipeline.NewJobID()
	}
	if local == 0 && !collectShadow {
		cfg.Mode = config.ModeWorker
	}
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Failed to create directories: %v", err)
	}

	if err := run(cfg, collectShadow, local); err != nil {
		log.Fatalf("%v", err)
	}
}

// run executes the selected worker mode. Deferred cleanup finishes before
// main reports the error and exits.
func run(cfg *config.Config, collectShadow bool, local int) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	res, err := app.Open(ctx, cfg, false)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer res.Close()

	w := worker.New(res.Pipeline, res.Storage, worker.NewRegistry(cfg.Worker))

	switch {
	case collectShadow:
		if _, err := w.CollectShadow(ctx, cfg.Worker.JobID, cfg.Shadow, cfg.Worker.Seed); err != nil {
			return fmt.Errorf("shadow collection failed: %w", err)
		}

	case local > 0:
		p, err := worker.NewRegistry(cfg.Worker).Get(cfg.Worker.EntryPoint)
		if err != nil {
			return err
		}
		result, diag, err := res.Pipeline.RunLocal(ctx, producer.New(p), cfg.Worker.JobID, local,
			worker.PropagationConfig(cfg.Worker, 0), cfg.Worker.LocalConcurrency)
		if err != nil {
			return fmt.Errorf("local run failed: %w", err)
		}
		printJSON(map[string]interface{}{
			"job_id":      cfg.Worker.JobID,
			"energies":    result.Energies,
			"diagnostics": diag,
		})

	default:
		rec, err := w.RunShard(ctx, cfg.Worker)
		if errors.Is(err, qerrors.ErrDuplicateShard) {
			// A retried child whose first attempt already landed.
			log.Printf("Shard %d of job %s already stored", cfg.Worker.ArrayIndex, cfg.Worker.JobID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("shard failed: %w", err)
		}
		log.Printf("Shard %d of job %s stored: %d positions", rec.Index, rec.JobID, rec.Len())
	}
	return nil
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}
