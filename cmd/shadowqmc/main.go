// Package main implements the shadowqmc server binary.
// It serves the HTTP and gRPC reduction surfaces and runs the background
// reduce sweep, or only one of them based on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/shadowqmc/shadowqmc/internal/app"
	"github.com/shadowqmc/shadowqmc/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		mode        string
		httpAddr    string
		grpcAddr    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Optional .env file loaded before the environment is read")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "", "Service mode: all, serve, reduce")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP address for the JSON API, /health and /metrics")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC server address")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "shadowqmc - shard reduction server for quantum-shadow AFQMC jobs\n\n")
		fmt.Fprintf(os.Stderr, "Usage: shadowqmc [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SHADOWQMC_MODE           Service mode (all, serve, reduce)\n")
		fmt.Fprintf(os.Stderr, "  SHADOWQMC_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SHADOWQMC_HTTP_ADDR      HTTP address\n")
		fmt.Fprintf(os.Stderr, "  SHADOWQMC_GRPC_ADDR      gRPC server address\n")
		fmt.Fprintf(os.Stderr, "  SHADOWQMC_STORAGE_TYPE   Storage type (local, s3)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("shadowqmc version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: failed to load %s: %v", envFile, err)
	}

	cfg, err := loadConfig(configFile, dataDir, mode, httpAddr, grpcAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Mode == config.ModeWorker {
		log.Fatalf("worker mode is served by shadowqmc-worker")
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	if err := application.WaitForShutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, mode, httpAddr, grpcAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags have the highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if mode != "" {
		cfg.Mode = config.Mode(mode)
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	return cfg, nil
}

func printBanner(cfg *config.Config) {
	log.Printf("shadowqmc %s", version)
	log.Printf("  Mode:     %s", cfg.Mode)
	log.Printf("  Data Dir: %s", cfg.DataDir)
	log.Printf("  Storage:  %s", cfg.Storage.Type)
	if cfg.ShouldServe() {
		log.Printf("  HTTP:     %s", cfg.HTTP.Addr)
		if cfg.GRPC.Enabled {
			log.Printf("  gRPC:     %s", cfg.GRPC.Addr)
		}
	}
	if cfg.ShouldSweep() {
		log.Printf("  Sweep:    every %v, retention %d days", cfg.Reduce.SweepInterval, cfg.Reduce.RetentionDays)
	}
}
