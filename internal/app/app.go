// Package app provides the unified application lifecycle for shadowqmc.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	grpcapi "github.com/shadowqmc/shadowqmc/internal/api/grpc"
	httpapi "github.com/shadowqmc/shadowqmc/internal/api/http"
	"github.com/shadowqmc/shadowqmc/internal/barrier"
	"github.com/shadowqmc/shadowqmc/internal/config"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/notify"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/server"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/internal/sweep"
)

// statsWindow is how long an idle job stays in the in-memory progress table.
const statsWindow = 24 * time.Hour

// notifyBuffer is the per-subscriber event buffer of the shard bus.
const notifyBuffer = 64

// OpenStorage creates the object storage named by cfg.
func OpenStorage(ctx context.Context, cfg config.StorageConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if cfg.S3.Region != "" {
			s3Cfg.Region = cfg.S3.Region
		}
		s3Cfg.Endpoint = cfg.S3.Endpoint
		s3Cfg.UsePathStyle = cfg.S3.UsePathStyle
		return storage.NewS3Storage(ctx, cfg.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// Resources are the components shared by every role.
type Resources struct {
	Storage  storage.ObjectStorage
	Store    *shard.Store
	Catalog  *manifest.SQLiteCatalog
	Stats    *observability.JobStats
	Barrier  *barrier.Barrier
	Pipeline *pipeline.Pipeline
	Bus      *notify.Bus
}

// Open builds storage, shard store, catalog, barrier and pipeline from cfg.
// withCatalog=false skips the SQLite catalog; batch workers that only write
// to object storage do not need one.
func Open(ctx context.Context, cfg *config.Config, withCatalog bool) (*Resources, error) {
	objects, err := OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Storage initialized: type=%s", cfg.Storage.Type)
	if cfg.Storage.Type == "s3" {
		log.Printf("S3 Config: Bucket=%s, Region=%s, Endpoint=%s",
			cfg.Storage.S3.Bucket, cfg.Storage.S3.Region, cfg.Storage.S3.Endpoint)
	}

	r := &Resources{
		Storage: objects,
		Store:   shard.NewStore(objects, cfg.Barrier.FetchConcurrency),
		Stats:   observability.NewJobStats(statsWindow),
		Bus:     notify.NewBus(notifyBuffer),
	}

	var catalog manifest.Catalog
	if withCatalog {
		r.Catalog, err = manifest.NewCatalog(cfg.ManifestPath())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize manifest catalog: %w", err)
		}
		catalog = r.Catalog
		log.Printf("Manifest catalog initialized: %s", cfg.ManifestPath())
	}

	r.Barrier = barrier.New(barrier.Config{
		PollInterval:    cfg.Barrier.PollInterval,
		MaxPollInterval: cfg.Barrier.MaxPollInterval,
		MaxAttempts:     cfg.Barrier.MaxAttempts,
		Timeout:         cfg.Barrier.Timeout,
	}, r.Store, r.Stats).WithNotifications(r.Bus)
	r.Pipeline = pipeline.New(r.Store, catalog, r.Barrier, r.Stats).WithNotifications(r.Bus)
	return r, nil
}

// Close releases the catalog.
func (r *Resources) Close() error {
	if r.Catalog != nil {
		return r.Catalog.Close()
	}
	return nil
}

// App manages the server lifecycle: HTTP and gRPC surfaces plus the
// background reduce sweep.
type App struct {
	cfg *config.Config

	resources *Resources
	shutdown  *server.ShutdownManager

	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	sweepDaemon  *sweep.Daemon

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Start opens shared resources and starts the services the mode selects.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	var err error
	a.resources, err = Open(ctx, a.cfg, true)
	if err != nil {
		cancel()
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
		return fmt.Errorf("failed to initialize shared resources: %w", err)
	}
	a.shutdown.RegisterCloser("catalog", a.resources)

	if a.cfg.ShouldServe() {
		if err := a.startHTTP(); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		if a.cfg.GRPC.Enabled {
			if err := a.startGRPC(); err != nil {
				a.Stop(context.Background())
				return fmt.Errorf("failed to start gRPC server: %w", err)
			}
		}
	}

	if a.cfg.ShouldSweep() {
		if err := a.startSweep(ctx); err != nil {
			a.Stop(context.Background())
			return fmt.Errorf("failed to start reduce sweep: %w", err)
		}
	}

	log.Printf("shadowqmc started in %s mode", a.cfg.Mode)
	return nil
}

func (a *App) startHTTP() error {
	handler := httpapi.NewJobsHandler(a.resources.Pipeline, a.resources.Stats).Routes()

	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	a.httpListener = lis
	a.httpServer = &http.Server{
		Handler:      a.shutdown.HTTPMiddleware(handler),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.shutdown.RegisterCloser("http", a.shutdown.HTTPCloser(a.httpServer))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("HTTP server listening on %s", lis.Addr())
		if err := a.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	a.grpcListener = lis
	a.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcapi.LoggingInterceptor,
		a.shutdown.UnaryInterceptor,
	))
	grpcapi.RegisterReductionServiceServer(a.grpcServer, grpcapi.NewReductionServer(a.resources.Pipeline))

	a.shutdown.RegisterCloser("grpc", a.shutdown.GRPCCloser(a.grpcServer))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC server listening on %s", lis.Addr())
		if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startSweep(ctx context.Context) error {
	sweepCfg := sweep.Config{
		Interval:  a.cfg.Reduce.SweepInterval,
		Retention: time.Duration(a.cfg.Reduce.RetentionDays) * 24 * time.Hour,
	}
	a.sweepDaemon = sweep.NewDaemon(sweepCfg, a.resources.Pipeline, a.resources.Catalog,
		a.resources.Stats, a.shutdown)
	if err := a.sweepDaemon.Start(ctx); err != nil {
		return err
	}
	a.shutdown.RegisterCloser("sweep", a.sweepDaemon)
	log.Printf("Reduce sweep started: interval=%s, retention=%d days",
		sweepCfg.Interval, a.cfg.Reduce.RetentionDays)
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is not serving.
func (a *App) HTTPAddr() string {
	if a.httpListener == nil {
		return ""
	}
	return a.httpListener.Addr().String()
}

// GRPCAddr returns the bound gRPC address, or "" when gRPC is not serving.
func (a *App) GRPCAddr() string {
	if a.grpcListener == nil {
		return ""
	}
	return a.grpcListener.Addr().String()
}

// Pipeline returns the shared pipeline; nil before Start.
func (a *App) Pipeline() *pipeline.Pipeline {
	if a.resources == nil {
		return nil
	}
	return a.resources.Pipeline
}

// Stop gracefully stops all services and releases resources.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(server.DefaultShutdownConfig().ShutdownTimeout):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("shadowqmc stopped")
	return err
}

// WaitForShutdown blocks until a shutdown signal is received, then stops.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	return a.Stop(context.Background())
}
