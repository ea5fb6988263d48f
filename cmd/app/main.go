package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"proposal-pipeline/internal/config"
	"proposal-pipeline/internal/domain"
	"proposal-pipeline/internal/domain/model"
	"proposal-pipeline/internal/domain/ports/adapter"
	"proposal-pipeline/internal/domain/ports/repository"
	aiAdapters "proposal-pipeline/internal/infra/adapters/ai"
	"proposal-pipeline/internal/infra/adapters/blob"
	"proposal-pipeline/internal/infra/api"
	"proposal-pipeline/internal/infra/db/memory"
	pg "proposal-pipeline/internal/infra/db/postgres"
	"proposal-pipeline/internal/infra/logging"
	"proposal-pipeline/internal/infra/metrics"
	"proposal-pipeline/internal/infra/queue"
	red "proposal-pipeline/internal/infra/redis"
	"proposal-pipeline/internal/infra/sched"
	"proposal-pipeline/internal/infra/telemetry"
	"proposal-pipeline/internal/infra/worker"
	"proposal-pipeline/internal/pipeline"
	"proposal-pipeline/internal/stages"
	"proposal-pipeline/internal/usecase"
)

// Set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "developer mode: in-memory drivers when backing services are not configured")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("exited with error")
	}
	logger.Info().Msg("shutdown complete")
}

func run(cfg *config.Config, logger *zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	// ---- Redis (optional in dev) ----
	var redisClient *red.Client
	if cfg.Redis.URL != "" {
		redisClient, err = red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisClient.Close()
	}

	// ---- Repositories ----
	var (
		sessions   repository.SessionRepository
		rateSheets repository.RateSheetRepository
	)
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pg.Connect(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := pg.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		go pg.ReportPoolStats(ctx, pool, 15*time.Second)

		sessions = pg.NewSessionRepo(pool)
		rateSheets = pg.NewRateSheetRepo(pool)
		if redisClient != nil {
			rateSheets = pg.NewRateSheetRepoCacheDecorator(rateSheets, redisClient, cfg.Redis.TTL, logger)
		}
	case "memory":
		logger.Warn().Msg("using in-memory repositories; sessions are lost on restart")
		sessions = memory.NewSessionRepo()
		rateSheets = memory.NewRateSheetRepo(model.DefaultRateSheets()...)
	default:
		return fmt.Errorf("unknown database.driver %q", cfg.Database.Driver)
	}

	// ---- Blob stores ----
	var templates, artifacts adapter.BlobStore
	switch cfg.Blob.Driver {
	case "s3":
		s3c, err := blob.NewS3Client(ctx, cfg.Blob.Region, cfg.Blob.Endpoint)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		templates = blob.NewS3Store(s3c, cfg.Blob.TemplatesBucket)
		artifacts = blob.NewS3Store(s3c, cfg.Blob.ArtifactsBucket)
	case "memory":
		templates = blob.NewMemoryStore("templates")
		artifacts = blob.NewMemoryStore("artifacts")
	default:
		return fmt.Errorf("unknown blob.driver %q", cfg.Blob.Driver)
	}

	// ---- Queue ----
	var tasks adapter.TaskQueue
	switch cfg.Queue.Driver {
	case "redis":
		if redisClient == nil {
			return errors.New("queue.driver=redis needs redis.url")
		}
		tasks = queue.NewRedisQueue(redisClient.Raw(), cfg.Queue.Key, logger)
	case "memory":
		tasks = queue.NewChanQueue(cfg.Queue.BufferSize)
	default:
		return fmt.Errorf("unknown queue.driver %q", cfg.Queue.Driver)
	}
	defer tasks.Close()

	// ---- Reasoning service ----
	// A bad AI configuration does not stop the process: every run ends in
	// CONFIGURATION_ERROR until it is fixed.
	svc, err := aiAdapters.New(ctx, cfg.AI, logger)
	if err != nil {
		if !errors.Is(err, domain.ErrConfiguration) {
			logger.Error().Err(err).Msg("reasoning service init failed")
		} else {
			logger.Warn().Err(err).Msg("reasoning service not configured")
		}
		svc = nil
	}

	// ---- Pipeline ----
	runCfg := pipeline.NewRunConfig(cfg)
	orch, err := pipeline.NewOrchestrator(
		sessions,
		stages.Build(stages.Deps{
			RateSheets: rateSheets,
			Templates:  templates,
			Artifacts:  artifacts,
			PresignTTL: cfg.Blob.PresignTTL,
			MaxTokens:  cfg.AI.MaxTokens,
			Log:        logger,
		}),
		pipeline.NewInvoker(svc, runCfg, logger),
		runCfg,
		logger,
	)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	workers := worker.NewPool(cfg.Queue.Workers, 0, logger)
	var dopts []worker.DispatcherOption
	var limiter api.Limiter
	if redisClient != nil {
		dopts = append(dopts, worker.WithLocker(red.NewLocker(redisClient)))
		limiter = red.NewRateLimiter(redisClient)
	}
	dispatcher := worker.NewDispatcher(tasks, workers, orch, cfg.Pipeline.RunTimeout, logger, dopts...)
	sweeper := sched.NewPendingSweeper(cfg.Sweeper, sessions, tasks, logger)

	proposals := usecase.NewProposalUseCase(sessions, tasks, templates, artifacts, cfg.Blob.PresignTTL, logger)
	server := api.NewServer(cfg.HTTP, proposals, limiter, logger)

	// ---- Run ----
	g, gctx := errgroup.WithContext(ctx)
	workers.Start(gctx)
	g.Go(func() error { return ignoreCanceled(dispatcher.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(sweeper.Run(gctx)) })
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown requested")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(sctx)
	})

	err = g.Wait()
	workers.Stop()
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
