// Package server builds the discovery service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/vendor-discovery/internal/api"
	"github.com/JakeFAU/vendor-discovery/internal/clock"
	"github.com/JakeFAU/vendor-discovery/internal/config"
	"github.com/JakeFAU/vendor-discovery/internal/discovery"
	"github.com/JakeFAU/vendor-discovery/internal/hash/sha256"
	"github.com/JakeFAU/vendor-discovery/internal/id/uuid"
	"github.com/JakeFAU/vendor-discovery/internal/metrics"
	"github.com/JakeFAU/vendor-discovery/internal/provider/gemini"
	"github.com/JakeFAU/vendor-discovery/internal/provider/noop"
	memorypublisher "github.com/JakeFAU/vendor-discovery/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/vendor-discovery/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/vendor-discovery/internal/publisher/redis"
	gcsstorage "github.com/JakeFAU/vendor-discovery/internal/storage/gcs"
	localstorage "github.com/JakeFAU/vendor-discovery/internal/storage/local"
	memorystorage "github.com/JakeFAU/vendor-discovery/internal/storage/memory"
	pgstore "github.com/JakeFAU/vendor-discovery/internal/storage/postgres"
	"github.com/JakeFAU/vendor-discovery/internal/verifier"
)

// shutdownTimeout bounds HTTP drain and client teardown.
const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     discovery.Store
	pipeline  *discovery.Pipeline
	scheduler *discovery.Scheduler
	apiServer *api.Server

	pgStore      *pgstore.Store
	gcsClient    *storage.Client
	pubsubClient *pubsub.Client
	pubsubPub    *pubsubpublisher.Publisher
	redisClient  *goredis.Client
}

// Build creates the application's dependencies. On error, anything already
// opened is closed before returning.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	metrics.Init()
	logger.Info("building application dependencies",
		zap.String("store", cfg.Store.Kind),
		zap.String("provider", cfg.Provider.Kind),
		zap.String("archive", cfg.Archive.Kind),
		zap.String("events", cfg.Events.Kind),
	)

	if err = app.setupStore(ctx); err != nil {
		return nil, err
	}
	provider, err := setupProvider(cfg, logger)
	if err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	loc := cfg.Location()
	systemClock := clock.New()
	ids := uuid.New()
	app.pipeline = discovery.NewPipeline(discovery.PipelineDeps{
		Store:    app.store,
		Provider: provider,
		Verifier: verifier.New(verifier.Config{
			UserAgent:   cfg.Verifier.UserAgent,
			Timeout:     cfg.Verifier.Timeout,
			Window:      cfg.Verifier.Window,
			MaxBodySize: cfg.Verifier.MaxBodySize,
		}, logger.Named("verifier")),
		Clock:     systemClock,
		IDs:       ids,
		Archive:   archive,
		Hasher:    sha256.NewShort(16),
		Publisher: publisher,
	}, discovery.PipelineConfig{
		ExclusionCap:   cfg.Pipeline.ExclusionCap,
		VerifyBatchCap: cfg.Pipeline.VerifyBatchCap,
		Location:       loc,
		ArchivePrefix:  cfg.Archive.Prefix,
		EventTopic:     cfg.Events.Topic,
	}, logger.Named("pipeline"))

	app.scheduler = discovery.NewScheduler(app.store, app.pipeline, systemClock, ids, discovery.SchedulerOptions{
		Location: loc,
		Defaults: discovery.SchedulerConfig{
			RunHour:  cfg.Scheduler.DefaultRunHour,
			DailyCap: cfg.Scheduler.DefaultDailyCap,
		},
	}, logger.Named("scheduler"))

	app.apiServer = api.NewServer(app.store, app.scheduler, ids, systemClock, cfg, logger.Named("api"))
	return app, nil
}

// Store exposes the configured discovery store.
func (a *App) Store() discovery.Store {
	return a.store
}

// Scheduler exposes the job scheduler.
func (a *App) Scheduler() *discovery.Scheduler {
	return a.scheduler
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the admin API and, when configured, the scheduler until ctx is
// cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.cfg.Scheduler.Autostart {
		if err := a.scheduler.Start(ctx, a.cfg.Scheduler.TickInterval); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
			return
		}
		serveErr <- nil
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.scheduler.Stop()
	return <-serveErr
}

// RunJob executes one manual run for jobID and waits for it to reach a
// terminal status.
func (a *App) RunJob(ctx context.Context, jobID string, poll time.Duration) (discovery.Run, error) {
	if poll <= 0 {
		poll = time.Second
	}
	runID, err := a.scheduler.RunJobNow(ctx, jobID)
	if err != nil {
		return discovery.Run{}, fmt.Errorf("start run: %w", err)
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		run, err := a.store.GetRun(ctx, runID)
		if err != nil {
			return discovery.Run{}, fmt.Errorf("get run %s: %w", runID, err)
		}
		if run.Status.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			if _, cerr := a.scheduler.CancelRun(context.WithoutCancel(ctx), runID); cerr != nil {
				a.logger.Warn("cancel run failed", zap.String("run_id", runID), zap.Error(cerr))
			}
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		return fmt.Errorf("logger sync: %w", err)
	}
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPub != nil {
		a.pubsubPub.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Kind {
	case config.KindPostgres:
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pgStore = pg
		if a.cfg.DB.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			a.logger.Info("postgres schema ensured")
		}
		a.store = pg
		a.logger.Info("using postgres store")
	default:
		a.logger.Warn("using in-memory store; jobs and runs are lost on restart")
		a.store = memorystorage.NewStore()
	}
	return nil
}

func setupProvider(cfg config.Config, logger *zap.Logger) (discovery.Provider, error) {
	if cfg.Provider.Kind != config.KindGemini {
		logger.Warn("no discovery provider configured; runs will find nothing")
		return noop.New(), nil
	}
	p, err := gemini.New(gemini.Options{
		APIKey:            cfg.Provider.APIKey,
		Model:             cfg.Provider.Model,
		BaseURL:           cfg.Provider.BaseURL,
		Timeout:           cfg.Provider.Timeout,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Temperature:       cfg.Provider.Temperature,
	}, logger.Named("gemini"))
	if err != nil {
		return nil, fmt.Errorf("gemini provider init failed: %w", err)
	}
	logger.Info("using gemini provider", zap.String("model", cfg.Provider.Model))
	return p, nil
}

func (a *App) setupArchive(ctx context.Context) (discovery.Archive, error) {
	switch a.cfg.Archive.Kind {
	case config.KindGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving provider responses to gcs", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return store, nil
	case config.KindLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving provider responses locally", zap.String("path", a.cfg.Archive.BaseDir))
		return store, nil
	case config.KindMemory:
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("provider response archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (discovery.Publisher, error) {
	switch a.cfg.Events.Kind {
	case config.KindPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.pubsubPub = pubsubpublisher.New(client)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.Events.ProjectID),
			zap.String("topic", a.cfg.Events.Topic),
		)
		return a.pubsubPub, nil
	case config.KindRedis:
		client, err := redispublisher.Connect(ctx, a.cfg.Events.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis publisher init failed: %w", err)
		}
		a.redisClient = client
		a.logger.Info("redis publisher initialized", zap.String("channel_prefix", a.cfg.Events.RedisPrefix))
		return redispublisher.New(client, a.cfg.Events.RedisPrefix), nil
	case config.KindMemory:
		return memorypublisher.New(), nil
	default:
		a.logger.Info("run events disabled")
		return nil, nil
	}
}
