// Package reconciler wires the store, difficulty cache, activities and orchestrator into
// one App that backs both the CLI and the HTTP server.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/curtailx/curtailx/app/reconciler/activity"
	"github.com/curtailx/curtailx/app/reconciler/controller"
	"github.com/curtailx/curtailx/app/reconciler/types"
	"github.com/curtailx/curtailx/app/reconciler/workflow"
	"github.com/curtailx/curtailx/pkg/calculator"
	"github.com/curtailx/curtailx/pkg/config"
	"github.com/curtailx/curtailx/pkg/db"
	"github.com/curtailx/curtailx/pkg/db/postgres"
	"github.com/curtailx/curtailx/pkg/db/postgres/curtailment"
	"github.com/curtailx/curtailx/pkg/difficulty"
	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/redis"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/curtailx/curtailx/pkg/utils"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App holds every long-lived dependency of the reconciler.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	Store       db.Store
	RedisClient *redis.Client
	Difficulty  *difficulty.Cache

	Activities   *activity.Context
	Orchestrator *workflow.Orchestrator

	// Cron triggers the trailing-window reconcile, according to Config.Reconcile.Schedule.
	Cron *cron.Cron

	Server *http.Server

	// background runs started from the API or the scheduler
	bgMu     sync.Mutex
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Initialize connects the store (and Redis when enabled) and builds the App.
func Initialize(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}

	pool := postgres.DefaultPoolConfig()
	if cfg.Database.MinConns > 0 {
		pool.MinConns = cfg.Database.MinConns
	}
	if cfg.Database.MaxConns > 0 {
		pool.MaxConns = cfg.Database.MaxConns
	}
	store, err := curtailment.New(ctx, logger, cfg.Database.URL, pool)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(ctx, logger, redis.Config{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			StreamMaxLen: redis.DefaultStreamMaxLen,
		})
		if err != nil {
			if cfg.Difficulty.Backend == config.BackendRedis {
				_ = store.Close()
				return nil, fmt.Errorf("unable to initialize redis difficulty cache: %w", err)
			}
			logger.Warn("Failed to initialize Redis client - progress events will only be logged", zap.Error(err))
			redisClient = nil
		} else {
			logger.Info("Redis client initialized for progress events")
		}
	} else {
		logger.Info("Redis disabled - progress events will only be logged")
	}

	app, err := New(cfg, logger, store, redisClient)
	if err != nil {
		_ = store.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}
	return app, nil
}

// New assembles an App from already-connected dependencies. redisClient may be nil.
func New(cfg *config.Config, logger *zap.Logger, store db.Store, redisClient *redis.Client) (*App, error) {
	calc, err := buildCalculator(cfg.Reconcile.Variants)
	if err != nil {
		return nil, err
	}

	cache := difficulty.New(logger, buildSource(cfg.Difficulty), persistentFor(cfg, store, redisClient), difficulty.Config{
		Default: cfg.Difficulty.Default,
		Retry: retry.Config{
			MaxAttempts:   cfg.Difficulty.Attempts,
			InitialDelay:  cfg.Difficulty.InitialDelay,
			MaxDelay:      2 * time.Minute,
			Multiplier:    cfg.Difficulty.Multiplier,
			JitterEnabled: false,
		},
	})

	var notifier activity.Notifier = &activity.LogNotifier{Logger: logger}
	if redisClient != nil {
		notifier = &activity.RedisNotifier{Logger: logger, Publisher: redisClient}
	}

	acts := &activity.Context{
		Logger:     logger,
		Store:      store,
		Difficulty: cache,
		Calculator: calc,
		Notifier:   notifier,
		Variants:   cfg.Reconcile.Variants,
	}
	if err := acts.ValidateVariants(); err != nil {
		return nil, err
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		RedisClient: redisClient,
		Difficulty:  cache,
		Activities:  acts,
		Orchestrator: &workflow.Orchestrator{
			Logger:      logger,
			Activities:  acts,
			Checkpoints: workflow.NewFileCheckpointStore(cfg.Reconcile.CheckpointPath),
			Config:      orchestratorConfig(cfg.Reconcile),
		},
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}, nil
}

func orchestratorConfig(rc config.Reconcile) workflow.Config {
	oc := workflow.DefaultConfig()
	oc.BatchSize = rc.BatchSize
	oc.MaxConcurrency = rc.MaxConcurrency
	oc.FixRetry.MaxAttempts = rc.FixAttempts
	if rc.FixInitialDelay > 0 {
		oc.FixRetry.InitialDelay = rc.FixInitialDelay
	}
	if rc.MaxStorePause > 0 {
		oc.MaxStorePause = rc.MaxStorePause
	}
	return oc
}

// buildCalculator restricts the published miner models to the configured names.
func buildCalculator(names []string) (*calculator.Calculator, error) {
	if len(names) == 0 {
		return calculator.Default(), nil
	}
	var variants []calculator.Variant
	for _, name := range names {
		v, ok := calculator.Published(name)
		if !ok {
			return nil, faults.InvalidParameter("config", "unknown miner variant %q", name)
		}
		variants = append(variants, v)
	}
	return calculator.New(variants...), nil
}

func buildSource(cfg config.Difficulty) difficulty.Source {
	if len(cfg.Static) > 0 {
		return difficulty.NewStaticSource(cfg.Static)
	}
	if len(cfg.Endpoints) > 0 {
		return difficulty.NewHTTPSource(difficulty.HTTPOpts{Endpoints: cfg.Endpoints, RPS: cfg.RPS})
	}
	return difficulty.SourceFunc(func(context.Context, time.Time) (float64, error) {
		return 0, faults.ExternalLookup("difficulty_lookup", errors.New("no difficulty source configured"))
	})
}

func persistentFor(cfg *config.Config, store db.Store, redisClient *redis.Client) difficulty.Persistent {
	switch cfg.Difficulty.Backend {
	case config.BackendRedis:
		if redisClient != nil {
			return redisClient
		}
	case config.BackendNone:
		return nil
	}
	return store
}

// SetupScheduler schedules a reconcile of the trailing LookbackDays every tick.
func (a *App) SetupScheduler(ctx context.Context) error {
	spec := strings.TrimSpace(a.Config.Reconcile.Schedule)
	if spec == "" {
		return nil
	}

	logger := cronLogger{a.Logger.Named("cron")}
	a.Cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)))
	_, err := a.Cron.AddFunc(spec, func() {
		start, end := a.trailingWindow(time.Now())
		a.Logger.Info("Scheduled reconcile", zap.String("start", utils.FormatDate(start)), zap.String("end", utils.FormatDate(end)))
		if _, err := a.Reconcile(ctx, types.BatchInput{Start: start, End: end}); err != nil {
			a.Logger.Warn("Scheduled reconcile did not run", zap.Error(err))
		}
	})
	if err != nil {
		return faults.InvalidParameter("config", "reconcile.schedule %q: %v", spec, err)
	}
	return nil
}

// trailingWindow returns the LookbackDays ending today (UTC).
func (a *App) trailingWindow(now time.Time) (time.Time, time.Time) {
	end := utils.Day(now)
	days := a.Config.Reconcile.LookbackDays
	if days < 1 {
		days = 1
	}
	return end.AddDate(0, 0, -(days - 1)), end
}

// SetupServer builds the HTTP server around the controller routes.
func (a *App) SetupServer() error {
	var events controller.EventSource
	if a.RedisClient != nil {
		events = a.RedisClient
	}
	ctler, err := controller.NewController(a.Logger, a, events, a.Config.Server)
	if err != nil {
		return err
	}
	a.Server = &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           controller.WithCORS(ctler.NewRouter()),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// Start serves HTTP and runs the scheduler until ctx is done.
func (a *App) Start(ctx context.Context) error {
	if a.Server == nil {
		if err := a.SetupServer(); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("Starting server", zap.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if a.Cron != nil {
		a.Cron.Start()
		a.Logger.Info("Cron started", zap.String("schedule", a.Config.Reconcile.Schedule))
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	a.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Server.Shutdown(shutdownCtx)
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	return serveErr
}

// Close stops background runs and releases connections.
func (a *App) Close() error {
	a.bgCancel()
	a.bg.Wait()

	var errs []error
	if a.RedisClient != nil {
		errs = append(errs, a.RedisClient.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
