package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/bgsync"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/cache"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/delivery"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/diagnostics"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/platform"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/session"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/transport"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stationary point used when no track file is configured
const defaultTrack = `
interval: 5s
points:
  - {latitude: 19.0760, longitude: 72.8777, accuracy: 15}
`

// agent runs the foreground session and the background worker side by side.
// They share only the persistent cache and the scheduler.
type agent struct {
	cfg    config.ClientConfig
	logger *zap.Logger

	store     cache.Store
	client    *transport.Client
	source    *platform.ReplaySource
	wake      *platform.WakeLock
	vis       *platform.VisibilityState
	prober    *platform.Prober
	recorder  *diagnostics.Recorder
	worker    *bgsync.Worker
	scheduler *platform.BackgroundScheduler
	pipeline  *delivery.Pipeline
	session   *session.Session
}

type agentOptions struct {
	WakeMaxHold time.Duration
	// Store overrides the configured cache backend.
	Store cache.Store
}

func openStore(cfg config.ClientConfig) (cache.Store, error) {
	switch cfg.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return &redisStore{RedisStore: cache.NewRedisStore(rdb, ""), client: rdb}, nil
	default:
		return cache.OpenSQLite(cfg.SQLitePath)
	}
}

// redisStore closes the client it was built on.
type redisStore struct {
	*cache.RedisStore
	client *redis.Client
}

func (s *redisStore) Close() error { return s.client.Close() }

func loadTrack(path string) (platform.Track, error) {
	if path == "" {
		return platform.ParseTrack([]byte(defaultTrack))
	}
	return platform.LoadTrack(path)
}

func newAgent(ctx context.Context, cfg config.ClientConfig, opts agentOptions, logger *zap.Logger) (*agent, error) {
	logger = logging.OrNop(logger)
	track, err := loadTrack(cfg.TrackFile)
	if err != nil {
		return nil, fmt.Errorf("load track: %w", err)
	}

	store := opts.Store
	if store == nil {
		store, err = openStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	a := &agent{cfg: cfg, logger: logger, store: store}
	a.client = transport.New(cfg.ServerURL, cfg.Tunables.TimeoutDuration(), logger)
	a.tuneFromServer(ctx)
	t := a.cfg.Tunables

	a.source = platform.NewReplaySource(track)
	a.wake = platform.NewWakeLock(opts.WakeMaxHold)
	a.vis = &platform.VisibilityState{}
	a.prober = platform.NewProber(a.client, time.Duration(cfg.ProbeInterval)*time.Millisecond, logger)

	a.recorder = diagnostics.NewRecorder(diagnostics.Options{
		Store:      store,
		Uploader:   a.client,
		Network:    a.prober,
		Visibility: a.vis.String,
		UserAgent:  cfg.UserAgent,
		Logger:     logger,
	})
	a.recorder.Load(ctx)

	a.worker = bgsync.NewWorker(store, a.client, a.source, t.TimeoutDuration(), logger)

	schedCfg := platform.DefaultSchedulerConfig()
	schedCfg.AllowPeriodic = cfg.PeriodicSync
	a.scheduler = platform.NewBackgroundScheduler(a.worker, a.prober.Online, schedCfg, logger)
	syncs := bgsync.NewScheduler(a.scheduler, logger)

	a.pipeline = delivery.New(a.client, a.worker, syncs, a.recorder, delivery.Config{
		Retries: t.RetryCount,
		Delay:   t.RetryDelayDuration(),
	}, logger)

	a.session = session.New(session.Deps{
		Source:      a.source,
		Sink:        a.pipeline,
		Wake:        a.wake,
		Transport:   a.client,
		Worker:      a.worker,
		Periodic:    syncs,
		Diagnostics: a.recorder,
		Status:      platform.NewLogStatus(logger),
		Builder: sample.Builder{
			UserAgent:  cfg.UserAgent,
			Network:    a.prober,
			Power:      platform.NewSysfsPower(),
			Visibility: a.vis.String,
		},
		Logger: logger,
	}, session.ConfigFromTunables(t))

	a.prober.OnOnline(func(context.Context) { a.scheduler.Nudge() })
	a.prober.OnOnline(a.session.OnOnline)
	return a, nil
}

// tuneFromServer overlays the server's published tunables. Failures keep the
// local values.
func (a *agent) tuneFromServer(ctx context.Context) {
	raw, err := a.client.FetchConfig(ctx)
	if err != nil {
		a.logger.Warn("server config unavailable, using local tunables", zap.Error(err))
		return
	}
	merged, err := a.cfg.Tunables.Merge(raw)
	if err != nil {
		a.logger.Warn("server config rejected", zap.Error(err))
		return
	}
	a.cfg.Tunables = merged
}

// Run starts tracking and handles signals until a termination signal or ctx
// ends. SIGUSR1 moves the agent to the background, SIGUSR2 back to the
// foreground.
func (a *agent) Run(ctx context.Context, signals <-chan os.Signal) error {
	defer func() {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close cache", zap.Error(err))
		}
	}()

	loops, cancelLoops := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelLoops()

	g, gctx := errgroup.WithContext(loops)
	g.Go(func() error { return a.worker.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.prober.Run(gctx) })

	startErr := a.session.Start(ctx, a.cfg.TrackingID)
	if startErr == nil {
		startErr = a.wait(ctx, signals)
	}

	a.shutdown()
	cancelLoops()
	if err := g.Wait(); err != nil {
		return err
	}
	return startErr
}

func (a *agent) wait(ctx context.Context, signals <-chan os.Signal) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			switch sig {
			case syscall.SIGUSR1:
				a.vis.Set(false)
				a.session.OnVisibilityChange(ctx, session.Hidden)
			case syscall.SIGUSR2:
				a.vis.Set(true)
				a.session.OnVisibilityChange(ctx, session.Visible)
				a.session.OnFocus(ctx)
			default:
				a.logger.Info("shutting down", zap.String("signal", sig.String()))
				return nil
			}
		}
	}
}

// shutdown stops the session and lets in-flight deliveries finish while the
// worker is still running.
func (a *agent) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.session.Stop(ctx); err != nil {
		a.logger.Warn("stop session", zap.Error(err))
	}
	a.pipeline.Wait()
}
