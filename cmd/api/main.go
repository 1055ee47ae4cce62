package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/db"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	newLogger       func(config.Config) (*zap.Logger, error)
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) (*redis.Client, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, *pgxpool.Pool, *redis.Client, *zap.Logger, <-chan os.Signal, ListenFunc) error
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig: config.Load,
		newLogger: func(cfg config.Config) (*zap.Logger, error) {
			return logging.New(cfg.LogLevel, false)
		},
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()

	logger, err := deps.newLogger(cfg)
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return
	}

	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		logger.Warn("postgres connection failed", zap.Error(err))
	}

	rdb, err := deps.connectRedis(cfg)
	if err != nil {
		logger.Warn("redis unavailable, live stream stays local", zap.Error(err))
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, pg, rdb, logger, signals, nil); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and the retention cleanup loop, and waits for
// termination signals.
func Run(ctx context.Context, cfg config.Config, pg *pgxpool.Pool, rdb *redis.Client, logger *zap.Logger, signals <-chan os.Signal, listen ListenFunc) error {
	logger = logging.OrNop(logger)

	var q db.Querier
	if pg != nil {
		q = pg
	}
	srv := server.NewServer(cfg, q, rdb, logger)

	migrateCtx, cancelMigrate := context.WithTimeout(ctx, 5*time.Second)
	if err := srv.Migrate(migrateCtx); err != nil {
		logger.Warn("schema migration failed", zap.Error(err))
	}
	cancelMigrate()

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.RunCleanup(cleanupCtx)
	}()
	stopCleanupLoop := func() {
		stopCleanup()
		wg.Wait()
	}
	defer stopCleanupLoop()

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", cfg.ServerPort))
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := shutdownFn(srv.App, shutdownCtx); err != nil {
		return err
	}
	stopCleanupLoop()
	if err := srv.Close(); err != nil {
		logger.Warn("stream hub close", zap.Error(err))
	}
	if pg != nil {
		pg.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	logger.Info("server stopped")
	return nil
}
