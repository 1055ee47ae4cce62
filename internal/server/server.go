package server

import (
	"context"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/db"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/devicelog"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/metrics"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/stream"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	App       *fiber.App
	Cfg       config.Config
	DB        db.Querier
	Redis     *redis.Client
	Stream    *stream.Hub
	Tracking  *tracking.Service
	DeviceLog *devicelog.Service
	Registry  *prometheus.Registry
	Logger    *zap.Logger
}

// NewServer wires the HTTP application. pg may be nil, in which case the
// storage endpoints fail with 500 until a database is configured.
func NewServer(cfg config.Config, pg db.Querier, redisClient *redis.Client, log *zap.Logger) *Server {
	log = logging.OrNop(log)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${method} ${path} ${status} ${latency}\n",
	}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// a nil *redis.Client must not become a non-nil interface
	var rc redis.UniversalClient
	if redisClient != nil {
		rc = redisClient
	}
	hub := stream.NewHub(rc, log, m)

	s := &Server{
		App:       app,
		Cfg:       cfg,
		DB:        pg,
		Redis:     redisClient,
		Stream:    hub,
		Tracking:  tracking.NewService(pg, hub, m, log),
		DeviceLog: devicelog.NewService(pg, m, log),
		Registry:  reg,
		Logger:    log,
	}

	registerRoutes(s)
	return s
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	s.App.Post("/ping", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	s.App.Get("/config", func(c *fiber.Ctx) error {
		return c.JSON(s.Cfg.Published())
	})

	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.Registry, promhttp.HandlerOpts{})))

	tracking.RegisterRoutes(s.App, s.Tracking)
	devicelog.RegisterRoutes(s.App, s.DeviceLog)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}

// Migrate applies the schema when a database is configured.
func (s *Server) Migrate(ctx context.Context) error {
	if s.DB == nil {
		return nil
	}
	return db.Migrate(ctx, s.DB)
}

// RunCleanup runs retention cleanup on the configured interval until ctx ends.
func (s *Server) RunCleanup(ctx context.Context) {
	if s.DB == nil {
		return
	}
	s.Tracking.RunCleanup(ctx,
		time.Duration(s.Cfg.CleanupInterval)*time.Millisecond,
		time.Duration(s.Cfg.DataRetentionPeriod)*time.Millisecond)
}

func (s *Server) Close() error {
	return s.Stream.Close()
}
