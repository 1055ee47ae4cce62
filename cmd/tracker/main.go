package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type flags struct {
	serverURL    string
	trackingID   string
	store        string
	sqlitePath   string
	redisAddr    string
	trackFile    string
	periodicSync bool
	logLevel     string
	wakeMaxHold  time.Duration
	development  bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Report this device's location to the tracking server",
		Long: `tracker takes position fixes, filters and delivers them to the tracking
server, and keeps undelivered fixes in a local cache until a background sync
replays them. Send SIGUSR1 to move it to the background and SIGUSR2 to bring
it back to the foreground.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := applyFlags(cmd, config.LoadClient(), f)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			logger, err := logging.New(cfg.LogLevel, f.development)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newAgent(ctx, cfg, agentOptions{WakeMaxHold: f.wakeMaxHold}, logger)
			if err != nil {
				return err
			}

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGUSR1, syscall.SIGUSR2)
			defer signal.Stop(signals)

			logger.Info("tracker agent starting",
				zap.String("server", cfg.ServerURL),
				zap.String("tracking_id", cfg.TrackingID),
				zap.String("store", cfg.Store))
			return a.Run(ctx, signals)
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.serverURL, "server", "", "tracking server base URL (TRACKER_SERVER_URL)")
	fs.StringVar(&f.trackingID, "id", "", "tracking id reported with every location (TRACKER_ID)")
	fs.StringVar(&f.store, "store", "", "local cache backend: sqlite or redis (TRACKER_STORE)")
	fs.StringVar(&f.sqlitePath, "sqlite-path", "", "sqlite cache file (TRACKER_SQLITE_PATH)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "redis cache address (TRACKER_REDIS_ADDR)")
	fs.StringVar(&f.trackFile, "track", "", "YAML track replayed as the position source (TRACKER_TRACK_FILE)")
	fs.BoolVar(&f.periodicSync, "periodic-sync", true, "allow periodic background sync (TRACKER_PERIODIC_SYNC)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level (LOG_LEVEL)")
	fs.DurationVar(&f.wakeMaxHold, "wake-max-hold", 0, "revoke the wake resource after this long, 0 to hold it")
	fs.BoolVar(&f.development, "dev", false, "human readable logs")
	return cmd
}

// applyFlags overrides environment values with the flags that were set.
func applyFlags(cmd *cobra.Command, cfg config.ClientConfig, f flags) config.ClientConfig {
	fs := cmd.Flags()
	if fs.Changed("server") {
		cfg.ServerURL = f.serverURL
	}
	if fs.Changed("id") {
		cfg.TrackingID = f.trackingID
	}
	if fs.Changed("store") {
		cfg.Store = f.store
	}
	if fs.Changed("sqlite-path") {
		cfg.SQLitePath = f.sqlitePath
	}
	if fs.Changed("redis-addr") {
		cfg.RedisAddr = f.redisAddr
	}
	if fs.Changed("track") {
		cfg.TrackFile = f.trackFile
	}
	if fs.Changed("periodic-sync") {
		cfg.PeriodicSync = f.periodicSync
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	return cfg
}
