package session

import (
	"context"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/acquisition"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/config"
)

// WakeResource is a held keep-awake handle. Released is closed when the
// platform takes the resource back without being asked.
type WakeResource interface {
	Release(ctx context.Context) error
	Released() <-chan struct{}
}

type WakeResourceProvider interface {
	Acquire(ctx context.Context) (WakeResource, error)
}

type Transport interface {
	SendStatus(ctx context.Context, id, action string) error
	Ping(ctx context.Context) error
}

// Worker is the background context's message surface.
type Worker interface {
	StoreTrackingID(ctx context.Context, id string) error
	ClearTrackingID(ctx context.Context) error
}

type PeriodicSync interface {
	EnablePeriodic(ctx context.Context) (bool, error)
	DisablePeriodic(ctx context.Context) error
}

// Diagnostics is the subset of the diagnostic recorder a session writes to.
type Diagnostics interface {
	acquisition.ErrorRecorder
	Upload(ctx context.Context, deviceID string) error
	TrackingStarted(ctx context.Context, trackingID string)
	TrackingStartFailed(ctx context.Context, err error)
	PingSuccess(ctx context.Context)
	PingFailure(ctx context.Context, err error)
	WakeFailure(ctx context.Context, err error)
	Visibility(ctx context.Context, state string)
}

// StatusReporter shows a one-line status to the user.
type StatusReporter interface {
	Status(message string)
}

type Config struct {
	Acquisition         acquisition.Config
	KeepAliveInterval   time.Duration
	WakeRenewDelay      time.Duration
	DiagnosticsInterval time.Duration
}

func ConfigFromTunables(t config.Tunables) Config {
	return Config{
		Acquisition: acquisition.Config{
			MinDistance:  t.MinDistance,
			PollInterval: t.PollInterval(),
			Timeout:      t.TimeoutDuration(),
			MaxAge:       t.MaxAgeDuration(),
		},
		KeepAliveInterval:   t.KeepAlive(),
		WakeRenewDelay:      t.WakeRenew(),
		DiagnosticsInterval: t.DiagnosticsUpload(),
	}
}
