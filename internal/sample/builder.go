package sample

import (
	"context"
	"time"
)

// NetworkInfoProvider reports the current connection, when the platform knows it.
type NetworkInfoProvider interface {
	NetworkInfo() (*Network, bool)
}

// PowerInfoProvider reports battery state. It may be slow or fail.
type PowerInfoProvider interface {
	PowerInfo(ctx context.Context) (*Battery, error)
}

// Builder turns platform positions into samples for one tracking id.
type Builder struct {
	TrackingID string
	UserAgent  string
	Network    NetworkInfoProvider
	Power      PowerInfoProvider
	Visibility func() string
	Now        func() time.Time
}

func (b Builder) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now().UTC()
}

// Build creates a sample. Metadata failures never prevent a sample from being built.
func (b Builder) Build(ctx context.Context, pos Position, source Source) LocationSample {
	ts := pos.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}

	diag := &Diagnostics{UserAgent: b.UserAgent}
	if b.Visibility != nil {
		diag.VisibilityState = b.Visibility()
	}
	if b.Network != nil {
		if n, ok := b.Network.NetworkInfo(); ok {
			diag.Network = n
		}
	}
	if b.Power != nil {
		if battery, err := b.Power.PowerInfo(ctx); err == nil {
			diag.Battery = battery
		}
	}

	return LocationSample{
		ID:          b.TrackingID,
		Latitude:    pos.Latitude,
		Longitude:   pos.Longitude,
		Accuracy:    pos.Accuracy,
		Timestamp:   ts,
		Action:      ActionTracking,
		Source:      source,
		Diagnostics: diag,
	}
}
