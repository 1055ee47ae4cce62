// Package acquisition merges the continuous watch, the manual poll and the
// keep-alive probe into one stream of samples for delivery.
package acquisition

import (
	"context"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/shared/geo"
)

// Options mirror the platform's one-shot and watch parameters.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaxAge       time.Duration
}

// Low returns the low-accuracy fallback: doubled timeout and max age.
func (o Options) Low() Options {
	return Options{HighAccuracy: false, Timeout: o.Timeout * 2, MaxAge: o.MaxAge * 2}
}

type WatchID int64

// PositionSource is the platform's geolocation capability. After ClearWatch
// returns, the watch's callbacks are no longer invoked.
type PositionSource interface {
	CurrentPosition(ctx context.Context, opts Options) (sample.Position, error)
	Watch(ctx context.Context, opts Options, onPosition func(sample.Position), onError func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// Sink receives every sample that should reach the server.
type Sink interface {
	Deliver(ctx context.Context, s sample.LocationSample)
}

type ErrorRecorder interface {
	LocationError(ctx context.Context, err error)
}

// Accept reports whether candidate moved far enough from last. The first
// sample is always accepted.
func Accept(last *sample.LocationSample, candidate sample.LocationSample, minDistance float64) bool {
	if last == nil {
		return true
	}
	d := geo.DistanceMeters(last.Latitude, last.Longitude, candidate.Latitude, candidate.Longitude)
	return d >= minDistance
}
