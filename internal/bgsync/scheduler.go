// Package bgsync is the background half of the tracker: the worker context
// that owns the offline queue flush and the facade the foreground uses to
// ask the platform for background wake-ups.
package bgsync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
)

const (
	TagLocationUpdate = "location-update"
	TagLocationSync   = "location-sync"

	PeriodicInterval = 15 * time.Minute
)

// TaskScheduler is the platform's background task capability.
type TaskScheduler interface {
	RegisterOneOff(ctx context.Context, tag string) error
	PeriodicPermission(ctx context.Context) (bool, error)
	RegisterPeriodic(ctx context.Context, tag string, minInterval time.Duration) error
	UnregisterPeriodic(ctx context.Context, tag string) error
}

type Scheduler struct {
	platform TaskScheduler
	logger   *zap.Logger
}

func NewScheduler(platform TaskScheduler, logger *zap.Logger) *Scheduler {
	return &Scheduler{platform: platform, logger: logging.OrNop(logger)}
}

// RequestSync asks for a one-off sync once connectivity allows.
func (s *Scheduler) RequestSync(ctx context.Context) error {
	if err := s.platform.RegisterOneOff(ctx, TagLocationUpdate); err != nil {
		s.logger.Warn("one-off sync registration failed", zap.Error(err))
		return err
	}
	s.logger.Debug("one-off sync registered", zap.String("tag", TagLocationUpdate))
	return nil
}

// EnablePeriodic registers the periodic sync when the platform allows it.
// It reports whether a registration was made.
func (s *Scheduler) EnablePeriodic(ctx context.Context) (bool, error) {
	granted, err := s.platform.PeriodicPermission(ctx)
	if err != nil {
		return false, err
	}
	if !granted {
		s.logger.Info("periodic sync not permitted")
		return false, nil
	}
	if err := s.platform.RegisterPeriodic(ctx, TagLocationSync, PeriodicInterval); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Scheduler) DisablePeriodic(ctx context.Context) error {
	return s.platform.UnregisterPeriodic(ctx, TagLocationSync)
}
