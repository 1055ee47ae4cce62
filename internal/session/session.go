// Package session drives one tracking session from start to stop. It owns
// the acquisition sources, the keep-alive and diagnostics timers and the
// wake resource.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/acquisition"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/syncerr"
)

type State int

const (
	Idle State = iota
	PermissionPending
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PermissionPending:
		return "permission_pending"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Visibility string

const (
	Visible Visibility = "visible"
	Hidden  Visibility = "hidden"
)

var (
	ErrAlreadyStarted = errors.New("session: already started")
	// ErrSessionStopped is returned by Start on a stopped session; build a
	// new Session instead.
	ErrSessionStopped = errors.New("session: stopped")
)

type Deps struct {
	Source      acquisition.PositionSource
	Sink        acquisition.Sink
	Wake        WakeResourceProvider
	Transport   Transport
	Worker      Worker
	Periodic    PeriodicSync
	Diagnostics Diagnostics
	Status      StatusReporter
	// Builder is copied per session with the tracking id filled in.
	Builder sample.Builder
	Logger  *zap.Logger
}

type Session struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	instance string

	// lifecycle serialises Start, Stop and the platform event handlers.
	lifecycle sync.Mutex

	mu     sync.Mutex
	state  State
	id     string
	mux    *acquisition.Multiplexer
	wake   WakeResource
	runCtx context.Context
	cancel context.CancelFunc

	timers sync.WaitGroup
}

func New(deps Deps, cfg Config) *Session {
	instance := uuid.NewString()
	return &Session{
		deps:     deps,
		cfg:      cfg,
		instance: instance,
		logger:   logging.OrNop(deps.Logger).With(zap.String("session", instance)),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) TrackingID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LastAccepted returns the acceptance filter's baseline.
func (s *Session) LastAccepted() *sample.LocationSample {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux == nil {
		return nil
	}
	return mux.LastAccepted()
}

// HoldsWake reports whether a wake resource is currently held.
func (s *Session) HoldsWake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wake != nil
}

// Start validates id, takes the first fix and brings every source up. An
// empty id fails without a state change; a failed first fix returns the
// session to Idle.
func (s *Session) Start(ctx context.Context, rawID string) error {
	id := strings.TrimSpace(rawID)
	if id == "" {
		err := syncerr.Validation("start", "tracking id is required")
		s.report(syncerr.UserMessage(err))
		return err
	}

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return ErrSessionStopped
	case PermissionPending, Active:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = PermissionPending
	s.id = id
	s.mu.Unlock()

	logger := s.logger.With(zap.String("tracking_id", id))

	if err := s.deps.Worker.StoreTrackingID(ctx, id); err != nil {
		logger.Warn("tracking id not stored for background sync", zap.Error(err))
	}
	s.uploadDiagnostics(ctx, id)

	builder := s.deps.Builder
	builder.TrackingID = id
	mux := acquisition.New(s.deps.Source, builder, s.deps.Sink, s.deps.Diagnostics, s.cfg.Acquisition, logger)

	if _, err := mux.Initial(ctx); err != nil {
		s.mu.Lock()
		s.state = Idle
		s.id = ""
		s.mu.Unlock()

		if clearErr := s.deps.Worker.ClearTrackingID(ctx); clearErr != nil {
			logger.Warn("clear tracking id", zap.Error(clearErr))
		}
		s.deps.Diagnostics.LocationError(ctx, err)
		s.deps.Diagnostics.TrackingStartFailed(ctx, err)
		s.report(syncerr.UserMessage(err))
		logger.Warn("tracking start failed", zap.Error(err))
		return fmt.Errorf("initial fix: %w", err)
	}

	// Timers outlive the caller's context and end at Stop.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.state = Active
	s.mux = mux
	s.runCtx = runCtx
	s.cancel = cancel
	s.mu.Unlock()

	if err := mux.StartWatch(runCtx); err != nil {
		logger.Warn("continuous watch unavailable", zap.Error(err))
		s.deps.Diagnostics.LocationError(ctx, err)
	}
	mux.StartPolling(runCtx)
	s.acquireWake(runCtx)
	s.every(runCtx, s.cfg.KeepAliveInterval, s.keepAlive)
	s.every(runCtx, s.cfg.DiagnosticsInterval, func(ctx context.Context) {
		s.uploadDiagnostics(ctx, id)
	})

	if err := s.deps.Transport.SendStatus(ctx, id, sample.ActionTracking); err != nil {
		logger.Warn("tracking status not sent", zap.Error(err))
	}
	if s.deps.Periodic != nil {
		if _, err := s.deps.Periodic.EnablePeriodic(ctx); err != nil {
			logger.Warn("periodic sync not registered", zap.Error(err))
		}
	}

	s.deps.Diagnostics.TrackingStarted(ctx, id)
	s.report("Tracking " + id)
	logger.Info("tracking started")
	return nil
}

// Stop cancels the watch and every timer before it returns; no acquisition
// starts afterwards. An in-flight keep-alive ping is abandoned, not awaited.
// Sends already being retried may still complete.
// Stopping a session that is not active does nothing.
func (s *Session) Stop(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return nil
	}
	id, mux, cancel := s.id, s.mux, s.cancel
	s.mu.Unlock()

	logger := s.logger.With(zap.String("tracking_id", id))

	mux.StopWatch()
	mux.StopPolling()
	cancel()
	s.timers.Wait()

	s.mu.Lock()
	wake := s.wake
	s.wake = nil
	s.mu.Unlock()
	if wake != nil {
		if err := wake.Release(ctx); err != nil {
			logger.Warn("release wake resource", zap.Error(err))
		}
	}

	if s.deps.Periodic != nil {
		if err := s.deps.Periodic.DisablePeriodic(ctx); err != nil {
			logger.Warn("periodic sync not unregistered", zap.Error(err))
		}
	}
	if err := s.deps.Worker.ClearTrackingID(ctx); err != nil {
		logger.Warn("clear tracking id", zap.Error(err))
	}
	if err := s.deps.Transport.SendStatus(ctx, id, sample.ActionStopped); err != nil {
		logger.Warn("stopped status not sent", zap.Error(err))
	}
	s.uploadDiagnostics(ctx, id)

	s.mu.Lock()
	s.state = Stopped
	s.mu.Unlock()

	s.report("Tracking stopped")
	logger.Info("tracking stopped")
	return nil
}

// OnVisibilityChange repairs the session when it comes back to the
// foreground and takes one last fix before it is suspended.
func (s *Session) OnVisibilityChange(ctx context.Context, v Visibility) {
	s.deps.Diagnostics.Visibility(ctx, string(v))

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	mux, runCtx, ok := s.active()
	if !ok {
		return
	}
	switch v {
	case Visible:
		s.acquireWake(runCtx)
		if !mux.PollingActive() {
			s.logger.Info("manual polling was suspended, restarting")
			mux.StartPolling(runCtx)
		}
	case Hidden:
		mux.Snapshot(runCtx)
	}
}

// OnFocus reacquires the wake resource if it was lost.
func (s *Session) OnFocus(ctx context.Context) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if _, runCtx, ok := s.active(); ok {
		s.acquireWake(runCtx)
	}
}

// OnOnline uploads diagnostics once connectivity returns.
func (s *Session) OnOnline(ctx context.Context) {
	s.uploadDiagnostics(ctx, s.TrackingID())
}

func (s *Session) active() (*acquisition.Multiplexer, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return nil, nil, false
	}
	return s.mux, s.runCtx, true
}

func (s *Session) keepAlive(ctx context.Context) {
	if err := s.deps.Transport.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.deps.Diagnostics.PingFailure(ctx, err)
	} else {
		s.deps.Diagnostics.PingSuccess(ctx)
	}

	s.acquireWake(ctx)

	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux != nil && ctx.Err() == nil {
		if err := mux.Probe(ctx); err != nil {
			s.logger.Debug("keep-alive fix failed", zap.Error(err))
		}
	}
}

// acquireWake takes the wake resource when none is held. Failure is logged
// and tracking continues without it.
func (s *Session) acquireWake(ctx context.Context) {
	if s.deps.Wake == nil || ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	held := s.wake != nil
	s.mu.Unlock()
	if held {
		return
	}

	res, err := s.deps.Wake.Acquire(ctx)
	if err != nil {
		err = syncerr.Resource("acquire wake resource", err)
		s.logger.Warn("wake resource unavailable", zap.Error(err))
		s.deps.Diagnostics.WakeFailure(ctx, err)
		return
	}

	s.mu.Lock()
	if ctx.Err() != nil || s.wake != nil {
		s.mu.Unlock()
		if err := res.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Debug("release surplus wake resource", zap.Error(err))
		}
		return
	}
	s.wake = res
	s.mu.Unlock()

	s.goTimer(func() { s.watchWake(ctx, res) })
}

// watchWake renews the wake resource after an unsolicited release.
func (s *Session) watchWake(ctx context.Context, res WakeResource) {
	select {
	case <-ctx.Done():
		return
	case <-res.Released():
	}

	s.mu.Lock()
	if s.wake == res {
		s.wake = nil
	}
	s.mu.Unlock()
	s.logger.Info("wake resource released, renewing", zap.Duration("delay", s.cfg.WakeRenewDelay))

	t := time.NewTimer(s.cfg.WakeRenewDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	s.acquireWake(ctx)
}

// every runs fn on each tick until ctx ends.
func (s *Session) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	if d <= 0 {
		return
	}
	s.goTimer(func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}

func (s *Session) goTimer(fn func()) {
	s.timers.Add(1)
	go func() {
		defer s.timers.Done()
		fn()
	}()
}

func (s *Session) uploadDiagnostics(ctx context.Context, id string) {
	if err := s.deps.Diagnostics.Upload(ctx, id); err != nil {
		s.logger.Debug("diagnostics upload deferred", zap.Error(err))
	}
}

func (s *Session) report(message string) {
	if s.deps.Status != nil {
		s.deps.Status.Status(message)
	}
}
