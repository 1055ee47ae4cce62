// Package platform provides in-process stand-ins for the device capabilities
// the tracker depends on, so the agent can run on a plain host.
package platform

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
)

// SyncHandler is the background worker entry point.
type SyncHandler interface {
	HandleSync(ctx context.Context, tag string) error
}

type SchedulerConfig struct {
	AllowPeriodic bool
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryTries    uint
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		AllowPeriodic: true,
		RetryInitial:  time.Second,
		RetryMax:      time.Minute,
		RetryTries:    5,
	}
}

// BackgroundScheduler runs one-off syncs when connectivity is available,
// retrying failures with exponential backoff, and periodic syncs on their
// interval. A one-off sync that still fails stays pending until the next
// time connectivity returns.
type BackgroundScheduler struct {
	handler SyncHandler
	online  func() bool
	cfg     SchedulerConfig
	logger  *zap.Logger

	root   context.Context
	cancel context.CancelFunc
	nudge  chan struct{}

	mu       sync.Mutex
	pending  map[string]struct{}
	periodic map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func NewBackgroundScheduler(handler SyncHandler, online func() bool, cfg SchedulerConfig, logger *zap.Logger) *BackgroundScheduler {
	root, cancel := context.WithCancel(context.Background())
	if online == nil {
		online = func() bool { return true }
	}
	return &BackgroundScheduler{
		handler:  handler,
		online:   online,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		root:     root,
		cancel:   cancel,
		nudge:    make(chan struct{}, 1),
		pending:  make(map[string]struct{}),
		periodic: make(map[string]context.CancelFunc),
	}
}

func (s *BackgroundScheduler) RegisterOneOff(_ context.Context, tag string) error {
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()
	s.Nudge()
	return nil
}

func (s *BackgroundScheduler) PeriodicPermission(context.Context) (bool, error) {
	return s.cfg.AllowPeriodic, nil
}

func (s *BackgroundScheduler) RegisterPeriodic(_ context.Context, tag string, minInterval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.periodic[tag]; ok {
		return nil
	}
	ctx, cancel := context.WithCancel(s.root)
	s.periodic[tag] = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(minInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.handler.HandleSync(ctx, tag); err != nil {
					s.logger.Warn("periodic sync failed", zap.String("tag", tag), zap.Error(err))
				}
			}
		}
	}()
	s.logger.Info("periodic sync registered", zap.String("tag", tag), zap.Duration("interval", minInterval))
	return nil
}

func (s *BackgroundScheduler) UnregisterPeriodic(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.periodic[tag]; ok {
		cancel()
		delete(s.periodic, tag)
	}
	return nil
}

// Nudge asks the scheduler to look at pending one-off syncs.
func (s *BackgroundScheduler) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Pending lists the one-off tags that have not yet succeeded.
func (s *BackgroundScheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	return tags
}

// Run dispatches one-off syncs until ctx is done, then stops every periodic
// registration.
func (s *BackgroundScheduler) Run(ctx context.Context) error {
	defer func() {
		s.cancel()
		s.wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.nudge:
			if s.online() {
				s.dispatch(ctx)
			}
		}
	}
}

func (s *BackgroundScheduler) dispatch(ctx context.Context) {
	for _, tag := range s.Pending() {
		if err := s.runOneOff(ctx, tag); err != nil {
			s.logger.Warn("one-off sync still pending", zap.String("tag", tag), zap.Error(err))
			continue
		}
		s.mu.Lock()
		delete(s.pending, tag)
		s.mu.Unlock()
	}
}

func (s *BackgroundScheduler) runOneOff(ctx context.Context, tag string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	b.MaxInterval = s.cfg.RetryMax

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.handler.HandleSync(ctx, tag)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(s.cfg.RetryTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("one-off sync retry", zap.String("tag", tag), zap.Duration("next", next), zap.Error(err))
		}),
	)
	return err
}
