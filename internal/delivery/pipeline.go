// Package delivery sends samples to the server with a fixed-delay retry and
// hands exhausted samples to background sync.
package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

type Sender interface {
	SendLocation(ctx context.Context, s sample.LocationSample) error
}

// Stager durably records a sample before it is sent.
type Stager interface {
	Stage(ctx context.Context, s sample.LocationSample) error
}

type SyncRequester interface {
	RequestSync(ctx context.Context) error
}

type Recorder interface {
	Attempt(ctx context.Context, s sample.LocationSample)
	ConnectionSuccess(ctx context.Context)
	ConnectionFailure(ctx context.Context, err error)
}

type Config struct {
	Retries int
	Delay   time.Duration
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	sender   Sender
	stager   Stager
	syncer   SyncRequester
	recorder Recorder
	logger   *zap.Logger
	cfg      Config

	// newBackOff builds the wait policy between attempts.
	newBackOff func(delay time.Duration) backoff.BackOff

	wg sync.WaitGroup
}

func constantBackOff(delay time.Duration) backoff.BackOff {
	return backoff.NewConstantBackOff(delay)
}

func New(sender Sender, stager Stager, syncer SyncRequester, recorder Recorder, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Pipeline{
		sender:     sender,
		stager:     stager,
		syncer:     syncer,
		recorder:   recorder,
		logger:     logging.OrNop(logger),
		cfg:        cfg,
		newBackOff: constantBackOff,
	}
}

// Deliver stages s in the offline queue, then sends it in the background.
// A successful send leaves the queued copy in place; the queue is only
// emptied by background sync. Deliver never fails: every outcome becomes a
// diagnostic entry and, after the last retry, one sync request.
func (p *Pipeline) Deliver(ctx context.Context, s sample.LocationSample) {
	if err := p.stager.Stage(ctx, s); err != nil {
		p.logger.Warn("sample not staged", zap.String("tracking_id", s.ID), zap.Error(err))
	}
	if p.recorder != nil {
		p.recorder.Attempt(ctx, s)
	}

	// Retries outlive the caller; a stopped session may still see a late send.
	sendCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.send(sendCtx, s)
	}()
}

func (p *Pipeline) send(ctx context.Context, s sample.LocationSample) {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if err := p.sender.SendLocation(ctx, s); err != nil {
			p.logger.Debug("send failed",
				zap.String("tracking_id", s.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			if p.recorder != nil {
				p.recorder.ConnectionFailure(ctx, err)
			}
			return struct{}{}, err
		}
		if p.recorder != nil {
			p.recorder.ConnectionSuccess(ctx)
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff(p.cfg.Delay)),
		backoff.WithMaxTries(uint(p.cfg.Retries+1)),
	)
	if err == nil {
		return
	}

	p.logger.Warn("retries exhausted, requesting background sync",
		zap.String("tracking_id", s.ID),
		zap.Int("attempts", attempt),
		zap.Error(err),
	)
	if p.syncer == nil {
		return
	}
	if err := p.syncer.RequestSync(ctx); err != nil {
		p.logger.Warn("background sync request failed", zap.Error(err))
	}
}

// Wait blocks until every in-flight send has finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
