package bgsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/acquisition"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/cache"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

const defaultFixTimeout = 10 * time.Second

var (
	ErrWorkerStopped = errors.New("bgsync: worker stopped")
	ErrUnknownTag    = errors.New("bgsync: unknown sync tag")
)

type Sender interface {
	SendLocation(ctx context.Context, s sample.LocationSample) error
	SendBatch(ctx context.Context, samples []sample.LocationSample) error
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Worker runs every cache operation on one goroutine, one job at a time.
// The foreground reaches it only through these methods.
type Worker struct {
	store      cache.Store
	sender     Sender
	source     acquisition.PositionSource
	fixTimeout time.Duration
	logger     *zap.Logger
	now        func() time.Time

	inbox   chan job
	stopped chan struct{}
	syncing chan struct{}
}

func NewWorker(store cache.Store, sender Sender, source acquisition.PositionSource, fixTimeout time.Duration, logger *zap.Logger) *Worker {
	if fixTimeout <= 0 {
		fixTimeout = defaultFixTimeout
	}
	return &Worker{
		store:      store,
		sender:     sender,
		source:     source,
		fixTimeout: fixTimeout,
		logger:     logging.OrNop(logger),
		now:        func() time.Time { return time.Now().UTC() },
		inbox:      make(chan job),
		stopped:    make(chan struct{}),
		syncing:    make(chan struct{}, 1),
	}
}

// Run processes jobs until ctx is done. It must be called once.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stopped)
	w.logger.Info("background worker started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("background worker stopped")
			return nil
		case j := <-w.inbox:
			j.done <- j.fn(j.ctx)
		}
	}
}

func (w *Worker) do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.inbox <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stopped:
		return ErrWorkerStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stage stores s as the last-known sample and appends it to the offline
// queue.
func (w *Worker) Stage(ctx context.Context, s sample.LocationSample) error {
	return w.do(ctx, func(ctx context.Context) error {
		lastErr := cache.SaveLastKnown(ctx, w.store, s)
		batchErr := w.store.AppendToBatch(ctx, s)
		if err := errors.Join(lastErr, batchErr); err != nil {
			w.logger.Warn("stage sample", zap.String("tracking_id", s.ID), zap.Error(err))
			return err
		}
		return nil
	})
}

// StoreTrackingID records the id periodic syncs send under.
func (w *Worker) StoreTrackingID(ctx context.Context, id string) error {
	return w.do(ctx, func(ctx context.Context) error {
		return cache.SaveTrackingID(ctx, w.store, id)
	})
}

// ClearTrackingID turns periodic syncs into no-ops.
func (w *Worker) ClearTrackingID(ctx context.Context) error {
	return w.do(ctx, func(ctx context.Context) error {
		return w.store.Delete(ctx, cache.KeyTrackingID)
	})
}

// HandleSync is invoked by the platform. A returned error asks the platform
// to retry later. Only store access goes through the worker loop; sends and
// position fixes run on the caller's goroutine so staging never waits on the
// network. Syncs are serialized among themselves.
func (w *Worker) HandleSync(ctx context.Context, tag string) error {
	select {
	case w.syncing <- struct{}{}:
		defer func() { <-w.syncing }()
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	switch tag {
	case TagLocationUpdate:
		err = w.syncQueued(ctx)
	case TagLocationSync:
		err = w.syncPeriodic(ctx)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	if err != nil {
		w.logger.Warn("background sync failed", zap.String("tag", tag), zap.Error(err))
	}
	return err
}

// syncQueued sends the last-known sample and the offline queue side by side.
func (w *Worker) syncQueued(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error { return w.sendLastKnown(ctx) })
	g.Go(func() error { return w.flushBatch(ctx) })
	return g.Wait()
}

func (w *Worker) sendLastKnown(ctx context.Context) error {
	var (
		s  sample.LocationSample
		ok bool
	)
	err := w.do(ctx, func(ctx context.Context) error {
		var err error
		s, ok, err = cache.LastKnown(ctx, w.store)
		return err
	})
	if err != nil || !ok {
		return err
	}
	return w.sender.SendLocation(ctx, s)
}

// flushBatch removes only the entries the server confirmed, so samples
// staged during the send stay queued.
func (w *Worker) flushBatch(ctx context.Context) error {
	var b cache.Batch
	err := w.do(ctx, func(ctx context.Context) error {
		var err error
		b, err = w.store.PeekBatch(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	if b.Skipped > 0 {
		w.logger.Warn("dropping undecodable batch entries", zap.Int("count", b.Skipped))
	}
	if b.Len() > 0 {
		if err := w.sender.SendBatch(ctx, b.Samples); err != nil {
			return err
		}
	}
	if err := w.do(ctx, func(ctx context.Context) error {
		return w.store.AckBatch(ctx, b)
	}); err != nil {
		return err
	}
	w.logger.Info("offline batch delivered", zap.Int("count", b.Len()))
	return nil
}

// syncPeriodic sends one fresh fix under the stored tracking id. No id
// means no active session.
func (w *Worker) syncPeriodic(ctx context.Context) error {
	var (
		id string
		ok bool
	)
	err := w.do(ctx, func(ctx context.Context) error {
		var err error
		id, ok, err = cache.TrackingID(ctx, w.store)
		return err
	})
	if err != nil {
		return err
	}
	if !ok || id == "" {
		return nil
	}

	pos, err := w.source.CurrentPosition(ctx, acquisition.Options{
		HighAccuracy: true,
		Timeout:      w.fixTimeout,
		MaxAge:       0,
	})
	if err != nil {
		return err
	}
	return w.sender.SendLocation(ctx, sample.LocationSample{
		ID:        id,
		Latitude:  pos.Latitude,
		Longitude: pos.Longitude,
		Accuracy:  pos.Accuracy,
		Timestamp: w.now(),
		Action:    sample.ActionTracking,
		Source:    sample.SourceBackground,
	})
}
