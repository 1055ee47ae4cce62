package bgsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/acquisition"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/cache"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

type fakeSender struct {
	mu       sync.Mutex
	batchErr error
	singles  []sample.LocationSample
	batches  [][]sample.LocationSample

	// entered and release, when set, hold SendBatch open.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeSender) SendLocation(_ context.Context, s sample.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singles = append(f.singles, s)
	return nil
}

func (f *fakeSender) SendBatch(_ context.Context, samples []sample.LocationSample) error {
	if f.entered != nil {
		close(f.entered)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.batchErr != nil {
		return f.batchErr
	}
	f.batches = append(f.batches, samples)
	return nil
}

type fakeSource struct {
	opts []acquisition.Options
}

func (f *fakeSource) CurrentPosition(_ context.Context, opts acquisition.Options) (sample.Position, error) {
	f.opts = append(f.opts, opts)
	return sample.Position{Latitude: 12.9, Longitude: 77.6, Accuracy: 8}, nil
}

func (f *fakeSource) Watch(context.Context, acquisition.Options, func(sample.Position), func(error)) (acquisition.WatchID, error) {
	return 0, errors.New("not supported")
}

func (f *fakeSource) ClearWatch(acquisition.WatchID) {}

type fakePlatform struct {
	granted    bool
	oneOff     []string
	periodic   map[string]time.Duration
	unregister []string
}

func (f *fakePlatform) RegisterOneOff(_ context.Context, tag string) error {
	f.oneOff = append(f.oneOff, tag)
	return nil
}

func (f *fakePlatform) PeriodicPermission(context.Context) (bool, error) {
	return f.granted, nil
}

func (f *fakePlatform) RegisterPeriodic(_ context.Context, tag string, d time.Duration) error {
	if f.periodic == nil {
		f.periodic = map[string]time.Duration{}
	}
	f.periodic[tag] = d
	return nil
}

func (f *fakePlatform) UnregisterPeriodic(_ context.Context, tag string) error {
	f.unregister = append(f.unregister, tag)
	return nil
}

func newWorker(t *testing.T, sender Sender, source acquisition.PositionSource) (*Worker, cache.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewRedisStore(rdb, "bgsync-test")

	w := NewWorker(store, sender, source, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		rdb.Close()
	})
	return w, store
}

func TestSyncSendsLastKnownAndBatch(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	w, store := newWorker(t, sender, &fakeSource{})

	for i := 0; i < 3; i++ {
		if err := w.Stage(ctx, sample.LocationSample{ID: "VH1", Latitude: float64(i)}); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	if err := w.HandleSync(ctx, TagLocationUpdate); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if len(sender.singles) != 1 || sender.singles[0].Latitude != 2 {
		t.Fatalf("expected last-known sample sent, got %+v", sender.singles)
	}
	if len(sender.batches) != 1 || len(sender.batches[0]) != 3 {
		t.Fatalf("expected one batch of 3, got %+v", sender.batches)
	}
	b, err := store.PeekBatch(ctx)
	if err != nil || b.Len() != 0 {
		t.Fatalf("queue should be empty after sync: n=%d err=%v", b.Len(), err)
	}
}

func TestSyncFailureKeepsQueue(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{batchErr: errors.New("503")}
	w, store := newWorker(t, sender, &fakeSource{})

	if err := w.Stage(ctx, sample.LocationSample{ID: "VH1"}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	if err := w.HandleSync(ctx, TagLocationUpdate); err == nil {
		t.Fatalf("expected sync error so the platform retries")
	}
	b, err := store.PeekBatch(ctx)
	if err != nil || b.Len() != 1 {
		t.Fatalf("queue must survive a failed send: n=%d err=%v", b.Len(), err)
	}
}

func TestSyncEmptyQueue(t *testing.T) {
	sender := &fakeSender{}
	w, _ := newWorker(t, sender, &fakeSource{})
	if err := w.HandleSync(context.Background(), TagLocationUpdate); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(sender.singles) != 0 || len(sender.batches) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestPeriodicWithoutSession(t *testing.T) {
	sender, source := &fakeSender{}, &fakeSource{}
	w, _ := newWorker(t, sender, source)
	if err := w.HandleSync(context.Background(), TagLocationSync); err != nil {
		t.Fatalf("periodic: %v", err)
	}
	if len(source.opts) != 0 || len(sender.singles) != 0 {
		t.Fatalf("expected no-op without a tracking id")
	}
}

func TestPeriodicSendsFreshFix(t *testing.T) {
	ctx := context.Background()
	sender, source := &fakeSender{}, &fakeSource{}
	w, _ := newWorker(t, sender, source)

	if err := w.StoreTrackingID(ctx, "VH1"); err != nil {
		t.Fatalf("store id: %v", err)
	}
	if err := w.HandleSync(ctx, TagLocationSync); err != nil {
		t.Fatalf("periodic: %v", err)
	}
	if len(source.opts) != 1 || source.opts[0].MaxAge != 0 || !source.opts[0].HighAccuracy {
		t.Fatalf("expected one fresh high-accuracy fix, got %+v", source.opts)
	}
	if len(sender.singles) != 1 {
		t.Fatalf("expected one direct send, got %d", len(sender.singles))
	}
	got := sender.singles[0]
	if got.ID != "VH1" || got.Source != sample.SourceBackground || got.Action != sample.ActionTracking {
		t.Fatalf("unexpected sample %+v", got)
	}

	if err := w.ClearTrackingID(ctx); err != nil {
		t.Fatalf("clear id: %v", err)
	}
	if err := w.HandleSync(ctx, TagLocationSync); err != nil {
		t.Fatalf("periodic: %v", err)
	}
	if len(sender.singles) != 1 {
		t.Fatalf("expected no send after clearing the id")
	}
}

func TestUnknownTag(t *testing.T) {
	w, _ := newWorker(t, &fakeSender{}, &fakeSource{})
	if err := w.HandleSync(context.Background(), "other"); !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("expected ErrUnknownTag, got %v", err)
	}
}

func TestStoppedWorker(t *testing.T) {
	w := NewWorker(nil, &fakeSender{}, &fakeSource{}, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)
	if err := w.StoreTrackingID(context.Background(), "VH1"); !errors.Is(err, ErrWorkerStopped) {
		t.Fatalf("expected ErrWorkerStopped, got %v", err)
	}
}

func TestSchedulerPeriodicPermission(t *testing.T) {
	ctx := context.Background()

	denied := &fakePlatform{}
	ok, err := NewScheduler(denied, nil).EnablePeriodic(ctx)
	if err != nil || ok || len(denied.periodic) != 0 {
		t.Fatalf("expected no registration without permission: ok=%v err=%v", ok, err)
	}

	granted := &fakePlatform{granted: true}
	s := NewScheduler(granted, nil)
	ok, err = s.EnablePeriodic(ctx)
	if err != nil || !ok {
		t.Fatalf("expected registration: ok=%v err=%v", ok, err)
	}
	if granted.periodic[TagLocationSync] != PeriodicInterval {
		t.Fatalf("unexpected periodic registrations %v", granted.periodic)
	}
	if err := s.DisablePeriodic(ctx); err != nil || len(granted.unregister) != 1 {
		t.Fatalf("expected unregister: err=%v", err)
	}
	if err := s.RequestSync(ctx); err != nil || len(granted.oneOff) != 1 || granted.oneOff[0] != TagLocationUpdate {
		t.Fatalf("unexpected one-off registrations %v", granted.oneOff)
	}
}

func TestStageNotBlockedBySlowSync(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{entered: make(chan struct{}), release: make(chan struct{})}
	w, store := newWorker(t, sender, &fakeSource{})

	if err := w.Stage(ctx, sample.LocationSample{ID: "VH1", Latitude: 1}); err != nil {
		t.Fatalf("stage: %v", err)
	}
	syncErr := make(chan error, 1)
	go func() { syncErr <- w.HandleSync(ctx, TagLocationUpdate) }()
	<-sender.entered

	stageCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := w.Stage(stageCtx, sample.LocationSample{ID: "VH1", Latitude: 2}); err != nil {
		t.Fatalf("stage during sync: %v", err)
	}

	close(sender.release)
	if err := <-syncErr; err != nil {
		t.Fatalf("sync: %v", err)
	}
	b, err := store.PeekBatch(ctx)
	if err != nil || b.Len() != 1 || b.Samples[0].Latitude != 2 {
		t.Fatalf("expected only the sample staged during sync: %+v err=%v", b.Samples, err)
	}
}

func TestSyncClearsUndecodableEntries(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := cache.NewRedisStore(rdb, "corrupt")
	if err := rdb.RPush(ctx, "corrupt:"+cache.KeyBatch, "not-json").Err(); err != nil {
		t.Fatalf("push: %v", err)
	}

	sender := &fakeSender{}
	w := NewWorker(store, sender, &fakeSource{}, time.Second, nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	if err := w.HandleSync(ctx, TagLocationUpdate); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(sender.batches) != 0 {
		t.Fatalf("nothing decodable should be sent, got %d batches", len(sender.batches))
	}
	if n, _ := rdb.LLen(ctx, "corrupt:"+cache.KeyBatch).Result(); n != 0 {
		t.Fatalf("expected corrupt entry removed, %d left", n)
	}
}
