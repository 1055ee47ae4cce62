// Package diagnostics keeps the device-side diagnostic history: nine bounded
// categories persisted next to the location cache and uploaded in one
// payload.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/cache"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/syncerr"
)

const (
	keyPrefix     = "diagnostics:"
	unknownDevice = "unknown_device"
)

// Uploader posts a diagnostics payload to the server.
type Uploader interface {
	UploadDiagnostics(ctx context.Context, payload any) error
}

type Options struct {
	Store      cache.KV
	Uploader   Uploader
	Network    sample.NetworkInfoProvider
	Visibility func() string
	UserAgent  string
	Logger     *zap.Logger
	Now        func() time.Time
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	logs map[Category]*Log[Entry]

	store      cache.KV
	uploader   Uploader
	network    sample.NetworkInfoProvider
	visibility func() string
	userAgent  string
	logger     *zap.Logger
	now        func() time.Time
}

func NewRecorder(opts Options) *Recorder {
	r := &Recorder{
		logs:       make(map[Category]*Log[Entry], len(capacities)),
		store:      opts.Store,
		uploader:   opts.Uploader,
		network:    opts.Network,
		visibility: opts.Visibility,
		userAgent:  opts.UserAgent,
		logger:     logging.OrNop(opts.Logger),
		now:        opts.Now,
	}
	if r.now == nil {
		r.now = func() time.Time { return time.Now().UTC() }
	}
	for _, c := range Categories() {
		r.logs[c] = NewLog[Entry](Capacity(c))
	}
	return r
}

// Load restores persisted categories. Unreadable categories start empty.
func (r *Recorder) Load(ctx context.Context) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range Categories() {
		raw, ok, err := r.store.Get(ctx, keyPrefix+string(c))
		if err != nil {
			r.logger.Warn("load diagnostics", zap.String("category", string(c)), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		var items []Entry
		if err := json.Unmarshal(raw, &items); err != nil {
			r.logger.Warn("decode diagnostics", zap.String("category", string(c)), zap.Error(err))
			continue
		}
		r.logs[c].Replace(items)
	}
}

// Entries returns a copy of one category.
func (r *Recorder) Entries(c Category) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.logs[c]; ok {
		return l.Items()
	}
	return nil
}

func (r *Recorder) Attempt(ctx context.Context, s sample.LocationSample) {
	r.append(ctx, CategoryAttempts, Entry{Type: EntryLocationAttempt, Data: &s})
}

func (r *Recorder) ConnectionSuccess(ctx context.Context) {
	r.append(ctx, CategoryConnectionSuccess, Entry{NetworkInfo: r.networkInfo()})
}

// ConnectionFailure records a failed send. Once the category holds enough
// failures they are mirrored into the pending category for the next upload.
func (r *Recorder) ConnectionFailure(ctx context.Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := r.logs[CategoryConnectionFailure]
	failures.Append(Entry{
		Timestamp:       r.now(),
		Error:           errString(err),
		NetworkInfo:     r.networkInfo(),
		VisibilityState: r.visibilityState(),
	})
	r.persist(ctx, CategoryConnectionFailure)

	if failures.Len() >= pendingThreshold {
		r.logs[CategoryPendingFailure].Replace(failures.Items())
		r.persist(ctx, CategoryPendingFailure)
	}
}

func (r *Recorder) PingSuccess(ctx context.Context) {
	r.append(ctx, CategoryPing, Entry{Type: EntryPingSuccess})
}

func (r *Recorder) PingFailure(ctx context.Context, err error) {
	r.append(ctx, CategoryPing, Entry{Type: EntryPingFailure, Error: errString(err), NetworkInfo: r.networkInfo()})
}

func (r *Recorder) LocationError(ctx context.Context, err error) {
	e := Entry{Message: errString(err), VisibilityState: r.visibilityState()}
	var pe *syncerr.PositionError
	if errors.As(err, &pe) {
		e.Code = int(pe.Code)
	}
	r.append(ctx, CategoryLocationError, e)
}

func (r *Recorder) WakeFailure(ctx context.Context, err error) {
	r.append(ctx, CategoryWakeLock, Entry{Error: errString(err), VisibilityState: r.visibilityState()})
}

func (r *Recorder) Visibility(ctx context.Context, state string) {
	r.append(ctx, CategoryVisibility, Entry{State: state})
}

func (r *Recorder) TrackingStarted(ctx context.Context, trackingID string) {
	r.append(ctx, CategoryTrackingStatus, Entry{Type: EntryStarted, TrackingID: trackingID, NetworkInfo: r.networkInfo()})
}

func (r *Recorder) TrackingStartFailed(ctx context.Context, err error) {
	r.append(ctx, CategoryTrackingStatus, Entry{Type: EntryStartFailed, Error: errString(err), NetworkInfo: r.networkInfo()})
}

// Upload posts every non-empty category. On success only the pending
// category is cleared; the rest stay as rolling history. Nothing is sent
// when all categories are empty.
func (r *Recorder) Upload(ctx context.Context, deviceID string) error {
	if r.uploader == nil {
		return nil
	}
	p := r.snapshot(deviceID)
	if p.empty() {
		return nil
	}

	if err := r.uploader.UploadDiagnostics(ctx, p); err != nil {
		r.logger.Warn("upload diagnostics", zap.String("device_id", p.DeviceID), zap.Error(err))
		return err
	}

	r.mu.Lock()
	r.logs[CategoryPendingFailure].Clear()
	if r.store != nil {
		if err := r.store.Delete(ctx, keyPrefix+string(CategoryPendingFailure)); err != nil {
			r.logger.Warn("clear pending diagnostics", zap.Error(err))
		}
	}
	r.mu.Unlock()

	r.logger.Debug("diagnostics uploaded", zap.String("device_id", p.DeviceID))
	return nil
}

func (r *Recorder) snapshot(deviceID string) Payload {
	if deviceID == "" {
		deviceID = unknownDevice
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return Payload{
		DeviceID:           deviceID,
		Timestamp:          r.now(),
		UserAgent:          r.userAgent,
		TrackingLogs:       r.logs[CategoryAttempts].Tail(attemptsUploaded),
		SuccessLogs:        r.logs[CategoryConnectionSuccess].Items(),
		FailureLogs:        r.logs[CategoryConnectionFailure].Items(),
		PendingFailureLogs: r.logs[CategoryPendingFailure].Items(),
		PingLogs:           r.logs[CategoryPing].Items(),
		LocationErrorLogs:  r.logs[CategoryLocationError].Items(),
		WakeLockLogs:       r.logs[CategoryWakeLock].Items(),
		VisibilityLogs:     r.logs[CategoryVisibility].Items(),
		TrackingStatusLogs: r.logs[CategoryTrackingStatus].Items(),
	}
}

func (r *Recorder) append(ctx context.Context, c Category, e Entry) {
	e.Timestamp = r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[c].Append(e)
	r.persist(ctx, c)
}

// persist writes one category back to the store. Callers hold r.mu.
func (r *Recorder) persist(ctx context.Context, c Category) {
	if r.store == nil {
		return
	}
	raw, err := json.Marshal(r.logs[c].Items())
	if err == nil {
		err = r.store.Put(ctx, keyPrefix+string(c), raw)
	}
	if err != nil {
		r.logger.Warn("persist diagnostics", zap.String("category", string(c)), zap.Error(err))
	}
}

func (r *Recorder) networkInfo() *sample.Network {
	if r.network == nil {
		return nil
	}
	if n, ok := r.network.NetworkInfo(); ok {
		return n
	}
	return nil
}

func (r *Recorder) visibilityState() string {
	if r.visibility == nil {
		return ""
	}
	return r.visibility()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
