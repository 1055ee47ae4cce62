package acquisition

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

const snapshotTimeout = 5 * time.Second

type Config struct {
	MinDistance  float64
	PollInterval time.Duration
	Timeout      time.Duration
	MaxAge       time.Duration
}

func (c Config) high() Options {
	return Options{HighAccuracy: true, Timeout: c.Timeout, MaxAge: c.MaxAge}
}

// fresh asks for a new fix with no cached positions allowed.
func (c Config) fresh(timeout time.Duration) Options {
	return Options{HighAccuracy: true, Timeout: timeout, MaxAge: 0}
}

// Multiplexer belongs to one tracking session. The acceptance filter only
// applies to the initial fix, manual polls and the pre-suspension snapshot;
// only those move the filter's baseline. Watch and keep-alive samples are
// delivered unfiltered.
type Multiplexer struct {
	source   PositionSource
	builder  sample.Builder
	sink     Sink
	recorder ErrorRecorder
	logger   *zap.Logger
	cfg      Config

	mu       sync.Mutex
	last     *sample.LocationSample
	watchID  WatchID
	watching bool
	watchCtx context.Context

	pollMu     sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func New(source PositionSource, builder sample.Builder, sink Sink, recorder ErrorRecorder, cfg Config, logger *zap.Logger) *Multiplexer {
	return &Multiplexer{
		source:   source,
		builder:  builder,
		sink:     sink,
		recorder: recorder,
		logger:   logging.OrNop(logger),
		cfg:      cfg,
	}
}

// LastAccepted returns the filter baseline, or nil before the first fix.
func (m *Multiplexer) LastAccepted() *sample.LocationSample {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	s := *m.last
	return &s
}

// Initial takes the first high-accuracy fix of a session. Its error decides
// whether the session can start, so it is returned rather than recorded.
func (m *Multiplexer) Initial(ctx context.Context) (sample.LocationSample, error) {
	pos, err := m.source.CurrentPosition(ctx, m.cfg.high())
	if err != nil {
		return sample.LocationSample{}, err
	}
	s := m.builder.Build(ctx, pos, sample.SourceManual)
	m.mu.Lock()
	m.last = &s
	m.mu.Unlock()
	m.sink.Deliver(ctx, s)
	return s, nil
}

// Poll runs one manual poll: high accuracy first, then the low-accuracy
// fallback. Failures are recorded and never stop the poll timer.
func (m *Multiplexer) Poll(ctx context.Context) bool {
	pos, err := m.source.CurrentPosition(ctx, m.cfg.high())
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.recordError(ctx, err)
		pos, err = m.source.CurrentPosition(ctx, m.cfg.high().Low())
		if err != nil {
			if ctx.Err() == nil {
				m.recordError(ctx, err)
			}
			return false
		}
	}
	return m.offer(ctx, pos, sample.SourceManual)
}

// Probe takes a fresh fix for the keep-alive tick and delivers it whatever
// the distance moved.
func (m *Multiplexer) Probe(ctx context.Context) error {
	pos, err := m.source.CurrentPosition(ctx, m.cfg.fresh(m.cfg.Timeout))
	if err != nil {
		m.recordError(ctx, err)
		return err
	}
	m.sink.Deliver(ctx, m.builder.Build(ctx, pos, sample.SourceKeepAlive))
	return nil
}

// Snapshot takes one fresh fix before the process is suspended.
func (m *Multiplexer) Snapshot(ctx context.Context) bool {
	pos, err := m.source.CurrentPosition(ctx, m.cfg.fresh(snapshotTimeout))
	if err != nil {
		m.recordError(ctx, err)
		return false
	}
	return m.offer(ctx, pos, sample.SourceManual)
}

// offer applies the acceptance filter and delivers accepted samples.
func (m *Multiplexer) offer(ctx context.Context, pos sample.Position, source sample.Source) bool {
	s := m.builder.Build(ctx, pos, source)

	m.mu.Lock()
	if !Accept(m.last, s, m.cfg.MinDistance) {
		m.mu.Unlock()
		return false
	}
	m.last = &s
	m.mu.Unlock()

	m.sink.Deliver(ctx, s)
	return true
}

// StartWatch registers the continuous watch. A second call is a no-op.
func (m *Multiplexer) StartWatch(ctx context.Context) error {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	id, err := m.source.Watch(ctx, m.cfg.high(), m.onWatchPosition, m.onWatchError)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.watchID = id
	m.watching = true
	m.watchCtx = ctx
	m.mu.Unlock()
	return nil
}

func (m *Multiplexer) StopWatch() {
	m.mu.Lock()
	if !m.watching {
		m.mu.Unlock()
		return
	}
	id := m.watchID
	m.watching = false
	m.mu.Unlock()

	m.source.ClearWatch(id)
}

func (m *Multiplexer) onWatchPosition(pos sample.Position) {
	m.mu.Lock()
	watching, ctx := m.watching, m.watchCtx
	m.mu.Unlock()
	if !watching {
		return
	}
	m.sink.Deliver(ctx, m.builder.Build(ctx, pos, sample.SourceWatch))
}

func (m *Multiplexer) onWatchError(err error) {
	m.mu.Lock()
	watching, ctx := m.watching, m.watchCtx
	m.mu.Unlock()
	if !watching {
		return
	}
	m.recordError(ctx, err)
}

// StartPolling runs Poll on every tick until StopPolling or ctx ends. Each
// tick waits for the previous poll to finish.
func (m *Multiplexer) StartPolling(ctx context.Context) {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.pollDone != nil {
		select {
		case <-m.pollDone:
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.pollCancel = cancel
	m.pollDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Poll(ctx)
			}
		}
	}()
}

// StopPolling cancels the poll loop and waits for it to exit.
func (m *Multiplexer) StopPolling() {
	m.pollMu.Lock()
	cancel, done := m.pollCancel, m.pollDone
	m.pollCancel = nil
	m.pollMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PollingActive reports whether the poll loop is still running.
func (m *Multiplexer) PollingActive() bool {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()
	if m.pollDone == nil || m.pollCancel == nil {
		return false
	}
	select {
	case <-m.pollDone:
		return false
	default:
		return true
	}
}

func (m *Multiplexer) recordError(ctx context.Context, err error) {
	m.logger.Debug("location error", zap.Error(err))
	if m.recorder != nil {
		m.recorder.LocationError(ctx, err)
	}
}
