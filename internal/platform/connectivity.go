package platform

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober derives online/offline events from periodic pings. It starts
// offline, so the first successful ping counts as connectivity returning.
type Prober struct {
	pinger   Pinger
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	online    bool
	rtt       time.Duration
	listeners []func(context.Context)
}

func NewProber(pinger Pinger, interval time.Duration, logger *zap.Logger) *Prober {
	return &Prober{pinger: pinger, interval: interval, logger: logging.OrNop(logger)}
}

// OnOnline registers fn for every offline to online transition.
func (p *Prober) OnOnline(fn func(context.Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// NetworkInfo reports the last measured round trip.
func (p *Prober) NetworkInfo() (*sample.Network, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.online {
		return nil, false
	}
	return &sample.Network{Type: "unknown", RTT: int(p.rtt / time.Millisecond)}, true
}

// Check pings once and fires listeners when connectivity came back.
func (p *Prober) Check(ctx context.Context) bool {
	started := time.Now()
	err := p.pinger.Ping(ctx)
	rtt := time.Since(started)

	p.mu.Lock()
	was := p.online
	p.online = err == nil
	if err == nil {
		p.rtt = rtt
	}
	listeners := append([]func(context.Context)(nil), p.listeners...)
	p.mu.Unlock()

	switch {
	case err == nil && !was:
		p.logger.Info("connectivity restored", zap.Duration("rtt", rtt))
		for _, fn := range listeners {
			fn(ctx)
		}
	case err != nil && was:
		p.logger.Warn("connectivity lost", zap.Error(err))
	}
	return err == nil
}

func (p *Prober) Run(ctx context.Context) error {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
