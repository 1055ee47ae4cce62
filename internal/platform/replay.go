package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/acquisition"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/syncerr"
)

// Track is a recorded route replayed as live positions.
type Track struct {
	// Interval is how often a watch reports the next point.
	Interval time.Duration `yaml:"interval"`
	Points   []TrackPoint  `yaml:"points"`
}

type TrackPoint struct {
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Accuracy  float64 `yaml:"accuracy"`
}

func LoadTrack(path string) (Track, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Track{}, fmt.Errorf("read track: %w", err)
	}
	return ParseTrack(raw)
}

func ParseTrack(raw []byte) (Track, error) {
	var t Track
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Track{}, fmt.Errorf("parse track: %w", err)
	}
	if len(t.Points) == 0 {
		return Track{}, errors.New("track has no points")
	}
	if t.Interval <= 0 {
		t.Interval = 5 * time.Second
	}
	return t, nil
}

// ReplaySource walks a track in a loop. Every one-shot request and every
// watch tick advances to the next point.
type ReplaySource struct {
	track Track
	now   func() time.Time

	mu       sync.Mutex
	next     int
	denied   bool
	watchSeq acquisition.WatchID
	watches  map[acquisition.WatchID]context.CancelFunc
}

func NewReplaySource(track Track) *ReplaySource {
	return &ReplaySource{
		track:   track,
		now:     func() time.Time { return time.Now().UTC() },
		watches: make(map[acquisition.WatchID]context.CancelFunc),
	}
}

// Deny makes every request fail as if location permission was refused.
func (r *ReplaySource) Deny(denied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.denied = denied
}

func (r *ReplaySource) advance() (sample.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denied {
		return sample.Position{}, &syncerr.PositionError{Code: syncerr.PermissionDenied, Message: "location permission denied"}
	}
	p := r.track.Points[r.next%len(r.track.Points)]
	r.next++
	return sample.Position{
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Accuracy:  p.Accuracy,
		Timestamp: r.now(),
	}, nil
}

func (r *ReplaySource) CurrentPosition(ctx context.Context, opts acquisition.Options) (sample.Position, error) {
	if err := ctx.Err(); err != nil {
		return sample.Position{}, &syncerr.PositionError{Code: syncerr.Timeout, Message: err.Error()}
	}
	return r.advance()
}

func (r *ReplaySource) Watch(ctx context.Context, _ acquisition.Options, onPosition func(sample.Position), onError func(error)) (acquisition.WatchID, error) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.watchSeq++
	id := r.watchSeq
	r.watches[id] = func() {
		cancel()
		<-done
	}
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.track.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pos, err := r.advance()
				if err != nil {
					onError(err)
					continue
				}
				onPosition(pos)
			}
		}
	}()
	return id, nil
}

// ClearWatch stops the watch and waits for its last callback to return.
func (r *ReplaySource) ClearWatch(id acquisition.WatchID) {
	r.mu.Lock()
	stop, ok := r.watches[id]
	delete(r.watches, id)
	r.mu.Unlock()
	if ok {
		stop()
	}
}
