// Package cache is the durable state shared by the foreground session and
// the background worker: a small key/value space plus the offline batch
// queue. Each Store operation is atomic with respect to the others, which is
// the only synchronisation the two contexts rely on.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

const (
	KeyTrackingID   = "tracking-id"
	KeyLastPosition = "last-position"
	KeyBatch        = "location-batch"

	// BatchCapacity bounds the offline queue; the oldest entry is evicted first.
	BatchCapacity = 100
)

var ErrEmptyKey = errors.New("cache: empty key")

type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

type Store interface {
	KV
	AppendToBatch(ctx context.Context, s sample.LocationSample) error
	// DrainBatch returns the queued samples in append order and clears the
	// queue in the same atomic step. Entries that no longer decode are
	// dropped.
	DrainBatch(ctx context.Context) ([]sample.LocationSample, error)
	// PeekBatch reads the queue without clearing it. Pair with AckBatch to
	// remove exactly the entries that were delivered. Undecodable entries
	// are counted in Skipped and removed by the ack along with the rest.
	PeekBatch(ctx context.Context) (Batch, error)
	AckBatch(ctx context.Context, b Batch) error
	Close() error
}

// Batch is a snapshot of the offline queue.
type Batch struct {
	Samples []sample.LocationSample
	// Skipped counts entries that failed to decode.
	Skipped int
	refs    []string
}

func (b Batch) Len() int { return len(b.Samples) }

// Empty reports whether the snapshot holds nothing to send or ack.
func (b Batch) Empty() bool { return len(b.refs) == 0 }

type entry struct {
	ID     string                `json:"entry_id"`
	Sample sample.LocationSample `json:"sample"`
}

func newEntry(s sample.LocationSample, now time.Time) entry {
	return entry{ID: uuid.NewString(), Sample: s.WithStoredAt(now)}
}

func decodeEntry(raw []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return entry{}, fmt.Errorf("decode batch entry: %w", err)
	}
	return e, nil
}

// SaveTrackingID records the id background syncs send under.
func SaveTrackingID(ctx context.Context, kv KV, id string) error {
	return kv.Put(ctx, KeyTrackingID, []byte(id))
}

func TrackingID(ctx context.Context, kv KV) (string, bool, error) {
	raw, ok, err := kv.Get(ctx, KeyTrackingID)
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}

// SaveLastKnown overwrites the single-slot last-known sample.
func SaveLastKnown(ctx context.Context, kv KV, s sample.LocationSample) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return kv.Put(ctx, KeyLastPosition, raw)
}

func LastKnown(ctx context.Context, kv KV) (sample.LocationSample, bool, error) {
	raw, ok, err := kv.Get(ctx, KeyLastPosition)
	if err != nil || !ok {
		return sample.LocationSample{}, false, err
	}
	var s sample.LocationSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return sample.LocationSample{}, false, fmt.Errorf("decode last-known sample: %w", err)
	}
	return s, true, nil
}
