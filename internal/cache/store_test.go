package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, "test")
}

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"redis":  newRedisStore(t),
		"sqlite": newSQLiteStore(t),
	}
}

func fixture(i int) sample.LocationSample {
	return sample.LocationSample{
		ID:        "VH1",
		Latitude:  12.9 + float64(i)*0.001,
		Longitude: 77.6,
		Timestamp: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		Action:    sample.ActionTracking,
	}
}

func TestKVRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			if err := SaveTrackingID(ctx, s, "VH1"); err != nil {
				t.Fatalf("save id: %v", err)
			}
			if err := SaveTrackingID(ctx, s, "VH2"); err != nil {
				t.Fatalf("overwrite id: %v", err)
			}
			id, ok, err := TrackingID(ctx, s)
			if err != nil || !ok || id != "VH2" {
				t.Fatalf("got id=%q ok=%v err=%v", id, ok, err)
			}
			if err := s.Delete(ctx, KeyTrackingID); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := TrackingID(ctx, s); ok {
				t.Fatalf("id still present after delete")
			}
			if err := s.Put(ctx, "", []byte("x")); err != ErrEmptyKey {
				t.Fatalf("expected ErrEmptyKey, got %v", err)
			}
		})
	}
}

func TestLastKnownOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := SaveLastKnown(ctx, s, fixture(1)); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := SaveLastKnown(ctx, s, fixture(2)); err != nil {
				t.Fatalf("save: %v", err)
			}
			got, ok, err := LastKnown(ctx, s)
			if err != nil || !ok {
				t.Fatalf("load: ok=%v err=%v", ok, err)
			}
			if got.Latitude != fixture(2).Latitude {
				t.Fatalf("expected latest sample, got %+v", got)
			}
		})
	}
}

func TestBatchEvictsOldest(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < BatchCapacity+1; i++ {
				if err := s.AppendToBatch(ctx, fixture(i)); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}
			got, err := s.DrainBatch(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(got) != BatchCapacity {
				t.Fatalf("expected %d samples, got %d", BatchCapacity, len(got))
			}
			if !got[0].Timestamp.Equal(fixture(1).Timestamp) {
				t.Fatalf("expected oldest entry evicted, first is %v", got[0].Timestamp)
			}
			if !got[len(got)-1].Timestamp.Equal(fixture(BatchCapacity).Timestamp) {
				t.Fatalf("unexpected last entry %v", got[len(got)-1].Timestamp)
			}
			for i, smp := range got {
				if smp.StoredAt == nil {
					t.Fatalf("entry %d has no stored_at", i)
				}
			}
		})
	}
}

func TestDrainClears(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := s.AppendToBatch(ctx, fixture(i)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			first, err := s.DrainBatch(ctx)
			if err != nil || len(first) != 3 {
				t.Fatalf("first drain: n=%d err=%v", len(first), err)
			}
			second, err := s.DrainBatch(ctx)
			if err != nil {
				t.Fatalf("second drain: %v", err)
			}
			if len(second) != 0 {
				t.Fatalf("expected empty second drain, got %d", len(second))
			}
		})
	}
}

func TestAckKeepsLateAppends(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				if err := s.AppendToBatch(ctx, fixture(i)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			b, err := s.PeekBatch(ctx)
			if err != nil || b.Len() != 2 {
				t.Fatalf("peek: n=%d err=%v", b.Len(), err)
			}
			if err := s.AppendToBatch(ctx, fixture(5)); err != nil {
				t.Fatalf("late append: %v", err)
			}
			if err := s.AckBatch(ctx, b); err != nil {
				t.Fatalf("ack: %v", err)
			}
			left, err := s.PeekBatch(ctx)
			if err != nil {
				t.Fatalf("peek after ack: %v", err)
			}
			if left.Len() != 1 || !left.Samples[0].Timestamp.Equal(fixture(5).Timestamp) {
				t.Fatalf("expected only the late entry, got %+v", left.Samples)
			}
		})
	}
}

func TestAckDuplicateSamples(t *testing.T) {
	ctx := context.Background()
	s := newRedisStore(t)
	// Identical samples still get distinct entries.
	for i := 0; i < 2; i++ {
		if err := s.AppendToBatch(ctx, fixture(0)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	b, err := s.PeekBatch(ctx)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := s.AckBatch(ctx, Batch{Samples: b.Samples[:1], refs: b.refs[:1]}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	left, _ := s.PeekBatch(ctx)
	if left.Len() != 1 {
		t.Fatalf("expected one entry left, got %d", left.Len())
	}
}

func corruptEntry(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	switch st := s.(type) {
	case *RedisStore:
		if err := st.rdb.RPush(ctx, st.key(KeyBatch), "not-json").Err(); err != nil {
			t.Fatalf("push corrupt entry: %v", err)
		}
	case *SQLiteStore:
		if _, err := st.db.ExecContext(ctx, `INSERT INTO location_batch (entry_id, payload) VALUES ('bad', 'not-json')`); err != nil {
			t.Fatalf("insert corrupt entry: %v", err)
		}
	default:
		t.Fatalf("unexpected store %T", s)
	}
}

func TestCorruptEntryDoesNotBlockQueue(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := s.AppendToBatch(ctx, fixture(i)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			corruptEntry(t, s)

			b, err := s.PeekBatch(ctx)
			if err != nil {
				t.Fatalf("peek: %v", err)
			}
			if b.Len() != 3 || b.Skipped != 1 || b.Empty() {
				t.Fatalf("expected 3 samples and 1 skipped, got n=%d skipped=%d", b.Len(), b.Skipped)
			}
			if err := s.AckBatch(ctx, b); err != nil {
				t.Fatalf("ack: %v", err)
			}
			left, err := s.PeekBatch(ctx)
			if err != nil || !left.Empty() {
				t.Fatalf("expected ack to clear the corrupt entry too: n=%d skipped=%d err=%v", left.Len(), left.Skipped, err)
			}
		})
	}
}

func TestDrainKeepsValidSamplesAroundCorruptEntry(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				if err := s.AppendToBatch(ctx, fixture(i)); err != nil {
					t.Fatalf("append: %v", err)
				}
			}
			corruptEntry(t, s)

			got, err := s.DrainBatch(ctx)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if len(got) != 3 || !got[2].Timestamp.Equal(fixture(2).Timestamp) {
				t.Fatalf("expected the 3 valid samples, got %+v", got)
			}
		})
	}
}
