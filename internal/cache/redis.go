package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

const defaultNamespace = "location-cache"

// RedisStore keeps the cache in Redis. The batch queue is a list; appends and
// drains run inside MULTI/EXEC so they never interleave.
type RedisStore struct {
	rdb       redis.Cmdable
	namespace string
	capacity  int
	now       func() time.Time
}

func NewRedisStore(rdb redis.Cmdable, namespace string) *RedisStore {
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &RedisStore{
		rdb:       rdb,
		namespace: namespace,
		capacity:  BatchCapacity,
		now:       time.Now,
	}
}

func (s *RedisStore) key(k string) string {
	return s.namespace + ":" + k
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.rdb.Set(ctx, s.key(key), value, 0).Err()
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.rdb.Del(ctx, s.key(key)).Err()
}

func (s *RedisStore) AppendToBatch(ctx context.Context, smp sample.LocationSample) error {
	raw, err := json.Marshal(newEntry(smp, s.now()))
	if err != nil {
		return err
	}
	key := s.key(KeyBatch)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, raw)
		pipe.LTrim(ctx, key, int64(-s.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	return nil
}

func (s *RedisStore) DrainBatch(ctx context.Context) ([]sample.LocationSample, error) {
	key := s.key(KeyBatch)
	var rng *redis.StringSliceCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rng = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain batch: %w", err)
	}
	return decodeBatch(rng.Val()).Samples, nil
}

func (s *RedisStore) PeekBatch(ctx context.Context) (Batch, error) {
	raws, err := s.rdb.LRange(ctx, s.key(KeyBatch), 0, -1).Result()
	if err != nil {
		return Batch{}, fmt.Errorf("peek batch: %w", err)
	}
	return decodeBatch(raws), nil
}

// AckBatch removes the exact list values of b. Entries appended after the
// peek are left alone.
func (s *RedisStore) AckBatch(ctx context.Context, b Batch) error {
	if len(b.refs) == 0 {
		return nil
	}
	key := s.key(KeyBatch)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range b.refs {
			pipe.LRem(ctx, key, 1, raw)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return nil }

func decodeBatch(raws []string) Batch {
	b := Batch{
		Samples: make([]sample.LocationSample, 0, len(raws)),
		refs:    make([]string, 0, len(raws)),
	}
	for _, raw := range raws {
		b.refs = append(b.refs, raw)
		e, err := decodeEntry([]byte(raw))
		if err != nil {
			b.Skipped++
			continue
		}
		b.Samples = append(b.Samples, e.Sample)
	}
	return b
}
