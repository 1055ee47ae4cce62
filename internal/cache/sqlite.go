package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key     TEXT PRIMARY KEY,
    value   BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS location_batch (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    entry_id    TEXT NOT NULL UNIQUE,
    payload     TEXT NOT NULL
);
`

// SQLiteStore keeps the cache in a local SQLite file, for agents that run
// without a Redis next to them.
type SQLiteStore struct {
	db       *sql.DB
	capacity int
	now      func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// One connection serialises every operation.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &SQLiteStore{db: db, capacity: BatchCapacity, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) AppendToBatch(ctx context.Context, smp sample.LocationSample) error {
	e := newEntry(smp, s.now())
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO location_batch (entry_id, payload) VALUES (?, ?)`, e.ID, string(raw)); err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM location_batch
		WHERE seq NOT IN (SELECT seq FROM location_batch ORDER BY seq DESC LIMIT ?)`, s.capacity); err != nil {
		return fmt.Errorf("trim batch: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DrainBatch(ctx context.Context) ([]sample.LocationSample, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("drain batch: %w", err)
	}
	defer tx.Rollback()

	b, err := readBatch(ctx, tx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM location_batch`); err != nil {
		return nil, fmt.Errorf("drain batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("drain batch: %w", err)
	}
	return b.Samples, nil
}

func (s *SQLiteStore) PeekBatch(ctx context.Context) (Batch, error) {
	return readBatch(ctx, s.db)
}

func (s *SQLiteStore) AckBatch(ctx context.Context, b Batch) error {
	if len(b.refs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ack batch: %w", err)
	}
	defer tx.Rollback()

	for _, id := range b.refs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM location_batch WHERE entry_id = ?`, id); err != nil {
			return fmt.Errorf("ack batch: %w", err)
		}
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readBatch(ctx context.Context, q queryer) (Batch, error) {
	rows, err := q.QueryContext(ctx, `SELECT entry_id, payload FROM location_batch ORDER BY seq`)
	if err != nil {
		return Batch{}, fmt.Errorf("read batch: %w", err)
	}
	defer rows.Close()

	var b Batch
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return Batch{}, err
		}
		b.refs = append(b.refs, id)
		e, err := decodeEntry([]byte(payload))
		if err != nil {
			b.Skipped++
			continue
		}
		b.Samples = append(b.Samples, e.Sample)
	}
	return b, rows.Err()
}
