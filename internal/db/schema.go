package db

import "context"

// Schema creates the tracker tables. Points follow a tracker through renames
// and deletes via the foreign key.
const Schema = `
CREATE EXTENSION IF NOT EXISTS postgis;

CREATE TABLE IF NOT EXISTS trackers (
	id          TEXT PRIMARY KEY,
	is_active   BOOLEAN NOT NULL DEFAULT TRUE,
	last_update TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tracker_points (
	id          BIGSERIAL PRIMARY KEY,
	tracker_id  TEXT NOT NULL REFERENCES trackers(id) ON UPDATE CASCADE ON DELETE CASCADE,
	location    GEOGRAPHY(POINT, 4326) NOT NULL,
	accuracy    DOUBLE PRECISION,
	source      TEXT NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS tracker_points_tracker_recorded_idx
	ON tracker_points (tracker_id, recorded_at);

CREATE TABLE IF NOT EXISTS device_logs (
	id          BIGSERIAL PRIMARY KEY,
	device_id   TEXT NOT NULL,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies Schema. Every statement is idempotent.
func Migrate(ctx context.Context, q Querier) error {
	_, err := q.Exec(ctx, Schema)
	return err
}
