package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/db"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/metrics"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/sample"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("tracker not found")

// Broadcaster receives every stored location. *stream.Hub satisfies it.
type Broadcaster interface {
	Broadcast(trackerID string, payload []byte)
}

type Service struct {
	db       db.Querier
	hub      Broadcaster
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewService(q db.Querier, hub Broadcaster, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:       q,
		hub:      hub,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("tracking"),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Valid reports whether u carries a tracker id and usable coordinates.
func (s *Service) Valid(u LocationUpdate) bool {
	return s.validate.Struct(u) == nil
}

// UpdateLocation stores a single live location. The point is stamped with the
// receive time.
func (s *Service) UpdateLocation(ctx context.Context, u LocationUpdate) (Point, error) {
	if err := s.validate.Struct(u); err != nil {
		return Point{}, err
	}
	now := s.now()
	p := pointFrom(u, now)

	if u.Diagnostics != nil {
		s.logDiagnostics(u.ID, u.Diagnostics)
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		return s.insert(ctx, tx, u.ID, p, now)
	})
	if err != nil {
		return Point{}, fmt.Errorf("store location: %w", err)
	}

	s.metrics.Location("update", "accepted")
	s.broadcast(u.ID, p)
	s.logger.Debug("location update",
		zap.String("tracker_id", u.ID),
		zap.Float64("lat", p.Latitude),
		zap.Float64("lng", p.Longitude))
	return p, nil
}

// ProcessBatch stores the valid entries of a replayed batch in one transaction
// and skips the rest. Entries without a timestamp get the receive time.
func (s *Service) ProcessBatch(ctx context.Context, updates []LocationUpdate) (int, error) {
	now := s.now()
	type stored struct {
		id string
		p  Point
	}
	var accepted []stored
	for _, u := range updates {
		if err := s.validate.Struct(u); err != nil {
			s.metrics.Location("batch", "skipped")
			s.logger.Warn("skipping invalid batch entry", zap.String("tracker_id", u.ID), zap.Error(err))
			continue
		}
		p := pointFrom(u, now)
		if u.Timestamp != nil && !u.Timestamp.IsZero() {
			p.Timestamp = *u.Timestamp
		}
		accepted = append(accepted, stored{id: u.ID, p: p})
	}
	if len(accepted) == 0 {
		return 0, nil
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		for _, a := range accepted {
			if err := s.insert(ctx, tx, a.id, a.p, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store batch: %w", err)
	}

	for _, a := range accepted {
		s.metrics.Location("batch", "accepted")
		s.broadcast(a.id, a.p)
	}
	s.logger.Info("location batch stored", zap.Int("accepted", len(accepted)), zap.Int("received", len(updates)))
	return len(accepted), nil
}

// SetStatus records a tracking status message, registering unknown trackers.
// Actions other than tracking and stopped leave the active flag as it is.
func (s *Service) SetStatus(ctx context.Context, id, action string) error {
	var err error
	switch action {
	case sample.ActionTracking, sample.ActionStopped:
		_, err = s.db.Exec(ctx, `
			INSERT INTO trackers (id, is_active, last_update)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET is_active = EXCLUDED.is_active
		`, id, action == sample.ActionTracking, s.now())
	default:
		_, err = s.db.Exec(ctx, `
			INSERT INTO trackers (id, is_active, last_update)
			VALUES ($1, TRUE, $2)
			ON CONFLICT (id) DO NOTHING
		`, id, s.now())
	}
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	s.metrics.StatusChange(action)
	s.logger.Info("tracking status", zap.String("tracker_id", id), zap.String("action", action))
	return nil
}

// Tracker returns the history of one tracker. Unknown trackers and trackers
// without points yield an inactive empty view.
func (s *Service) Tracker(ctx context.Context, id string) (TrackerView, error) {
	view := TrackerView{Locations: []Point{}}

	var active bool
	var lastUpdate time.Time
	err := s.db.QueryRow(ctx, `SELECT is_active, last_update FROM trackers WHERE id=$1`, id).
		Scan(&active, &lastUpdate)
	if errors.Is(err, pgx.ErrNoRows) {
		return view, nil
	}
	if err != nil {
		return TrackerView{}, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT ST_Y(location::geometry), ST_X(location::geometry), accuracy, source, recorded_at
		FROM tracker_points WHERE tracker_id=$1
		ORDER BY recorded_at
	`, id)
	if err != nil {
		return TrackerView{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Accuracy, &p.Source, &p.Timestamp); err != nil {
			return TrackerView{}, err
		}
		view.Locations = append(view.Locations, p)
	}
	if err := rows.Err(); err != nil {
		return TrackerView{}, err
	}
	if len(view.Locations) == 0 {
		return view, nil
	}
	view.IsActive = active
	view.LastUpdate = &lastUpdate
	return view, nil
}

// All returns every tracker keyed by id.
func (s *Service) All(ctx context.Context) (map[string]TrackerView, error) {
	out := map[string]TrackerView{}

	rows, err := s.db.Query(ctx, `SELECT id, is_active, last_update FROM trackers`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		var lastUpdate time.Time
		view := TrackerView{Locations: []Point{}}
		if err := rows.Scan(&id, &view.IsActive, &lastUpdate); err != nil {
			rows.Close()
			return nil, err
		}
		view.LastUpdate = &lastUpdate
		out[id] = view
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(ctx, `
		SELECT tracker_id, ST_Y(location::geometry), ST_X(location::geometry), accuracy, source, recorded_at
		FROM tracker_points
		ORDER BY tracker_id, recorded_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var p Point
		if err := rows.Scan(&id, &p.Latitude, &p.Longitude, &p.Accuracy, &p.Source, &p.Timestamp); err != nil {
			return nil, err
		}
		view, ok := out[id]
		if !ok {
			continue
		}
		view.Locations = append(view.Locations, p)
		out[id] = view
	}
	return out, rows.Err()
}

// Delete removes a tracker and its history.
func (s *Service) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM trackers WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	s.logger.Info("tracker deleted", zap.String("tracker_id", id))
	return nil
}

// Rename moves the history of oldID to newID, replacing anything newID held.
func (s *Service) Rename(ctx context.Context, oldID, newID string) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM trackers WHERE id=$1)`, oldID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if oldID == newID {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM trackers WHERE id=$1`, newID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE trackers SET id=$2 WHERE id=$1`, oldID, newID)
		return err
	})
	if err != nil {
		return err
	}
	s.logger.Info("tracking id updated", zap.String("old_id", oldID), zap.String("new_id", newID))
	return nil
}

// Cleanup deletes points older than retention, then trackers left without
// points whose last update is also past the cutoff.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (CleanupResult, error) {
	cutoff := s.now().Add(-retention)

	points, err := s.db.Exec(ctx, `DELETE FROM tracker_points WHERE recorded_at < $1`, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup points: %w", err)
	}
	trackers, err := s.db.Exec(ctx, `
		DELETE FROM trackers t
		WHERE t.last_update < $1
		  AND NOT EXISTS (SELECT 1 FROM tracker_points p WHERE p.tracker_id = t.id)
	`, cutoff)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup trackers: %w", err)
	}

	res := CleanupResult{Points: points.RowsAffected(), Trackers: trackers.RowsAffected()}
	s.metrics.Cleanup(res.Points, res.Trackers)
	if res.Points > 0 || res.Trackers > 0 {
		s.logger.Info("retention cleanup", zap.Int64("points", res.Points), zap.Int64("trackers", res.Trackers))
	}
	return res, nil
}

// RunCleanup runs Cleanup immediately and then every interval until ctx ends.
func (s *Service) RunCleanup(ctx context.Context, interval, retention time.Duration) {
	run := func() {
		if _, err := s.Cleanup(ctx, retention); err != nil && ctx.Err() == nil {
			s.logger.Error("retention cleanup failed", zap.Error(err))
		}
	}
	run()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func (s *Service) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Service) insert(ctx context.Context, tx pgx.Tx, id string, p Point, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO trackers (id, is_active, last_update)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (id) DO UPDATE SET is_active = TRUE, last_update = EXCLUDED.last_update
	`, id, now); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO tracker_points (tracker_id, location, accuracy, source, recorded_at)
		VALUES ($1, ST_SetSRID(ST_MakePoint($2,$3), 4326)::geography, $4, $5, $6)
	`, id, p.Longitude, p.Latitude, p.Accuracy, p.Source, p.Timestamp)
	return err
}

func (s *Service) broadcast(id string, p Point) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(Broadcast{TrackerID: id, Point: p})
	if err != nil {
		return
	}
	s.hub.Broadcast(id, payload)
}

func (s *Service) logDiagnostics(id string, d *sample.Diagnostics) {
	fields := []zap.Field{zap.String("tracker_id", id), zap.String("visibility", d.VisibilityState)}
	if d.Network != nil {
		fields = append(fields, zap.String("network", d.Network.Type))
	}
	if d.Battery != nil {
		fields = append(fields, zap.Float64("battery", d.Battery.Level), zap.Bool("charging", d.Battery.Charging))
	}
	s.logger.Debug("device diagnostics", fields...)
}

func pointFrom(u LocationUpdate, ts time.Time) Point {
	return Point{
		Latitude:  *u.Latitude,
		Longitude: *u.Longitude,
		Accuracy:  u.Accuracy,
		Source:    u.Source,
		Timestamp: ts,
	}
}
