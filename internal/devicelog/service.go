package devicelog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/db"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/logging"
	"github.com/aga9leaps/gps-tracker-poc1-nippon/internal/metrics"

	"go.uber.org/zap"
)

// Summary is the part of an uploaded payload the server reads. The payload
// itself is stored verbatim.
type Summary struct {
	DeviceID           string            `json:"deviceId"`
	UserAgent          string            `json:"userAgent"`
	SuccessLogs        []json.RawMessage `json:"successLogs"`
	FailureLogs        []json.RawMessage `json:"failureLogs"`
	PendingFailureLogs []json.RawMessage `json:"pendingFailureLogs"`
}

// Record is one stored upload.
type Record struct {
	DeviceID   string          `json:"deviceId"`
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

type Service struct {
	db      db.Querier
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func NewService(q db.Querier, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		db:      q,
		metrics: m,
		logger:  logging.OrNop(logger).Named("devicelog"),
		now:     time.Now,
	}
}

func (s *Service) Store(ctx context.Context, sum Summary, payload []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_logs (device_id, payload, received_at)
		VALUES ($1, $2, $3)
	`, sum.DeviceID, payload, s.now())
	if err != nil {
		return fmt.Errorf("store diagnostics: %w", err)
	}
	s.metrics.DiagnosticUpload()
	s.logger.Info("diagnostic logs saved",
		zap.String("device_id", sum.DeviceID),
		zap.String("user_agent", sum.UserAgent),
		zap.Int("failures", len(sum.FailureLogs)),
		zap.Int("successes", len(sum.SuccessLogs)),
		zap.Int("pending_failures", len(sum.PendingFailureLogs)))
	return nil
}

// Recent returns up to limit uploads for deviceID, newest first.
func (s *Service) Recent(ctx context.Context, deviceID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT device_id, received_at, payload
		FROM device_logs WHERE device_id=$1
		ORDER BY received_at DESC
		LIMIT $2
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var payload []byte
		if err := rows.Scan(&r.DeviceID, &r.ReceivedAt, &payload); err != nil {
			return nil, err
		}
		r.Payload = payload
		records = append(records, r)
	}
	return records, rows.Err()
}
