package tracking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
)

type recordingHub struct {
	ids      []string
	payloads [][]byte
}

func (h *recordingHub) Broadcast(id string, payload []byte) {
	h.ids = append(h.ids, id)
	h.payloads = append(h.payloads, payload)
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func fixedService(mock pgxmock.PgxPoolIface, hub Broadcaster, now time.Time) *Service {
	svc := NewService(mock, hub, nil, nil)
	svc.now = func() time.Time { return now }
	return svc
}

func coord(v float64) *float64 { return &v }

func TestUpdateLocationStoresAndBroadcasts(t *testing.T) {
	mock := newMock(t)
	hub := &recordingHub{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := fixedService(mock, hub, now)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO trackers`).
		WithArgs("dev-1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO tracker_points`).
		WithArgs("dev-1", 106.8, -6.2, pgxmock.AnyArg(), "manual", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	p, err := svc.UpdateLocation(context.Background(), LocationUpdate{
		ID: "dev-1", Latitude: coord(-6.2), Longitude: coord(106.8), Source: "manual",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !p.Timestamp.Equal(now) {
		t.Fatalf("expected receive time stamp, got %v", p.Timestamp)
	}
	if len(hub.ids) != 1 || hub.ids[0] != "dev-1" {
		t.Fatalf("expected one broadcast for dev-1, got %v", hub.ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateLocationZeroCoordinatesAreValid(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	if !svc.Valid(LocationUpdate{ID: "a", Latitude: coord(0), Longitude: coord(0)}) {
		t.Fatalf("expected zero coordinates to be valid")
	}
	if svc.Valid(LocationUpdate{ID: "a", Latitude: coord(0)}) {
		t.Fatalf("expected missing longitude to be invalid")
	}
	if svc.Valid(LocationUpdate{Latitude: coord(1), Longitude: coord(1)}) {
		t.Fatalf("expected missing id to be invalid")
	}
	if svc.Valid(LocationUpdate{ID: "a", Latitude: coord(91), Longitude: coord(0)}) {
		t.Fatalf("expected out of range latitude to be invalid")
	}
}

func TestUpdateLocationRollsBackOnError(t *testing.T) {
	mock := newMock(t)
	hub := &recordingHub{}
	svc := fixedService(mock, hub, time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO trackers`).WillReturnError(errors.New("db down"))
	mock.ExpectRollback()

	if _, err := svc.UpdateLocation(context.Background(), LocationUpdate{
		ID: "dev-1", Latitude: coord(1), Longitude: coord(2),
	}); err == nil {
		t.Fatalf("expected error")
	}
	if len(hub.ids) != 0 {
		t.Fatalf("expected no broadcast on failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessBatchSkipsInvalidEntries(t *testing.T) {
	mock := newMock(t)
	hub := &recordingHub{}
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := fixedService(mock, hub, now)
	fixTime := now.Add(-10 * time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO trackers`).WithArgs("dev-1", now).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO tracker_points`).
		WithArgs("dev-1", 2.0, 1.0, pgxmock.AnyArg(), "", fixTime).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO trackers`).WithArgs("dev-1", now).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO tracker_points`).
		WithArgs("dev-1", 4.0, 3.0, pgxmock.AnyArg(), "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := svc.ProcessBatch(context.Background(), []LocationUpdate{
		{ID: "dev-1", Latitude: coord(1), Longitude: coord(2), Timestamp: &fixTime},
		{ID: "dev-1", Latitude: coord(5)},
		{},
		{ID: "dev-1", Latitude: coord(3), Longitude: coord(4)},
	})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stored, got %d", n)
	}
	if len(hub.ids) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(hub.ids))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcessBatchAllInvalidTouchesNothing(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	n, err := svc.ProcessBatch(context.Background(), []LocationUpdate{{}, {ID: "x"}})
	if err != nil || n != 0 {
		t.Fatalf("expected nothing stored, got %d %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetStatus(t *testing.T) {
	mock := newMock(t)
	now := time.Now()
	svc := fixedService(mock, nil, now)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET is_active = EXCLUDED.is_active`).
		WithArgs("dev-1", false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE SET is_active = EXCLUDED.is_active`).
		WithArgs("dev-1", true, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`ON CONFLICT \(id\) DO NOTHING`).
		WithArgs("dev-2", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	for _, tc := range []struct{ id, action string }{
		{"dev-1", "stopped"},
		{"dev-1", "tracking"},
		{"dev-2", "paused"},
	} {
		if err := svc.SetStatus(context.Background(), tc.id, tc.action); err != nil {
			t.Fatalf("status %s: %v", tc.action, err)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTrackerView(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())
	last := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	acc := 12.5

	mock.ExpectQuery(`SELECT is_active, last_update FROM trackers`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"is_active", "last_update"}).AddRow(true, last))
	mock.ExpectQuery(`FROM tracker_points WHERE tracker_id`).
		WithArgs("dev-1").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lng", "accuracy", "source", "recorded_at"}).
			AddRow(-6.2, 106.8, &acc, "watch", last.Add(-time.Minute)).
			AddRow(-6.3, 106.9, nil, "", last))

	view, err := svc.Tracker(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if !view.IsActive || len(view.Locations) != 2 || view.LastUpdate == nil {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Locations[0].Accuracy == nil || *view.Locations[0].Accuracy != 12.5 {
		t.Fatalf("expected accuracy on first point")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTrackerUnknownAndEmpty(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	mock.ExpectQuery(`SELECT is_active, last_update FROM trackers`).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"is_active", "last_update"}))

	view, err := svc.Tracker(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if view.IsActive || view.Locations == nil || len(view.Locations) != 0 || view.LastUpdate != nil {
		t.Fatalf("expected inactive empty view, got %+v", view)
	}

	mock.ExpectQuery(`SELECT is_active, last_update FROM trackers`).
		WithArgs("fresh").
		WillReturnRows(pgxmock.NewRows([]string{"is_active", "last_update"}).AddRow(true, time.Now()))
	mock.ExpectQuery(`FROM tracker_points WHERE tracker_id`).
		WithArgs("fresh").
		WillReturnRows(pgxmock.NewRows([]string{"lat", "lng", "accuracy", "source", "recorded_at"}))

	view, err = svc.Tracker(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("tracker: %v", err)
	}
	if view.IsActive || view.LastUpdate != nil {
		t.Fatalf("expected tracker without points to read as inactive, got %+v", view)
	}
}

func TestAllGroupsPointsByTracker(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())
	now := time.Now()

	mock.ExpectQuery(`SELECT id, is_active, last_update FROM trackers`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "is_active", "last_update"}).
			AddRow("a", true, now).
			AddRow("b", false, now))
	mock.ExpectQuery(`SELECT tracker_id, ST_Y`).
		WillReturnRows(pgxmock.NewRows([]string{"tracker_id", "lat", "lng", "accuracy", "source", "recorded_at"}).
			AddRow("a", 1.0, 2.0, nil, "", now).
			AddRow("a", 1.1, 2.1, nil, "", now).
			AddRow("orphan", 0.0, 0.0, nil, "", now))

	all, err := svc.All(context.Background())
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 trackers, got %d", len(all))
	}
	if len(all["a"].Locations) != 2 || len(all["b"].Locations) != 0 || all["b"].IsActive {
		t.Fatalf("unexpected grouping %+v", all)
	}
}

func TestDelete(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	mock.ExpectExec(`DELETE FROM trackers WHERE id`).WithArgs("a").WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM trackers WHERE id`).WithArgs("ghost").WillReturnResult(pgxmock.NewResult("DELETE", 0))

	if err := svc.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRename(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("old").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`DELETE FROM trackers WHERE id`).WithArgs("new").WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`UPDATE trackers SET id`).WithArgs("old", "new").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	if err := svc.Rename(context.Background(), "old", "new"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	if err := svc.Rename(context.Background(), "ghost", "new"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	mock := newMock(t)
	now := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	svc := fixedService(mock, nil, now)
	cutoff := now.Add(-24 * time.Hour)

	mock.ExpectExec(`DELETE FROM tracker_points WHERE recorded_at`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec(`DELETE FROM trackers t`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	res, err := svc.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.Points != 7 || res.Trackers != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRunCleanupRunsImmediately(t *testing.T) {
	mock := newMock(t)
	svc := fixedService(mock, nil, time.Now())

	mock.ExpectExec(`DELETE FROM tracker_points`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`DELETE FROM trackers t`).WillReturnResult(pgxmock.NewResult("DELETE", 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunCleanup(ctx, time.Hour, time.Hour)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expected initial cleanup run: %v", err)
	}
}
