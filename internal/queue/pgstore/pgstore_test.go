package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/queue/pgstore"
)

var caseCols = []string{
	"id", "user_id", "channel", "urgency_level", "requires_human", "submitted_at", "last_updated_at",
	"dispatched_at", "rationale", "recommended_action", "detected_signals", "degraded", "context_summary", "status", "version",
}

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock.NewPool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func sampleCase(now time.Time) *queue.Case {
	return &queue.Case{
		ID:                     "01J000000000000000000000AA",
		UserID:                 "patient-1",
		Channel:                queue.ChannelChat,
		UrgencyLevel:           2,
		RequiresHumanAttention: true,
		SubmittedAt:            now,
		LastUpdatedAt:          now,
		Rationale:              "severe headache",
		RecommendedAction:      "Same-day evaluation",
		DetectedSignals:        []string{"severe headache"},
		Status:                 queue.StatusPending,
		Version:                3,
	}
}

func TestPut(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := sampleCase(now)

	mock.ExpectExec("INSERT INTO patient_cases").
		WithArgs(c.ID, "patient-1", "chat", 2, true, now, now, pgxmock.AnyArg(),
			"severe headache", "Same-day evaluation", []string{"severe headache"}, false, "", "PENDING", int64(3)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := pgstore.New(mock).Put(context.Background(), c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPut_NilSignalsStoredEmpty(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := sampleCase(now)
	c.DetectedSignals = nil

	mock.ExpectExec("INSERT INTO patient_cases").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			[]string{}, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := pgstore.New(mock).Put(context.Background(), c); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPut_Error(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectExec("INSERT INTO patient_cases").WillReturnError(errors.New("connection reset"))

	err := pgstore.New(mock).Put(context.Background(), sampleCase(time.Now()))
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestGet(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	dispatched := now.Add(5 * time.Minute)

	mock.ExpectQuery("SELECT .+ FROM patient_cases WHERE user_id").
		WithArgs("patient-1").
		WillReturnRows(pgxmock.NewRows(caseCols).AddRow(
			"01J000000000000000000000AA", "patient-1", "phone", 3, false, now, dispatched,
			&dispatched, "fever", "See today", []string{"high fever"}, true, "[09:00:00] patient: fever",
			"IN_PROGRESS", int64(4),
		))

	c, ok, err := pgstore.New(mock).Get(context.Background(), "patient-1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if c.Channel != queue.ChannelPhone || c.UrgencyLevel != 3 || c.Status != queue.StatusInProgress {
		t.Errorf("case = %+v", c)
	}
	if c.DispatchedAt == nil || !c.DispatchedAt.Equal(dispatched) {
		t.Errorf("dispatched_at = %v", c.DispatchedAt)
	}
	if !c.Degraded || c.Version != 4 || len(c.DetectedSignals) != 1 {
		t.Errorf("case = %+v", c)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGet_Missing(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("SELECT .+ FROM patient_cases WHERE user_id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	c, ok, err := pgstore.New(mock).Get(context.Background(), "ghost")
	if err != nil || ok || c != nil {
		t.Fatalf("Get = %+v, %v, %v; want nil, false, nil", c, ok, err)
	}
}

func TestListActive(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := pgxmock.NewRows(caseCols).
		AddRow("c-1", "u-1", "chat", 1, true, now, now, nil, "", "", []string{}, false, "", "PENDING", int64(1)).
		AddRow("c-2", "u-2", "web_portal", 4, false, now, now, nil, "", "", []string{}, false, "", "PENDING", int64(2))
	mock.ExpectQuery("SELECT .+ FROM patient_cases").
		WithArgs("PENDING", "IN_PROGRESS").
		WillReturnRows(rows)

	cases, err := pgstore.New(mock).ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(cases) != 2 || cases[0].UserID != "u-1" || cases[1].Channel != queue.ChannelWebPortal {
		t.Fatalf("cases = %+v", cases)
	}
	if cases[0].DispatchedAt != nil {
		t.Error("null dispatched_at should scan to nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListActive_QueryError(t *testing.T) {
	t.Parallel()

	mock := newMock(t)
	mock.ExpectQuery("SELECT .+ FROM patient_cases").WillReturnError(errors.New("timeout"))

	if _, err := pgstore.New(mock).ListActive(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestIntegration_PutGetListActive(t *testing.T) {
	dsn := os.Getenv("FRONTDESK_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("FRONTDESK_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	s := pgstore.New(pool)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond).UTC()
	c := sampleCase(now)
	c.UserID = "integration-" + now.Format("150405.000000")
	t.Cleanup(func() {
		_, _ = pool.Exec(ctx, `DELETE FROM patient_cases WHERE user_id = $1`, c.UserID)
	})

	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// an older version must not overwrite
	stale := *c
	stale.Version = 1
	stale.UrgencyLevel = 5
	if err := s.Put(ctx, &stale); err != nil {
		t.Fatalf("Put stale: %v", err)
	}

	got, ok, err := s.Get(ctx, c.UserID)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.UrgencyLevel != 2 || got.Version != 3 {
		t.Errorf("stale write applied: %+v", got)
	}
	if !got.SubmittedAt.Equal(now) {
		t.Errorf("submitted_at = %v, want %v", got.SubmittedAt, now)
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	found := false
	for _, a := range active {
		if a.UserID == c.UserID {
			found = true
		}
	}
	if !found {
		t.Error("active list missing the stored case")
	}
}
