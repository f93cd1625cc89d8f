// Package pgstore provides a PostgreSQL implementation of queue.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/linnemanlabs/frontdesk/internal/queue"
	"github.com/linnemanlabs/frontdesk/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/frontdesk/internal/queue/pgstore")

//go:embed schema.sql
var schema string

// DB is the subset of a pgx pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists patient cases in PostgreSQL, one row per user holding the
// user's latest case.
type Store struct {
	db DB
}

// New returns a Store on db. Call Migrate before first use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply patient case schema: %w", err)
	}
	return nil
}

const caseColumns = `id, user_id, channel, urgency_level, requires_human, submitted_at, last_updated_at,
	dispatched_at, rationale, recommended_action, detected_signals, degraded, context_summary, status, version`

// Put upserts c. A write older than the stored row (lower version of the
// same case, or an earlier case of the same user) is ignored, so
// out-of-order persistence never rolls a case back.
func (s *Store) Put(ctx context.Context, c *queue.Case) error {
	ctx, span := tracer.Start(ctx, "pgstore.Put", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
	))
	defer span.End()

	signals := c.DetectedSignals
	if signals == nil {
		signals = []string{}
	}

	query := `INSERT INTO patient_cases (` + caseColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	ON CONFLICT (user_id) DO UPDATE SET
		id                 = EXCLUDED.id,
		channel            = EXCLUDED.channel,
		urgency_level      = EXCLUDED.urgency_level,
		requires_human     = EXCLUDED.requires_human,
		submitted_at       = EXCLUDED.submitted_at,
		last_updated_at    = EXCLUDED.last_updated_at,
		dispatched_at      = EXCLUDED.dispatched_at,
		rationale          = EXCLUDED.rationale,
		recommended_action = EXCLUDED.recommended_action,
		detected_signals   = EXCLUDED.detected_signals,
		degraded           = EXCLUDED.degraded,
		context_summary    = EXCLUDED.context_summary,
		status             = EXCLUDED.status,
		version            = EXCLUDED.version
	WHERE (patient_cases.id = EXCLUDED.id AND patient_cases.version < EXCLUDED.version)
	   OR (patient_cases.id <> EXCLUDED.id AND patient_cases.submitted_at <= EXCLUDED.submitted_at)`

	_, err := s.db.Exec(ctx, query,
		c.ID, c.UserID, string(c.Channel), int(c.UrgencyLevel), c.RequiresHumanAttention,
		c.SubmittedAt, c.LastUpdatedAt, c.DispatchedAt, c.Rationale, c.RecommendedAction,
		signals, c.Degraded, c.ContextSummary, string(c.Status), c.Version,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upsert case: %w", err)
	}
	return nil
}

// Get returns the stored case for userID.
func (s *Store) Get(ctx context.Context, userID string) (*queue.Case, bool, error) {
	ctx, span := tracer.Start(ctx, "pgstore.Get", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	c, err := scanCase(s.db.QueryRow(ctx, `SELECT `+caseColumns+` FROM patient_cases WHERE user_id = $1`, userID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, false, err
	}
	if c == nil {
		return nil, false, nil
	}
	return c, true, nil
}

// ListActive returns PENDING and IN_PROGRESS cases in dispatch order.
func (s *Store) ListActive(ctx context.Context) ([]*queue.Case, error) {
	ctx, span := tracer.Start(ctx, "pgstore.ListActive", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	cases, err := s.listActive(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("frontdesk.cases", len(cases)))
	return cases, nil
}

func (s *Store) listActive(ctx context.Context) ([]*queue.Case, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+caseColumns+` FROM patient_cases
		 WHERE status IN ($1, $2)
		 ORDER BY urgency_level, submitted_at`,
		string(queue.StatusPending), string(queue.StatusInProgress),
	)
	if err != nil {
		return nil, fmt.Errorf("query active cases: %w", err)
	}
	defer rows.Close()

	var out []*queue.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	return out, nil
}

// scanCase scans one row. Returns (nil, nil) when no row is found.
func scanCase(row pgx.Row) (*queue.Case, error) {
	var (
		c            queue.Case
		channel      string
		level        int
		dispatchedAt *time.Time
		status       string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &channel, &level, &c.RequiresHumanAttention, &c.SubmittedAt, &c.LastUpdatedAt,
		&dispatchedAt, &c.Rationale, &c.RecommendedAction, &c.DetectedSignals, &c.Degraded,
		&c.ContextSummary, &status, &c.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}

	c.Channel = queue.Channel(channel)
	c.UrgencyLevel = triage.Level(level)
	c.DispatchedAt = dispatchedAt
	c.Status = queue.Status(status)
	return &c, nil
}
