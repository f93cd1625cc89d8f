// Package pgsnapshot persists built guideline indexes in PostgreSQL with
// pgvector, so a restart with an unchanged guideline document and unchanged
// embedding settings can skip re-embedding.
package pgsnapshot

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/linnemanlabs/frontdesk/internal/guideline"
)

var tracer = otel.Tracer("github.com/linnemanlabs/frontdesk/internal/guideline/pgsnapshot")

//go:embed schema.sql
var schema string

// DB is the subset of a pgx pool the snapshot store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes index snapshots. Only the most recently saved
// snapshot is retained.
type Store struct {
	db DB
}

// New returns a Store on db. Call Migrate before first use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate applies the snapshot schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply guideline snapshot schema: %w", err)
	}
	return nil
}

// Save replaces the stored snapshot with idx, recording the build key it was
// produced under (see guideline.Options.Fingerprint).
func (s *Store) Save(ctx context.Context, idx *guideline.Index, buildKey string) error {
	ctx, span := tracer.Start(ctx, "pgsnapshot.Save", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "UPSERT"),
		attribute.Int("guideline.chunks", idx.Len()),
	))
	defer span.End()

	err := s.save(ctx, idx, buildKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (s *Store) save(ctx context.Context, idx *guideline.Index, buildKey string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM guideline_indexes WHERE digest <> $1`, idx.Digest()); err != nil {
		return fmt.Errorf("prune old snapshots: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO guideline_indexes (digest, source, dimension, chunk_count, built_at, build_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (digest) DO UPDATE SET
			source = EXCLUDED.source,
			dimension = EXCLUDED.dimension,
			chunk_count = EXCLUDED.chunk_count,
			built_at = EXCLUDED.built_at,
			build_key = EXCLUDED.build_key`,
		idx.Digest(), idx.Source(), idx.Dimension(), idx.Len(), idx.BuiltAt(), buildKey,
	); err != nil {
		return fmt.Errorf("upsert snapshot header: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM guideline_chunks WHERE digest = $1`, idx.Digest()); err != nil {
		return fmt.Errorf("clear snapshot chunks: %w", err)
	}

	for _, c := range idx.Chunks() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO guideline_chunks (digest, ordinal, chunk_id, heading_path, body, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			idx.Digest(), c.Ordinal, c.ID, c.HeadingPath, c.Text, pgvector.NewVector(c.Embedding),
		); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// Load returns the snapshot for digest. ok is false when no complete
// snapshot exists for that document, or when the stored one was built under
// a different buildKey.
func (s *Store) Load(ctx context.Context, digest, buildKey string) (idx *guideline.Index, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "pgsnapshot.Load", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var (
		source     string
		dimension  int
		chunkCount int
		storedKey  string
	)
	err = s.db.QueryRow(ctx,
		`SELECT source, dimension, chunk_count, build_key FROM guideline_indexes WHERE digest = $1`, digest,
	).Scan(&source, &dimension, &chunkCount, &storedKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot header: %w", err)
	}
	if storedKey != buildKey {
		span.SetAttributes(attribute.Bool("guideline.snapshot.stale", true))
		return nil, false, nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT chunk_id, ordinal, heading_path, body, embedding
		FROM guideline_chunks WHERE digest = $1 ORDER BY ordinal`, digest)
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot chunks: %w", err)
	}
	defer rows.Close()

	chunks := make([]guideline.Chunk, 0, chunkCount)
	for rows.Next() {
		var (
			c   guideline.Chunk
			vec pgvector.Vector
		)
		if err := rows.Scan(&c.ID, &c.Ordinal, &c.HeadingPath, &c.Text, &vec); err != nil {
			return nil, false, fmt.Errorf("scan snapshot chunk: %w", err)
		}
		c.Embedding = vec.Slice()
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate snapshot chunks: %w", err)
	}

	if len(chunks) != chunkCount || len(chunks) == 0 {
		return nil, false, nil
	}
	if len(chunks[0].Embedding) != dimension {
		return nil, false, nil
	}

	idx, err = guideline.NewIndex(source, digest, chunks)
	if err != nil {
		return nil, false, err
	}
	return idx, true, nil
}
