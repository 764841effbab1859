package record

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for the pipeline_completions table. [PostgresSink.Migrate]
// applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS pipeline_completions (
    id               BIGSERIAL PRIMARY KEY,
    request_id       TEXT NOT NULL DEFAULT '',
    session_key      TEXT NOT NULL,
    client_key       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    failure_kind     TEXT NOT NULL DEFAULT '',
    stage            TEXT NOT NULL DEFAULT '',
    recognize_ms     DOUBLE PRECISION NOT NULL DEFAULT 0,
    generate_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
    synthesize_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
    total_ms         DOUBLE PRECISION NOT NULL DEFAULT 0,
    transcript_chars INTEGER NOT NULL DEFAULT 0,
    reply_chars      INTEGER NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_pipeline_completions_created ON pipeline_completions(created_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_completions_status ON pipeline_completions(status, failure_kind);
`

// DB is the subset of *pgxpool.Pool used by [PostgresSink].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresSink stores completions in PostgreSQL.
type PostgresSink struct {
	db    DB
	close func()
}

var _ Sink = (*PostgresSink)(nil)

// NewPostgresSink wraps an existing connection or pool. The caller owns db
// and must call [PostgresSink.Migrate] before the first write.
func NewPostgresSink(db DB) *PostgresSink {
	return &PostgresSink{db: db, close: func() {}}
}

// OpenPostgres connects a pool to dsn, verifies it and migrates the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("record: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("record: ping: %w", err)
	}
	s := &PostgresSink{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("record: migrate: %w", err)
	}
	return nil
}

// Write implements Sink.
func (s *PostgresSink) Write(ctx context.Context, c Completion) error {
	const query = `
		INSERT INTO pipeline_completions (
			request_id, session_key, client_key, status, failure_kind, stage,
			recognize_ms, generate_ms, synthesize_ms, total_ms,
			transcript_chars, reply_chars, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	_, err := s.db.Exec(ctx, query,
		c.RequestID, c.SessionKey, c.ClientKey, c.Status, c.FailureKind, c.Stage,
		c.RecognizeMs, c.GenerateMs, c.SynthesizeMs, c.TotalMs,
		c.TranscriptChars, c.ReplyChars, c.At,
	)
	if err != nil {
		return fmt.Errorf("record: insert completion: %w", err)
	}
	return nil
}

// Close releases the pool if the sink opened it.
func (s *PostgresSink) Close() { s.close() }
