// Package postgres implements the repository interfaces on PostgreSQL with
// the pgvector extension.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new PostgreSQL connection pool
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate creates the schema if it does not exist. The embedding column is
// dimensioned at start-up and immutable thereafter: changing the dimension
// requires a fresh table.
func (db *DB) Migrate(ctx context.Context, embeddingDimension int) error {
	statements := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id UUID PRIMARY KEY,
	campaign_id UUID NOT NULL,
	name TEXT NOT NULL,
	filename TEXT NOT NULL,
	mime_type TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	storage_key TEXT NOT NULL,
	classification TEXT NOT NULL,
	tags TEXT[] NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	processing_error TEXT,
	chunk_count INT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS documents_campaign_idx ON documents (campaign_id, status);

CREATE TABLE IF NOT EXISTS document_chunks (
	id UUID PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index INT NOT NULL,
	content TEXT NOT NULL,
	token_count INT NOT NULL,
	page_number INT,
	section_label TEXT,
	embedding vector(%d) NOT NULL,
	start_offset INT NOT NULL,
	end_offset INT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS document_chunks_document_idx ON document_chunks (document_id);

CREATE INDEX IF NOT EXISTS document_chunks_fts_idx
	ON document_chunks USING GIN (to_tsvector('english', content));

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	payload JSONB NOT NULL,
	state TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	attempts_made INT NOT NULL DEFAULT 0,
	max_attempts INT NOT NULL DEFAULT 1,
	backoff_kind TEXT NOT NULL DEFAULT 'exponential',
	backoff_initial_ms BIGINT NOT NULL DEFAULT 1000,
	delay_until TIMESTAMPTZ NOT NULL,
	lease_expires TIMESTAMPTZ,
	stalled_count INT NOT NULL DEFAULT 0,
	max_stalled INT NOT NULL DEFAULT 1,
	progress_percent INT NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	progress_stage TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	remove_on_complete INT NOT NULL DEFAULT 100,
	remove_on_fail INT NOT NULL DEFAULT 500,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_claim_idx ON jobs (queue, state, priority, delay_until, created_at);

DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_indexes
		WHERE schemaname = current_schema()
			AND indexname = 'document_chunks_embedding_idx'
	) THEN
		EXECUTE 'CREATE INDEX document_chunks_embedding_idx ON document_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);';
	END IF;
END
$$;
`, embeddingDimension)

	_, err := db.Pool.Exec(ctx, statements)
	if err != nil && strings.Contains(err.Error(), "ivfflat") {
		// ivfflat needs rows to build; fall back to exact scans until the
		// index can be created.
		err = nil
	}
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
