// Package database owns the pgx connection pool and the in-code schema
// migration, keeping the stack self-contained for docker-compose bootstrap.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates all tables if needed.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS attendance_files (
	id TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	file_name TEXT NOT NULL,
	format TEXT NOT NULL,
	object_key TEXT NOT NULL,
	content_sha256 TEXT NOT NULL,
	session_id TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_files_org ON attendance_files(organization);
CREATE INDEX IF NOT EXISTS idx_files_sha ON attendance_files(organization, content_sha256);

CREATE TABLE IF NOT EXISTS processing_jobs (
	id TEXT PRIMARY KEY,
	file_id TEXT NOT NULL REFERENCES attendance_files(id),
	organization TEXT NOT NULL,
	status TEXT NOT NULL,
	threshold DOUBLE PRECISION NOT NULL,
	threshold_version BIGINT NOT NULL DEFAULT 0,
	summary JSONB,
	error_kind TEXT,
	error_message TEXT,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_file ON processing_jobs(file_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON processing_jobs(status);

CREATE TABLE IF NOT EXISTS match_results (
	job_id TEXT NOT NULL REFERENCES processing_jobs(id),
	row_index INT NOT NULL,
	raw_name TEXT NOT NULL,
	cells JSONB NOT NULL,
	outcome TEXT NOT NULL,
	person_id TEXT,
	confidence DOUBLE PRECISION,
	method TEXT,
	reason TEXT,
	suggestions JSONB,
	PRIMARY KEY (job_id, row_index)
);

CREATE TABLE IF NOT EXISTS feedback_records (
	id TEXT PRIMARY KEY,
	dedupe_key TEXT NOT NULL UNIQUE,
	organization TEXT NOT NULL,
	request_id TEXT,
	original_name TEXT NOT NULL,
	person_id TEXT NOT NULL,
	was_correct BOOLEAN NOT NULL,
	prior_confidence DOUBLE PRECISION NOT NULL,
	context TEXT,
	submitted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_org ON feedback_records(organization, submitted_at);

CREATE TABLE IF NOT EXISTS org_thresholds (
	organization TEXT PRIMARY KEY,
	value DOUBLE PRECISION NOT NULL,
	version BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS people (
	id TEXT PRIMARY KEY,
	organization TEXT NOT NULL,
	full_name TEXT NOT NULL,
	email TEXT,
	external_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_people_org ON people(organization);
CREATE INDEX IF NOT EXISTS idx_people_email ON people(organization, lower(email));
CREATE INDEX IF NOT EXISTS idx_people_extid ON people(organization, lower(external_id));`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
