// Package repository wraps all SQL used by the API and the worker.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rollcall-app/rollcall/internal/match"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// JobStatus enumerates the processing-job state machine.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// AttendanceFile identifies one uploaded ingestion source.
type AttendanceFile struct {
	ID            string    `json:"id"`
	Organization  string    `json:"organization"`
	FileName      string    `json:"fileName"`
	Format        string    `json:"format"`
	ObjectKey     string    `json:"objectKey"`
	ContentSHA256 string    `json:"contentSha256"`
	SessionID     *string   `json:"sessionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Summary aggregates a completed job's results.
type Summary struct {
	TotalRows     int     `json:"totalRows"`
	Matched       int     `json:"matched"`
	Unmatched     int     `json:"unmatched"`
	AvgConfidence float64 `json:"avgConfidence"`
}

// ProcessingJob is one state-machine instance for one file. A file may
// accumulate several jobs over time (reprocessing creates a new one), but at
// most one is ever active.
type ProcessingJob struct {
	ID               string     `json:"id"`
	FileID           string     `json:"fileId"`
	Organization     string     `json:"organization"`
	Status           JobStatus  `json:"status"`
	Threshold        float64    `json:"threshold"`
	ThresholdVersion int64      `json:"thresholdVersion"`
	Summary          *Summary   `json:"summary,omitempty"`
	ErrorKind        *string    `json:"errorKind,omitempty"`
	ErrorMessage     *string    `json:"errorMessage,omitempty"`
	StartedAt        *time.Time `json:"startedAt,omitempty"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// Repository wraps the pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateFile inserts a new uploaded file record.
func (r *Repository) CreateFile(ctx context.Context, f *AttendanceFile) error {
	f.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO attendance_files (id, organization, file_name, format, object_key, content_sha256, session_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, f.ID, f.Organization, f.FileName, f.Format, f.ObjectKey, f.ContentSHA256, f.SessionID, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

// GetFile returns a file by id.
func (r *Repository) GetFile(ctx context.Context, id string) (*AttendanceFile, error) {
	var (
		f         AttendanceFile
		sessionID sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization, file_name, format, object_key, content_sha256, session_id, created_at
		FROM attendance_files WHERE id=$1
	`, id)
	if err := row.Scan(&f.ID, &f.Organization, &f.FileName, &f.Format, &f.ObjectKey, &f.ContentSHA256, &sessionID, &f.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select file: %w", err)
	}
	if sessionID.Valid {
		s := sessionID.String
		f.SessionID = &s
	}
	return &f, nil
}

// CreateJob inserts a new pending job for a file with the given threshold
// snapshot.
func (r *Repository) CreateJob(ctx context.Context, job *ProcessingJob) error {
	now := time.Now().UTC()
	job.Status = JobPending
	job.CreatedAt = now
	job.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, file_id, organization, status, threshold, threshold_version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, job.ID, job.FileID, job.Organization, job.Status, job.Threshold, job.ThresholdVersion, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (r *Repository) GetJob(ctx context.Context, id string) (*ProcessingJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_id, organization, status, threshold, threshold_version, summary,
		       error_kind, error_message, started_at, finished_at, created_at, updated_at
		FROM processing_jobs WHERE id=$1
	`, id)
	return scanJob(row)
}

// LatestJobForFile returns the newest job for a file, or ErrNotFound.
func (r *Repository) LatestJobForFile(ctx context.Context, fileID string) (*ProcessingJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, file_id, organization, status, threshold, threshold_version, summary,
		       error_kind, error_message, started_at, finished_at, created_at, updated_at
		FROM processing_jobs WHERE file_id=$1
		ORDER BY created_at DESC LIMIT 1
	`, fileID)
	return scanJob(row)
}

// ClaimJob atomically transitions a job from pending to processing. It is a
// compare-and-set on status, not read-then-write: the rows-affected count
// decides whether this worker won the claim.
func (r *Repository) ClaimJob(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status=$1, started_at=$2, updated_at=$2
		WHERE id=$3 AND status=$4
	`, JobProcessing, now, id, JobPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob stores the full result set and summary and moves the job to
// completed in one transaction, so a partially written result set can never
// surface as a completed job.
func (r *Repository) CompleteJob(ctx context.Context, id string, results []match.Result, summary Summary) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, res := range results {
		cells, err := json.Marshal(res.Cells)
		if err != nil {
			return fmt.Errorf("marshal cells: %w", err)
		}
		suggestions, err := json.Marshal(res.Suggestions)
		if err != nil {
			return fmt.Errorf("marshal suggestions: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO match_results (job_id, row_index, raw_name, cells, outcome, person_id, confidence, method, reason, suggestions)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, id, res.RowIndex, res.RawName, cells, res.Outcome, nullable(res.PersonID), res.Confidence, nullable(string(res.Method)), nullable(string(res.Reason)), suggestions); err != nil {
			return fmt.Errorf("insert result row %d: %w", res.RowIndex, err)
		}
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE processing_jobs
		SET status=$1, summary=$2, finished_at=$3, updated_at=$3
		WHERE id=$4 AND status=$5
	`, JobCompleted, summaryJSON, now, id, JobProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("complete job %s: not in processing state", id)
	}
	return tx.Commit(ctx)
}

// FailJob stores a structured error and moves the job to failed. Failed jobs
// are never resumed; resubmission creates a new job.
func (r *Repository) FailJob(ctx context.Context, id, kind, message string) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status=$1, error_kind=$2, error_message=$3, finished_at=$4, updated_at=$4
		WHERE id=$5 AND status IN ($6, $7)
	`, JobFailed, kind, message, now, id, JobPending, JobProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// JobResults returns the persisted result set ordered by row index.
func (r *Repository) JobResults(ctx context.Context, jobID string) ([]match.Result, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT row_index, raw_name, cells, outcome, person_id, confidence, method, reason, suggestions
		FROM match_results WHERE job_id=$1 ORDER BY row_index
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("select results: %w", err)
	}
	defer rows.Close()

	var out []match.Result
	for rows.Next() {
		var (
			res         match.Result
			cells       []byte
			personID    sql.NullString
			confidence  sql.NullFloat64
			method      sql.NullString
			reason      sql.NullString
			suggestions []byte
		)
		if err := rows.Scan(&res.RowIndex, &res.RawName, &cells, &res.Outcome, &personID, &confidence, &method, &reason, &suggestions); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if len(cells) > 0 {
			if err := json.Unmarshal(cells, &res.Cells); err != nil {
				return nil, fmt.Errorf("unmarshal cells: %w", err)
			}
		}
		res.PersonID = personID.String
		res.Confidence = confidence.Float64
		res.Method = match.Method(method.String)
		res.Reason = match.Reason(reason.String)
		if len(suggestions) > 0 {
			if err := json.Unmarshal(suggestions, &res.Suggestions); err != nil {
				return nil, fmt.Errorf("unmarshal suggestions: %w", err)
			}
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ReclaimStale returns jobs stuck in processing back to pending when their
// start time predates the cutoff. Not scheduled automatically; exposed for
// ops tooling.
func (r *Repository) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status=$1, started_at=NULL, updated_at=$2
		WHERE status=$3 AND started_at < $4
	`, JobPending, now, JobProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*ProcessingJob, error) {
	var (
		job          ProcessingJob
		summaryJSON  []byte
		errorKind    sql.NullString
		errorMessage sql.NullString
		startedAt    sql.NullTime
		finishedAt   sql.NullTime
	)
	if err := row.Scan(&job.ID, &job.FileID, &job.Organization, &job.Status, &job.Threshold, &job.ThresholdVersion,
		&summaryJSON, &errorKind, &errorMessage, &startedAt, &finishedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	if len(summaryJSON) > 0 {
		var s Summary
		if err := json.Unmarshal(summaryJSON, &s); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		job.Summary = &s
	}
	if errorKind.Valid {
		v := errorKind.String
		job.ErrorKind = &v
	}
	if errorMessage.Valid {
		v := errorMessage.String
		job.ErrorMessage = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return &job, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
