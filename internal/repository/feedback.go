package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rollcall-app/rollcall/internal/feedback"
)

// AppendFeedback inserts a feedback record unless its dedupe key already
// exists. Implements feedback.Store.
func (r *Repository) AppendFeedback(ctx context.Context, rec feedback.Record, dedupeKey string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO feedback_records (id, dedupe_key, organization, request_id, original_name, person_id, was_correct, prior_confidence, context, submitted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, rec.ID, dedupeKey, rec.Organization, nullable(rec.RequestID), rec.OriginalName, rec.PersonID,
		rec.WasCorrect, rec.PriorConfidence, nullable(rec.Context), rec.SubmittedAt)
	if err != nil {
		return false, fmt.Errorf("insert feedback: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecentFeedback returns the newest n records for an organization, oldest
// first. Implements feedback.Store.
func (r *Repository) RecentFeedback(ctx context.Context, org string, n int) ([]feedback.Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization, request_id, original_name, person_id, was_correct, prior_confidence, context, submitted_at
		FROM feedback_records WHERE organization=$1
		ORDER BY submitted_at DESC LIMIT $2
	`, org, n)
	if err != nil {
		return nil, fmt.Errorf("select feedback: %w", err)
	}
	defer rows.Close()

	var out []feedback.Record
	for rows.Next() {
		var (
			rec        feedback.Record
			requestID  sql.NullString
			contextVal sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Organization, &requestID, &rec.OriginalName, &rec.PersonID,
			&rec.WasCorrect, &rec.PriorConfidence, &contextVal, &rec.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		rec.RequestID = requestID.String
		rec.Context = contextVal.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Newest-first from SQL; flip to oldest-first for the learner.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetThreshold returns the stored threshold for an organization, or nil when
// none exists yet. Implements feedback.Store.
func (r *Repository) GetThreshold(ctx context.Context, org string) (*feedback.Threshold, error) {
	var t feedback.Threshold
	row := r.pool.QueryRow(ctx, `
		SELECT organization, value, version, updated_at FROM org_thresholds WHERE organization=$1
	`, org)
	if err := row.Scan(&t.Organization, &t.Value, &t.Version, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select threshold: %w", err)
	}
	return &t, nil
}

// PutThreshold upserts the versioned threshold. Implements feedback.Store.
func (r *Repository) PutThreshold(ctx context.Context, t feedback.Threshold) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO org_thresholds (organization, value, version, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (organization) DO UPDATE SET value=$2, version=$3, updated_at=$4
	`, t.Organization, t.Value, t.Version, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert threshold: %w", err)
	}
	return nil
}
