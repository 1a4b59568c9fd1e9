package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rollcall-app/rollcall/internal/directory"
)

// listCandidatesLimit bounds the directory slice one job loads into memory.
const listCandidatesLimit = 10000

// LookupByExact implements directory.Directory against the people table with
// case-insensitive equality on the chosen field.
func (r *Repository) LookupByExact(ctx context.Context, org string, field directory.Field, value string) (*directory.Entry, error) {
	var column string
	switch field {
	case directory.FieldEmail:
		column = "email"
	case directory.FieldExternalID:
		column = "external_id"
	default:
		return nil, fmt.Errorf("unsupported lookup field %q", field)
	}
	row := r.pool.QueryRow(ctx, `
		SELECT id, organization, full_name, COALESCE(email,''), COALESCE(external_id,'')
		FROM people WHERE organization=$1 AND lower(`+column+`)=lower($2)
		LIMIT 1
	`, org, value)
	var e directory.Entry
	if err := row.Scan(&e.ID, &e.Organization, &e.FullName, &e.Email, &e.ExternalID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup person: %w", err)
	}
	return &e, nil
}

// ListCandidates implements directory.Directory, returning the organization's
// enrolled people up to a bound.
func (r *Repository) ListCandidates(ctx context.Context, org string) ([]directory.Entry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, organization, full_name, COALESCE(email,''), COALESCE(external_id,'')
		FROM people WHERE organization=$1
		ORDER BY id LIMIT $2
	`, org, listCandidatesLimit)
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var out []directory.Entry
	for rows.Next() {
		var e directory.Entry
		if err := rows.Scan(&e.ID, &e.Organization, &e.FullName, &e.Email, &e.ExternalID); err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SeedPerson inserts or updates one directory entry. Used by the CLI seeder.
func (r *Repository) SeedPerson(ctx context.Context, e directory.Entry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO people (id, organization, full_name, email, external_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET organization=$2, full_name=$3, email=$4, external_id=$5
	`, e.ID, e.Organization, e.FullName, nullString(e.Email), nullString(e.ExternalID))
	if err != nil {
		return fmt.Errorf("seed person: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
