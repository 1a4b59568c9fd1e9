// Package directory defines the read-only view of enrolled people that raw
// attendance rows resolve against. The matching engine never mutates entries.
package directory

import "context"

// Entry is one canonical person record.
type Entry struct {
	ID           string `json:"id"`
	Organization string `json:"organization"`
	FullName     string `json:"fullName"`
	Email        string `json:"email,omitempty"`
	ExternalID   string `json:"externalId,omitempty"`
}

// Field selects the exact-lookup key.
type Field string

const (
	FieldEmail      Field = "email"
	FieldExternalID Field = "external_id"
)

// Directory is the external collaborator holding enrolled people. Lookups are
// case-insensitive on the field value. LookupByExact returns (nil, nil) when
// nothing matches.
type Directory interface {
	LookupByExact(ctx context.Context, org string, field Field, value string) (*Entry, error)
	ListCandidates(ctx context.Context, org string) ([]Entry, error)
}
