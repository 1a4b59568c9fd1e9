// Package oracle abstracts the external AI name-matching service behind a
// single capability: score a normalized name against a slice of directory
// candidates. The service may be unavailable at any time; callers treat every
// error from it as a soft failure.
package oracle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnavailable signals that no oracle is configured or reachable.
var ErrUnavailable = errors.New("matching oracle unavailable")

// Candidate is the bounded directory slice element sent to the oracle.
type Candidate struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email,omitempty"`
}

// Request carries one row's normalized name plus candidate entries.
type Request struct {
	NormalizedName string
	Candidates     []Candidate
}

// Match is the oracle's single best pick with its self-reported confidence.
type Match struct {
	ID         string
	Confidence float64
}

// Response is either one match or an explicit no-confident-match signal.
type Response struct {
	Match   *Match
	NoMatch bool
}

// Oracle scores candidates for a normalized name. Implementations must honor
// context cancellation; any transport or parse failure is returned as an
// error and never panics.
type Oracle interface {
	Available() bool
	ScoreCandidates(ctx context.Context, req Request) (*Response, error)
}

// Disabled is the null adapter used when no oracle is configured. The engine
// skips straight to the pattern stage.
type Disabled struct{}

func (Disabled) Available() bool { return false }

func (Disabled) ScoreCandidates(context.Context, Request) (*Response, error) {
	return nil, ErrUnavailable
}

// Budget caps the cumulative oracle time one processing job may spend.
// Exceeding it degrades remaining rows to the pattern stage rather than
// failing the job.
type Budget struct {
	mu        sync.Mutex
	remaining time.Duration
}

// NewBudget returns a budget holding d of oracle time. A non-positive d means
// the budget starts exhausted.
func NewBudget(d time.Duration) *Budget {
	return &Budget{remaining: d}
}

// Exhausted reports whether no oracle time remains.
func (b *Budget) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remaining <= 0
}

// Spend deducts elapsed call time. Concurrent rows share one budget; the cap
// is a soft limit, not exact accounting.
func (b *Budget) Spend(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remaining -= d
}
