// Package feedback records human corrections and tunes per-organization
// acceptance thresholds from them. Records are append-only and never alter
// already-persisted match results; the threshold only influences future runs.
package feedback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rollcall-app/rollcall/internal/logging"
)

// Record is one human review verdict for a past match decision.
type Record struct {
	ID              string    `json:"id"`
	Organization    string    `json:"organization"`
	RequestID       string    `json:"requestId,omitempty"`
	OriginalName    string    `json:"originalName"`
	PersonID        string    `json:"personId"`
	WasCorrect      bool      `json:"wasCorrect"`
	PriorConfidence float64   `json:"priorConfidence"`
	Context         string    `json:"context,omitempty"`
	SubmittedAt     time.Time `json:"submittedAt"`
}

// Threshold is the versioned per-organization acceptance threshold. Jobs read
// a snapshot at start; a stale read self-corrects on the next feedback cycle.
type Threshold struct {
	Organization string    `json:"organization"`
	Value        float64   `json:"value"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store persists feedback records and thresholds. AppendFeedback reports
// false when the dedupe key was already present.
type Store interface {
	AppendFeedback(ctx context.Context, rec Record, dedupeKey string) (bool, error)
	RecentFeedback(ctx context.Context, org string, n int) ([]Record, error)
	GetThreshold(ctx context.Context, org string) (*Threshold, error)
	PutThreshold(ctx context.Context, t Threshold) error
}

const (
	// recentWindow is how many of the newest records drive an adjustment.
	// History beyond the window is kept, never discarded.
	recentWindow = 20

	thresholdFloor   = 0.50
	thresholdCeiling = 0.95

	// nudge scales how far one recompute may move the threshold.
	nudge = 0.05
)

// Learner owns the threshold adjustment loop.
type Learner struct {
	store        Store
	log          *logging.Logger
	defaultValue float64
}

// NewLearner constructs a Learner around a Store.
func NewLearner(store Store, log *logging.Logger, defaultThreshold float64) *Learner {
	if defaultThreshold <= 0 || defaultThreshold >= 1 {
		defaultThreshold = 0.70
	}
	return &Learner{store: store, log: log.With("component", "learner"), defaultValue: defaultThreshold}
}

// Submit appends a record and recomputes the organization threshold.
// Submitting the same feedback twice is a no-op: records dedupe on the
// caller's request id when given, otherwise on originalName + personId +
// hour bucket.
func (l *Learner) Submit(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = time.Now().UTC()
	}
	inserted, err := l.store.AppendFeedback(ctx, rec, DedupeKey(rec))
	if err != nil {
		return fmt.Errorf("append feedback: %w", err)
	}
	if !inserted {
		l.log.Debug("duplicate feedback ignored", "org", rec.Organization, "name", rec.OriginalName)
		return nil
	}
	if err := l.recompute(ctx, rec.Organization); err != nil {
		return fmt.Errorf("recompute threshold: %w", err)
	}
	return nil
}

// ThresholdFor returns the organization's current threshold, falling back to
// the configured default when none is stored yet.
func (l *Learner) ThresholdFor(ctx context.Context, org string) (Threshold, error) {
	t, err := l.store.GetThreshold(ctx, org)
	if err != nil {
		return Threshold{}, err
	}
	if t == nil {
		return Threshold{Organization: org, Value: l.defaultValue}, nil
	}
	return *t, nil
}

// recompute nudges the threshold from the most recent window of records:
// down when corrections show rejected matches were actually right (too
// conservative), up when accepted matches were wrong (too liberal). The
// result is clamped to a fixed safe range.
func (l *Learner) recompute(ctx context.Context, org string) error {
	current, err := l.ThresholdFor(ctx, org)
	if err != nil {
		return err
	}
	recent, err := l.store.RecentFeedback(ctx, org, recentWindow)
	if err != nil {
		return err
	}
	if len(recent) == 0 {
		return nil
	}

	conservative := 0
	liberal := 0
	for _, rec := range recent {
		if rec.WasCorrect && rec.PriorConfidence < current.Value {
			conservative++
		}
		if !rec.WasCorrect && rec.PriorConfidence >= current.Value {
			liberal++
		}
	}
	total := float64(len(recent))
	next := current.Value + nudge*(float64(liberal)/total) - nudge*(float64(conservative)/total)
	next = clamp(next, thresholdFloor, thresholdCeiling)

	updated := Threshold{
		Organization: org,
		Value:        next,
		Version:      current.Version + 1,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := l.store.PutThreshold(ctx, updated); err != nil {
		return err
	}
	l.log.Info("threshold adjusted",
		"org", org, "from", current.Value, "to", next, "version", updated.Version)
	return nil
}

// DedupeKey derives the idempotency key for a record. An explicit request id
// wins; otherwise the key buckets submissions by hour.
func DedupeKey(rec Record) string {
	if rec.RequestID != "" {
		return rec.RequestID
	}
	bucket := rec.SubmittedAt.UTC().Truncate(time.Hour).Format(time.RFC3339)
	sum := sha256.Sum256([]byte(rec.Organization + "|" + rec.OriginalName + "|" + rec.PersonID + "|" + bucket))
	return hex.EncodeToString(sum[:])
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
