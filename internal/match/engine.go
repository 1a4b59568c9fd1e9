// Package match resolves parsed attendance rows against the directory of
// enrolled people. Stages run per row in strict order (exact, AI-assisted,
// pattern similarity) and stop at the first acceptable match.
package match

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rollcall-app/rollcall/internal/directory"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/names"
	"github.com/rollcall-app/rollcall/internal/oracle"
	"github.com/rollcall-app/rollcall/internal/tabular"
)

// Method tags which stage produced an accepted match.
type Method string

const (
	MethodExact   Method = "exact"
	MethodAI      Method = "ai"
	MethodPattern Method = "pattern"
)

// Outcome partitions rows into matched and unmatched.
type Outcome string

const (
	OutcomeMatched   Outcome = "matched"
	OutcomeUnmatched Outcome = "unmatched"
)

// Reason codes for unmatched rows.
type Reason string

const (
	ReasonEmptyName       Reason = "empty_name"
	ReasonNoCandidates    Reason = "no_candidates"
	ReasonBelowThreshold  Reason = "below_threshold"
	ReasonDuplicateTarget Reason = "duplicate_target"
)

// Suggestion is a below-acceptance candidate surfaced for manual review.
type Suggestion struct {
	PersonID   string  `json:"personId"`
	Confidence float64 `json:"confidence"`
}

// Result is the per-row resolution. Exactly one Result exists per input row.
// Cells carries the role-to-raw-value projection of the source row for audit.
type Result struct {
	RowIndex    int               `json:"rowIndex"`
	RawName     string            `json:"rawName"`
	Cells       map[string]string `json:"cells,omitempty"`
	Outcome     Outcome           `json:"outcome"`
	PersonID    string            `json:"personId,omitempty"`
	Confidence  float64           `json:"confidence,omitempty"`
	Method      Method            `json:"method,omitempty"`
	Reason      Reason            `json:"reason,omitempty"`
	Suggestions []Suggestion      `json:"suggestions,omitempty"`
}

// candidate is the ephemeral per-row scoring record; only the winner and the
// top suggestions survive resolution.
type candidate struct {
	personID string
	score    float64
	method   Method
}

type rowScore struct {
	row        tabular.ParsedRow
	rawName    string
	emptyName  bool
	candidates []candidate
}

const (
	patternTopK    = 5
	maxSuggestions = 3
)

// Engine runs the staged matching cascade.
type Engine struct {
	dir         directory.Directory
	oracle      oracle.Oracle
	log         *logging.Logger
	parallelism int
	sliceSize   int
}

// NewEngine constructs an Engine. A nil oracle defaults to the disabled
// adapter, and parallelism below one is raised to one.
func NewEngine(dir directory.Directory, orc oracle.Oracle, log *logging.Logger, parallelism, sliceSize int) *Engine {
	if orc == nil {
		orc = oracle.Disabled{}
	}
	if parallelism < 1 {
		parallelism = 1
	}
	if sliceSize < 1 {
		sliceSize = 50
	}
	return &Engine{dir: dir, oracle: orc, log: log, parallelism: parallelism, sliceSize: sliceSize}
}

// indexedEntry caches the normalized form of a directory entry for the job.
type indexedEntry struct {
	entry      directory.Entry
	normalized string
}

// MatchAll scores every row concurrently into an indexed arena, then resolves
// duplicate-target conflicts in a single sequential pass over original row
// order. The only error it returns is context cancellation, checked at row
// boundaries; everything else degrades to an unmatched row.
func (e *Engine) MatchAll(ctx context.Context, org string, rows []tabular.ParsedRow, threshold float64, budget *oracle.Budget) ([]Result, error) {
	entries, err := e.dir.ListCandidates(ctx, org)
	if err != nil {
		return nil, err
	}
	indexed := make([]indexedEntry, len(entries))
	for i, entry := range entries {
		indexed[i] = indexedEntry{entry: entry, normalized: names.Normalize(entry.FullName)}
	}

	scores := make([]rowScore, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, row := range rows {
		if err := gctx.Err(); err != nil {
			break
		}
		i, row := i, row
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			scores[i] = e.scoreRow(gctx, org, row, indexed, threshold, budget)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return resolve(scores, threshold), nil
}

// scoreRow runs the stage cascade for one row and returns its candidate pool.
func (e *Engine) scoreRow(ctx context.Context, org string, row tabular.ParsedRow, entries []indexedEntry, threshold float64, budget *oracle.Budget) rowScore {
	rawName := row.Cells[tabular.RoleName]
	rs := rowScore{row: row, rawName: rawName}

	variants := names.Variants(rawName)
	if len(variants) == 0 {
		rs.emptyName = true
		return rs
	}

	// Stage 1: exact lookup on email, then identifier.
	if hit := e.exactStage(ctx, org, row); hit != nil {
		rs.candidates = append(rs.candidates, *hit)
		return rs
	}

	// Stage 2: AI-assisted, soft-failing into stage 3.
	if cand := e.oracleStage(ctx, variants[0], entries, budget); cand != nil {
		rs.candidates = append(rs.candidates, *cand)
		if cand.score >= threshold {
			return rs
		}
	}

	// Stage 3: pattern similarity over all variants, always available.
	rs.candidates = append(rs.candidates, patternStage(variants, entries)...)
	rs.candidates = dedupeBest(rs.candidates)
	return rs
}

func (e *Engine) exactStage(ctx context.Context, org string, row tabular.ParsedRow) *candidate {
	lookups := []struct {
		field directory.Field
		value string
	}{
		{directory.FieldEmail, row.Cells[tabular.RoleEmail]},
		{directory.FieldExternalID, row.Cells[tabular.RoleIdentifier]},
	}
	for _, l := range lookups {
		if l.value == "" {
			continue
		}
		entry, err := e.dir.LookupByExact(ctx, org, l.field, l.value)
		if err != nil {
			e.log.Warn("exact lookup failed", "field", l.field, "error", err)
			continue
		}
		if entry != nil {
			return &candidate{personID: entry.ID, score: 1.0, method: MethodExact}
		}
	}
	return nil
}

func (e *Engine) oracleStage(ctx context.Context, normalized string, entries []indexedEntry, budget *oracle.Budget) *candidate {
	if !e.oracle.Available() || len(entries) == 0 {
		return nil
	}
	if budget != nil && budget.Exhausted() {
		return nil
	}

	slice := oracleSlice(normalized, entries, e.sliceSize)
	start := time.Now()
	resp, err := e.oracle.ScoreCandidates(ctx, oracle.Request{
		NormalizedName: normalized,
		Candidates:     slice,
	})
	if budget != nil {
		budget.Spend(time.Since(start))
	}
	if err != nil {
		// Soft failure: oracle trouble never fails a row or the job.
		e.log.Warn("oracle stage skipped", "error", err)
		return nil
	}
	if resp.NoMatch || resp.Match == nil {
		return nil
	}
	return &candidate{personID: resp.Match.ID, score: resp.Match.Confidence, method: MethodAI}
}

// oracleSlice bounds the directory slice sent to the oracle, keeping the
// entries most similar to the row's name so the slice stays informative.
func oracleSlice(normalized string, entries []indexedEntry, limit int) []oracle.Candidate {
	type ranked struct {
		idx   int
		score float64
	}
	rankings := make([]ranked, len(entries))
	for i, e := range entries {
		rankings[i] = ranked{idx: i, score: Similarity(normalized, e.normalized)}
	}
	sort.SliceStable(rankings, func(a, b int) bool { return rankings[a].score > rankings[b].score })
	if len(rankings) > limit {
		rankings = rankings[:limit]
	}
	out := make([]oracle.Candidate, len(rankings))
	for i, r := range rankings {
		entry := entries[r.idx].entry
		out[i] = oracle.Candidate{ID: entry.ID, FullName: entry.FullName, Email: entry.Email}
	}
	return out
}

func patternStage(variants []string, entries []indexedEntry) []candidate {
	var pool []candidate
	for _, entry := range entries {
		best := 0.0
		for _, v := range variants {
			if s := Similarity(v, entry.normalized); s > best {
				best = s
			}
		}
		if best > 0 {
			pool = append(pool, candidate{personID: entry.entry.ID, score: best, method: MethodPattern})
		}
	}
	sortCandidates(pool)
	if len(pool) > patternTopK {
		pool = pool[:patternTopK]
	}
	return pool
}

// dedupeBest keeps the highest-scoring candidate per person across stages.
func dedupeBest(pool []candidate) []candidate {
	best := make(map[string]candidate, len(pool))
	for _, c := range pool {
		if cur, ok := best[c.personID]; !ok || c.score > cur.score {
			best[c.personID] = c
		}
	}
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sortCandidates(out)
	return out
}

// sortCandidates orders by descending score, then person id for determinism.
func sortCandidates(pool []candidate) {
	sort.SliceStable(pool, func(a, b int) bool {
		if pool[a].score != pool[b].score {
			return pool[a].score > pool[b].score
		}
		return pool[a].personID < pool[b].personID
	})
}

// resolve walks the scored arena once, in original row order, claiming
// directory ids. A row whose winning candidate was already claimed by an
// earlier row is demoted to unmatched with reason duplicate_target. This pass
// is the only place rows interact, which keeps the outcome deterministic.
func resolve(scores []rowScore, threshold float64) []Result {
	claimed := make(map[string]bool)
	results := make([]Result, len(scores))
	for i, rs := range scores {
		res := Result{RowIndex: rs.row.Index, RawName: rs.rawName, Cells: cellsForAudit(rs.row), Outcome: OutcomeUnmatched}
		switch {
		case rs.emptyName:
			res.Reason = ReasonEmptyName
		case len(rs.candidates) == 0:
			res.Reason = ReasonNoCandidates
		default:
			best := rs.candidates[0]
			res.Suggestions = suggestions(rs.candidates)
			switch {
			case best.score < threshold:
				res.Reason = ReasonBelowThreshold
			case claimed[best.personID]:
				res.Reason = ReasonDuplicateTarget
			default:
				claimed[best.personID] = true
				res.Outcome = OutcomeMatched
				res.PersonID = best.personID
				res.Confidence = best.score
				res.Method = best.method
				res.Reason = ""
				res.Suggestions = nil
			}
		}
		results[i] = res
	}
	return results
}

func cellsForAudit(row tabular.ParsedRow) map[string]string {
	out := make(map[string]string, len(row.Cells))
	for role, value := range row.Cells {
		out[string(role)] = value
	}
	return out
}

func suggestions(pool []candidate) []Suggestion {
	n := len(pool)
	if n > maxSuggestions {
		n = maxSuggestions
	}
	out := make([]Suggestion, 0, n)
	for _, c := range pool[:n] {
		out = append(out, Suggestion{PersonID: c.personID, Confidence: c.score})
	}
	return out
}
