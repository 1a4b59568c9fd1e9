package match

import (
	"context"
	"errors"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/rollcall-app/rollcall/internal/directory"
	"github.com/rollcall-app/rollcall/internal/logging"
	"github.com/rollcall-app/rollcall/internal/oracle"
	"github.com/rollcall-app/rollcall/internal/tabular"
)

const testOrg = "acme-university"

type fakeOracle struct {
	resp  *oracle.Response
	err   error
	calls int64
}

func (f *fakeOracle) Available() bool { return true }

func (f *fakeOracle) ScoreCandidates(context.Context, oracle.Request) (*oracle.Response, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func seededDirectory() *directory.MemoryDirectory {
	dir := directory.NewMemoryDirectory()
	dir.Add(directory.Entry{ID: "p1", Organization: testOrg, FullName: "John Smith", Email: "john.smith@x.edu", ExternalID: "A1001"})
	dir.Add(directory.Entry{ID: "p2", Organization: testOrg, FullName: "Robert Garcia", Email: "r.garcia@x.edu", ExternalID: "A1002"})
	dir.Add(directory.Entry{ID: "p3", Organization: testOrg, FullName: "Jane Doe", Email: "jane.doe@x.edu", ExternalID: "A1003"})
	return dir
}

func row(idx int, name, email, id string) tabular.ParsedRow {
	cells := map[tabular.Role]string{tabular.RoleName: name}
	if email != "" {
		cells[tabular.RoleEmail] = email
	}
	if id != "" {
		cells[tabular.RoleIdentifier] = id
	}
	return tabular.ParsedRow{Index: idx, Cells: cells}
}

func testEngine(dir directory.Directory, orc oracle.Oracle) *Engine {
	return NewEngine(dir, orc, logging.NewNop(), 4, 50)
}

func TestMatchAllExactEmail(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "J. Smith", "JOHN.SMITH@x.edu", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	res := results[0]
	if res.Outcome != OutcomeMatched || res.PersonID != "p1" {
		t.Fatalf("expected exact match on p1, got %+v", res)
	}
	if res.Method != MethodExact || res.Confidence != 1.0 {
		t.Fatalf("expected exact method at 1.0, got %s %.2f", res.Method, res.Confidence)
	}
}

func TestMatchAllExactIdentifier(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "completely wrong name", "", "a1002")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].PersonID != "p2" || results[0].Method != MethodExact {
		t.Fatalf("expected identifier match on p2, got %+v", results[0])
	}
}

func TestMatchAllPatternReorderedName(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "Garcia, Robert", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	res := results[0]
	if res.Outcome != OutcomeMatched || res.PersonID != "p2" {
		t.Fatalf("expected pattern match on p2, got %+v", res)
	}
	if res.Method != MethodPattern {
		t.Fatalf("expected pattern method, got %s", res.Method)
	}
	if res.Confidence < 0.99 {
		t.Fatalf("reordered exact name should score ~1.0, got %.2f", res.Confidence)
	}
}

func TestMatchAllPatternNickname(t *testing.T) {
	dir := directory.NewMemoryDirectory()
	dir.Add(directory.Entry{ID: "p7", Organization: testOrg, FullName: "Robert Smith"})
	engine := testEngine(dir, oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "Bob Smith", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].Outcome != OutcomeMatched || results[0].PersonID != "p7" {
		t.Fatalf("expected nickname variant to match p7, got %+v", results[0])
	}
}

func TestMatchAllUnmatchedWithSuggestions(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "Zzyzx Quorvon", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	res := results[0]
	if res.Outcome != OutcomeUnmatched || res.Reason != ReasonBelowThreshold {
		t.Fatalf("expected below_threshold, got %+v", res)
	}
	if len(res.Suggestions) == 0 || len(res.Suggestions) > 3 {
		t.Fatalf("expected 1..3 suggestions, got %d", len(res.Suggestions))
	}
	for i := 1; i < len(res.Suggestions); i++ {
		if res.Suggestions[i].Confidence > res.Suggestions[i-1].Confidence {
			t.Fatalf("suggestions not sorted descending: %+v", res.Suggestions)
		}
	}
}

func TestMatchAllEmptyName(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "   ", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].Reason != ReasonEmptyName {
		t.Fatalf("expected empty_name, got %+v", results[0])
	}
}

func TestMatchAllNoCandidates(t *testing.T) {
	engine := testEngine(directory.NewMemoryDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{row(0, "John Smith", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].Reason != ReasonNoCandidates {
		t.Fatalf("expected no_candidates, got %+v", results[0])
	}
}

func TestMatchAllDuplicateTargetEarlierRowWins(t *testing.T) {
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	rows := []tabular.ParsedRow{
		row(0, "Robert Garcia", "", ""),
		row(1, "Garcia, Robert", "", ""),
	}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if results[0].Outcome != OutcomeMatched || results[0].PersonID != "p2" {
		t.Fatalf("row 0 should claim p2, got %+v", results[0])
	}
	if results[1].Outcome != OutcomeUnmatched || results[1].Reason != ReasonDuplicateTarget {
		t.Fatalf("row 1 should be duplicate_target, got %+v", results[1])
	}
	if len(results[1].Suggestions) == 0 {
		t.Fatalf("duplicate row should keep its suggestions for review")
	}
}

func TestMatchAllOracleMatch(t *testing.T) {
	orc := &fakeOracle{resp: &oracle.Response{Match: &oracle.Match{ID: "p3", Confidence: 0.85}}}
	engine := testEngine(seededDirectory(), orc)
	rows := []tabular.ParsedRow{row(0, "Janie D.", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	res := results[0]
	if res.Outcome != OutcomeMatched || res.PersonID != "p3" {
		t.Fatalf("expected oracle match on p3, got %+v", res)
	}
	if res.Method != MethodAI || res.Confidence != 0.85 {
		t.Fatalf("expected ai method at 0.85, got %s %.2f", res.Method, res.Confidence)
	}
	if atomic.LoadInt64(&orc.calls) != 1 {
		t.Fatalf("expected one oracle call, got %d", orc.calls)
	}
}

func TestMatchAllOracleErrorFallsThrough(t *testing.T) {
	orc := &fakeOracle{err: errors.New("upstream timeout")}
	engine := testEngine(seededDirectory(), orc)
	rows := []tabular.ParsedRow{row(0, "Garcia, Robert", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("oracle failure must not fail the job: %v", err)
	}
	res := results[0]
	if res.Outcome != OutcomeMatched || res.Method != MethodPattern {
		t.Fatalf("expected pattern fallback match, got %+v", res)
	}
}

func TestMatchAllOracleBudgetExhausted(t *testing.T) {
	orc := &fakeOracle{resp: &oracle.Response{Match: &oracle.Match{ID: "p3", Confidence: 0.99}}}
	engine := testEngine(seededDirectory(), orc)
	rows := []tabular.ParsedRow{row(0, "Garcia, Robert", "", "")}

	results, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, oracle.NewBudget(0))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if atomic.LoadInt64(&orc.calls) != 0 {
		t.Fatalf("exhausted budget must skip the oracle, got %d calls", orc.calls)
	}
	if results[0].Method != MethodPattern {
		t.Fatalf("expected pattern fallback, got %+v", results[0])
	}
}

func TestMatchAllDeterministic(t *testing.T) {
	rows := []tabular.ParsedRow{
		row(0, "Robert Garcia", "", ""),
		row(1, "Garcia, Robert", "", ""),
		row(2, "John Smith", "", ""),
		row(3, "Jan Doe", "", ""),
		row(4, "", "", ""),
	}
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	first, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := engine.MatchAll(context.Background(), testOrg, rows, 0.70, nil)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed:\n%+v\nvs\n%+v", i, first, again)
		}
	}
}

func TestMatchAllCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := testEngine(seededDirectory(), oracle.Disabled{})
	_, err := engine.MatchAll(ctx, testOrg, []tabular.ParsedRow{row(0, "John Smith", "", "")}, 0.70, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
