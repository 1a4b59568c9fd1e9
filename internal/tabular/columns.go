package tabular

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Role is the inferred semantic meaning of a column.
type Role string

const (
	RoleName       Role = "name"
	RoleEmail      Role = "email"
	RoleIdentifier Role = "identifier"
	RoleDate       Role = "date"
	RoleStatus     Role = "status"
	RoleOther      Role = "other"
)

// ErrNoNameColumn is returned when no column clears the acceptance floor for
// the name role. A name column is mandatory; all other roles are optional.
var ErrNoNameColumn = errors.New("no name column detected")

// DetectedColumn records the winning column for a role.
type DetectedColumn struct {
	Index      int      `json:"index"`
	Role       Role     `json:"role"`
	Confidence float64  `json:"confidence"`
	Samples    []string `json:"samples,omitempty"`
}

// ColumnMap holds at most one primary column per role.
type ColumnMap map[Role]DetectedColumn

// acceptanceFloor is the minimum role confidence for a column to win a role.
const acceptanceFloor = 0.4

// roleKeywords is the curated header vocabulary per role. Keywords of three
// characters or fewer must match a whole header token; longer keywords match
// as substrings.
var roleKeywords = map[Role][]string{
	RoleName:       {"name", "student", "attendee", "participant", "person", "first", "last"},
	RoleEmail:      {"email", "e-mail", "mail"},
	RoleIdentifier: {"id", "identifier", "number", "num", "code", "sis", "roll"},
	RoleDate:       {"date", "day", "when", "session", "time"},
	RoleStatus:     {"status", "attendance", "present", "attended", "state", "mark"},
}

// rolePriority is the assignment order; earlier roles claim columns first so
// one column is never primary for two roles.
var rolePriority = []Role{RoleName, RoleEmail, RoleIdentifier, RoleDate, RoleStatus}

var statusVocabulary = map[string]bool{
	"present": true, "absent": true, "late": true, "excused": true,
	"tardy": true, "attended": true, "missed": true, "remote": true,
	"yes": true, "no": true, "y": true, "n": true, "p": true, "a": true, "x": true,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02-01-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

var (
	emailRe      = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,19}$`)
	tokenSplitRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// DetectColumns infers a primary column per role from the header (when
// present) and up to sampleRows data rows. Output is deterministic for a
// given table; ties break toward the lower column index.
func DetectColumns(t *Table, sampleRows int) (ColumnMap, error) {
	if sampleRows <= 0 {
		sampleRows = 20
	}
	width := tableWidth(t)
	samples := collectSamples(t, width, sampleRows)

	claimed := make(map[int]bool)
	out := make(ColumnMap)
	for _, role := range rolePriority {
		bestIdx := -1
		bestConf := 0.0
		for col := 0; col < width; col++ {
			if claimed[col] {
				continue
			}
			conf := roleConfidence(role, headerCell(t, col), samples[col])
			if conf > bestConf && conf >= acceptanceFloor {
				bestConf = conf
				bestIdx = col
			}
		}
		if bestIdx >= 0 {
			claimed[bestIdx] = true
			out[role] = DetectedColumn{
				Index:      bestIdx,
				Role:       role,
				Confidence: bestConf,
				Samples:    samples[bestIdx],
			}
		}
	}
	if _, ok := out[RoleName]; !ok {
		return nil, ErrNoNameColumn
	}
	return out, nil
}

func tableWidth(t *Table) int {
	width := len(t.Header)
	for _, row := range t.Rows {
		if len(row) > width {
			width = len(row)
		}
	}
	return width
}

func headerCell(t *Table, col int) string {
	if col < len(t.Header) {
		return t.Header[col]
	}
	return ""
}

func collectSamples(t *Table, width, sampleRows int) [][]string {
	samples := make([][]string, width)
	limit := sampleRows
	if limit > len(t.Rows) {
		limit = len(t.Rows)
	}
	for col := 0; col < width; col++ {
		for i := 0; i < limit; i++ {
			row := t.Rows[i]
			if col < len(row) && row[col] != "" {
				samples[col] = append(samples[col], row[col])
			}
		}
	}
	return samples
}

// roleConfidence blends the header keyword signal with the value-shape signal.
// With no header the value signal stands alone.
func roleConfidence(role Role, header string, samples []string) float64 {
	value := valueScore(role, samples)
	if header == "" {
		return value
	}
	head := 0.0
	if matchesRoleKeyword(role, header) {
		head = 1.0
	}
	return 0.5*head + 0.5*value
}

func matchesRoleKeyword(role Role, header string) bool {
	lower := strings.ToLower(strings.TrimSpace(header))
	tokens := tokenSplitRe.Split(lower, -1)
	for _, kw := range roleKeywords[role] {
		if len(kw) <= 3 {
			for _, tok := range tokens {
				if tok == kw {
					return true
				}
			}
			continue
		}
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func matchesAnyRoleKeyword(header string) bool {
	for role := range roleKeywords {
		if matchesRoleKeyword(role, header) {
			return true
		}
	}
	return false
}

// valueScore is the fraction of non-empty sample values matching the role's
// shape heuristic.
func valueScore(role Role, samples []string) float64 {
	if len(samples) == 0 {
		return 0
	}
	hits := 0
	for _, v := range samples {
		if matchesShape(role, v) {
			hits++
		}
	}
	score := float64(hits) / float64(len(samples))
	if role == RoleIdentifier && score > 0 && !lowFormatCardinality(samples) {
		// Identifier columns share a small set of token formats; free text
		// that happens to be alphanumeric does not.
		score /= 2
	}
	return score
}

func matchesShape(role Role, v string) bool {
	switch role {
	case RoleEmail:
		return looksLikeEmail(v)
	case RoleIdentifier:
		return identifierRe.MatchString(v) && !parsesAsDate(v) &&
			!statusVocabulary[strings.ToLower(strings.TrimSpace(v))]
	case RoleDate:
		return parsesAsDate(v)
	case RoleStatus:
		return statusVocabulary[strings.ToLower(strings.TrimSpace(v))]
	case RoleName:
		return looksLikeName(v)
	default:
		return false
	}
}

func looksLikeEmail(v string) bool {
	return emailRe.MatchString(strings.TrimSpace(v))
}

func parsesAsDate(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

func looksLikeName(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" || looksLikeEmail(v) || parsesAsDate(v) {
		return false
	}
	if statusVocabulary[strings.ToLower(v)] {
		return false
	}
	hasLetter := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			return false
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r > 127 {
			hasLetter = true
		}
	}
	return hasLetter
}

// lowFormatCardinality reports whether the samples share at most three
// distinct token formats (digits collapsed to 9, letters to a).
func lowFormatCardinality(samples []string) bool {
	formats := make(map[string]bool)
	for _, v := range samples {
		formats[formatSignature(v)] = true
		if len(formats) > 3 {
			return false
		}
	}
	return true
}

func formatSignature(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteByte('9')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
			b.WriteByte('a')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
