// Package names canonicalizes raw person names into a comparison form. The
// original string is always preserved by callers for display and audit; only
// the normalized form is compared.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// titlesAndSuffixes are stripped token-wise after normalization. Trailing
// periods on tokens are ignored when comparing.
var titlesAndSuffixes = map[string]bool{
	"dr": true, "prof": true, "mr": true, "mrs": true, "ms": true, "mx": true,
	"jr": true, "sr": true, "ii": true, "iii": true, "iv": true,
	"phd": true, "md": true, "esq": true, "cpa": true,
}

// nicknames maps common short forms to formal names. Expansion only ever adds
// candidate forms; it never replaces the primary normalized name.
var nicknames = map[string]string{
	"bob": "robert", "bobby": "robert", "rob": "robert", "robbie": "robert",
	"bill": "william", "billy": "william", "will": "william",
	"liz": "elizabeth", "beth": "elizabeth", "betty": "elizabeth",
	"jim": "james", "jimmy": "james", "jamie": "james",
	"mike": "michael", "mikey": "michael",
	"dave": "david", "davey": "david",
	"chris": "christopher",
	"kate": "katherine", "katie": "katherine", "kathy": "katherine",
	"tom": "thomas", "tommy": "thomas",
	"tony": "anthony",
	"andy": "andrew", "drew": "andrew",
	"dan": "daniel", "danny": "daniel",
	"joe": "joseph", "joey": "joseph",
	"nick": "nicholas",
	"alex": "alexander",
	"sam": "samuel",
	"ben": "benjamin",
	"matt": "matthew",
	"steve": "steven",
	"greg": "gregory",
	"jen": "jennifer", "jenny": "jennifer",
	"sue": "susan", "susie": "susan",
	"peggy": "margaret", "meg": "margaret",
	"dick": "richard", "rick": "richard", "rich": "richard",
	"ted": "theodore",
	"ed": "edward", "eddie": "edward",
	"pat": "patrick",
}

var diacriticFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize canonicalizes a raw name. It is pure, total, and idempotent: it
// never fails, and an empty or punctuation-only input normalizes to "".
//
// Steps, in order: trim and collapse whitespace; strip surrounding quotes;
// fold diacritics; lower-case; reorder a single-comma "Last, First" form;
// strip titles and suffixes.
func Normalize(raw string) string {
	s := collapseWhitespace(raw)
	s = stripSurroundingQuotes(s)
	s = foldDiacritics(s)
	s = strings.ToLower(s)
	s = reorderLastFirst(s)
	s = stripTitles(s)
	return s
}

// Variants returns the normalized name followed by any nickname-expanded
// forms, deduplicated. The primary form is always first. An empty normalized
// name yields no variants.
func Variants(raw string) []string {
	primary := Normalize(raw)
	if primary == "" {
		return nil
	}
	out := []string{primary}
	tokens := strings.Fields(primary)
	expanded := make([]string, len(tokens))
	changed := false
	for i, tok := range tokens {
		if formal, ok := nicknames[tok]; ok {
			expanded[i] = formal
			changed = true
		} else {
			expanded[i] = tok
		}
	}
	if changed {
		v := strings.Join(expanded, " ")
		if v != primary {
			out = append(out, v)
		}
	}
	return out
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func stripSurroundingQuotes(s string) string {
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return s
}

func foldDiacritics(s string) string {
	folded, _, err := transform.String(diacriticFolder, s)
	if err != nil {
		// The folder cannot fail on valid UTF-8; keep the input on the
		// off chance it does.
		return s
	}
	return folded
}

// reorderLastFirst rewrites "garcia, robert" as "robert garcia". Strings with
// zero or multiple commas pass through untouched.
func reorderLastFirst(s string) string {
	if strings.Count(s, ",") != 1 {
		return s
	}
	parts := strings.SplitN(s, ",", 2)
	last := strings.TrimSpace(parts[0])
	first := strings.TrimSpace(parts[1])
	if first == "" || last == "" {
		return strings.TrimSpace(strings.ReplaceAll(s, ",", " "))
	}
	return first + " " + last
}

func stripTitles(s string) string {
	tokens := strings.Fields(s)
	kept := tokens[:0]
	for _, tok := range tokens {
		bare := strings.Trim(tok, ".,")
		if bare == "" {
			continue
		}
		if titlesAndSuffixes[bare] {
			continue
		}
		kept = append(kept, bare)
	}
	return strings.Join(kept, " ")
}
