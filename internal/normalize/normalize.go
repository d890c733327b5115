// Package normalize turns free-text company names, job titles and requisition ids into
// comparable keys. Every function is pure and idempotent: applying it to its own output
// returns the same key. An empty input yields ok=false, which callers must treat as
// "no signal" rather than as a matchable empty key.
package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	dashReplacer = strings.NewReplacer(
		"‐", "-", "‑", "-", "‒", "-", "–", "-", "—", "-", "―", "-", "−", "-",
		"‘", "'", "’", "'", "‚", "'", "‛", "'", "`", "'", "´", "'",
		"“", "\"", "”", "\"", "„", "\"", "«", "\"", "»", "\"",
	)

	legalSuffix = regexp.MustCompile(`^(.*\S)[\s,]+(?:inc\.?|incorporated|llc|l\.l\.c\.|corp\.?|corporation|ltd\.?|limited|gmbh|co\.|company|plc)$`)

	titlePunct   = regexp.MustCompile(`[,\-/|()\[\]{}:;!?*"]+`)
	titleReqLike = regexp.MustCompile(`(?i)\b(?:r-?\d{5,}|jr\d{5,}|\d{4}-\d{3,6}|\d{5,8})\b`)
	reqPrefix    = regexp.MustCompile(`(?i)^(?:#|req(?:uisition)?(?:\s*id)?\b|job\s*id\b)\s*[:#-]?\s*`)
)

var titleSynonyms = map[string]string{
	"sr":   "senior",
	"sr.":  "senior",
	"jr":   "junior",
	"jr.":  "junior",
	"mgr":  "manager",
	"eng":  "engineer",
	"dev":  "developer",
	"swe":  "software engineer",
	"sde":  "software development engineer",
	"mts":  "member of technical staff",
	"i":    "1",
	"ii":   "2",
	"iii":  "3",
	"iv":   "4",
	"v":    "5",
	"&":    "and",
	"snr":  "senior",
	"prin": "principal",
}

// clean applies the canonical text form shared by every key: NFKC, lower case,
// unified dashes and quotes, collapsed whitespace.
func clean(raw string) string {
	s := norm.NFKC.String(raw)
	s = strings.ToLower(s)
	s = norm.NFKC.String(s)
	s = dashReplacer.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// Company returns the comparison key for a company name using the default alias table.
func Company(raw string) (string, bool) {
	return DefaultAliases.Company(raw)
}

func stripCompany(raw string) string {
	return fixedPoint(raw, stripCompanyOnce)
}

func stripCompanyOnce(raw string) string {
	s := clean(raw)
	s = strings.Trim(s, " ,;:-")
	for strings.HasPrefix(s, "your ") {
		s = strings.TrimPrefix(s, "your ")
	}

	for {
		m := legalSuffix.FindStringSubmatch(s)
		if m == nil {
			break
		}
		s = strings.TrimRight(m[1], " ,;:-")
	}

	return strings.TrimSpace(s)
}

// fixedPoint applies step until the output stops changing. Once its input is clean, every
// step only removes text or expands a synonym into words that are not synonyms, so the
// loop terminates.
func fixedPoint(s string, step func(string) string) string {
	for {
		next := step(s)
		if next == s {
			return s
		}
		s = next
	}
}

// Title returns the comparison key for a job title.
func Title(raw string) (string, bool) {
	key := fixedPoint(raw, titleOnce)
	return key, key != ""
}

func titleOnce(raw string) string {
	s := clean(raw)
	s = titleReqLike.ReplaceAllString(s, " ")
	s = titlePunct.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	out := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".'")
		if w == "" {
			continue
		}
		if syn, ok := titleSynonyms[w]; ok {
			w = syn
		}
		out = append(out, w)
	}

	return strings.Join(out, " ")
}

// Requisition returns the comparison key for a requisition id.
func Requisition(raw string) (string, bool) {
	s := fixedPoint(clean(raw), func(s string) string {
		s = reqPrefix.ReplaceAllString(s, "")
		return strings.Trim(s, " .,;:#'\"()[]")
	})
	s = strings.ToUpper(s)
	return s, s != ""
}

// Tokens returns the distinct words of a title key, in first-seen order.
func Tokens(titleKey string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, w := range strings.Fields(titleKey) {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	return out
}
