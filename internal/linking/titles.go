package linking

import (
	"strings"

	"github.com/spigell/applink/internal/normalize"
)

// DefaultRoleWords are the tokens that make a shared title word meaningful.
var DefaultRoleWords = []string{
	"engineer", "developer", "analyst", "scientist", "manager", "lead", "senior", "junior",
	"staff", "data", "designer", "architect", "intern", "principal", "software", "product",
	"researcher", "consultant", "specialist", "administrator",
}

// TitleMatcher implements the two-part fuzzy title rule: titles match when they share at
// least one role word and at least two tokens overall.
type TitleMatcher struct {
	roleWords map[string]struct{}
}

func NewTitleMatcher(roleWords []string) *TitleMatcher {
	m := &TitleMatcher{roleWords: make(map[string]struct{}, len(roleWords))}
	for _, w := range roleWords {
		// Role words go through the same normalization as titles so "sr" and "senior" agree.
		key, ok := normalize.Title(w)
		if !ok {
			continue
		}
		for _, tok := range strings.Fields(key) {
			m.roleWords[tok] = struct{}{}
		}
	}
	return m
}

// Match compares two normalized title keys.
func (m *TitleMatcher) Match(a, b string) bool {
	if a == "" || b == "" {
		return false
	}

	shared := sharedTokens(a, b)
	if len(shared) < 2 {
		return false
	}
	for _, tok := range shared {
		if _, ok := m.roleWords[tok]; ok {
			return true
		}
	}
	return false
}

// IsRoleWord reports whether the token is a configured role word.
func (m *TitleMatcher) IsRoleWord(tok string) bool {
	_, ok := m.roleWords[tok]
	return ok
}

// Jaccard returns the token overlap of two normalized title keys, 0 when either is empty.
func Jaccard(a, b string) float64 {
	ta := normalize.Tokens(a)
	tb := normalize.Tokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	union := make(map[string]struct{}, len(ta)+len(tb))
	for _, t := range ta {
		union[t] = struct{}{}
	}
	for _, t := range tb {
		union[t] = struct{}{}
	}
	return float64(len(sharedTokens(a, b))) / float64(len(union))
}

func sharedTokens(a, b string) []string {
	inB := make(map[string]struct{})
	for _, t := range normalize.Tokens(b) {
		inB[t] = struct{}{}
	}

	var shared []string
	for _, t := range normalize.Tokens(a) {
		if _, ok := inB[t]; ok {
			shared = append(shared, t)
		}
	}
	return shared
}
