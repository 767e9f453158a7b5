package routing

import (
	"strings"
	"unicode"
)

// normalize lowercases text and collapses every run of non-alphanumeric
// characters to one space, padding both ends so whole-word phrases can be
// matched as " phrase ".
func normalize(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + 2)
	sb.WriteByte(' ')
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
			space = false
			continue
		}
		if !space {
			sb.WriteByte(' ')
			space = true
		}
	}
	if !space {
		sb.WriteByte(' ')
	}
	return sb.String()
}

// hasPhrase reports whether phrase occurs as whole words in normalized text
func hasPhrase(norm, phrase string) bool {
	p := strings.TrimSpace(normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(norm, " "+p+" ")
}

// matchAll returns the phrases present in norm, in list order
func matchAll(norm string, phrases []string) []string {
	var hits []string
	for _, p := range phrases {
		if hasPhrase(norm, p) {
			hits = append(hits, p)
		}
	}
	return hits
}
