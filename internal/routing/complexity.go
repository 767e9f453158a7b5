package routing

import (
	"regexp"
	"strings"
)

// Complexity is the coarse size estimate of a request
type Complexity string

const (
	Simple   Complexity = "simple"
	Moderate Complexity = "moderate"
	Complex  Complexity = "complex"
)

var conjunctions = []string{
	"and then", "after that", "followed by", "step by step", "finally",
	"as well as", "in addition", "once that",
}

var actionVerbs = []string{
	"build", "create", "add", "implement", "design", "write", "make", "fix",
	"deploy", "integrate", "connect", "generate", "test", "refactor", "style",
	"optimize", "update", "set up", "configure", "include",
}

var (
	bulletLine   = regexp.MustCompile(`(?m)^\s*(?:\d+[.)]|[-*•])\s+\S`)
	inlineNumber = regexp.MustCompile(`(?:^|\s)\d+[.)]\s+\S`)
)

// EstimateComplexity scores request length, list structure, multi-part
// conjunctions and the number of distinct actions requested.
func EstimateComplexity(text string) Complexity {
	return complexityFor(scoreComplexity(text))
}

func scoreComplexity(text string) int {
	score := 0

	words := len(strings.Fields(text))
	switch {
	case words > 40:
		score += 2
	case words > 20:
		score++
	}

	norm := normalize(text)
	conj := len(matchAll(norm, conjunctions))
	if conj > 2 {
		conj = 2
	}
	score += conj

	items := len(bulletLine.FindAllString(text, -1))
	if inline := len(inlineNumber.FindAllString(text, -1)); inline > items {
		items = inline
	}
	if items >= 2 {
		score += 2
	}

	if len(matchAll(norm, actionVerbs)) >= 3 {
		score++
	}
	return score
}

func complexityFor(score int) Complexity {
	switch {
	case score >= 3:
		return Complex
	case score >= 1:
		return Moderate
	default:
		return Simple
	}
}
