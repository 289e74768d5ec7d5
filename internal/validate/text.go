package validate

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// negationWindow is how many tokens on either side of a keyword are searched for a negation marker.
const negationWindow = 3

var negations = map[string]struct{}{
	"nicht":   {},
	"nie":     {},
	"niemals": {},
	"ohne":    {},
	"no":      {},
	"not":     {},
	"none":    {},
	"never":   {},
	"without": {},
}

// fold case-folds, NFC-normalizes and collapses whitespace.
// A Caser keeps state, so a fresh one is used per call.
func fold(s string) string {
	return collapseSpace(cases.Fold().String(norm.NFC.String(s)))
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tokens(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isNegation(token string) bool {
	if strings.HasPrefix(token, "kein") {
		return true
	}
	_, ok := negations[token]
	return ok
}

func keywords(input string, anyOf, allOf []string, requireNegation bool) bool {
	text := fold(input)
	if text == "" || (len(anyOf) == 0 && len(allOf) == 0) {
		return false
	}
	for _, kw := range allOf {
		if !keywordMatches(text, fold(kw), requireNegation) {
			return false
		}
	}
	if len(anyOf) == 0 {
		return true
	}
	for _, kw := range anyOf {
		if keywordMatches(text, fold(kw), requireNegation) {
			return true
		}
	}
	return false
}

// keywordMatches finds kw in text. With requireNegation an occurrence only counts when a
// negation token sits within negationWindow tokens of it.
func keywordMatches(text, kw string, requireNegation bool) bool {
	if kw == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(text[offset:], kw)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(kw)
		if !requireNegation || negatedAround(text[:start], text[end:]) {
			return true
		}
		offset = end
	}
}

func negatedAround(before, after string) bool {
	prev := tokens(before)
	if len(prev) > negationWindow {
		prev = prev[len(prev)-negationWindow:]
	}
	next := tokens(after)
	if len(next) > negationWindow {
		next = next[:negationWindow]
	}
	for _, t := range prev {
		if isNegation(t) {
			return true
		}
	}
	for _, t := range next {
		if isNegation(t) {
			return true
		}
	}
	return false
}

var equationReplacer = strings.NewReplacer(
	"·", "*",
	"×", "*",
	"∗", "*",
	"−", "-",
	"–", "-",
	":", "/",
)

func normalizeEquation(s string) string {
	s = equationReplacer.Replace(fold(s))
	return strings.Join(strings.Fields(s), "")
}

func equationPattern(input string, patterns []string) bool {
	got := normalizeEquation(input)
	if got == "" {
		return false
	}
	for _, p := range patterns {
		if want := normalizeEquation(p); want != "" && want == got {
			return true
		}
	}
	return false
}
