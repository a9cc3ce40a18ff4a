package pipeline

import (
	"strings"
	"unicode/utf8"
)

// Gating thresholds on the 0-100 quality score.
const (
	SkipAllScore        = 85
	ValidationOnlyScore = 70
)

// Scope is how much of the pipeline a chunk needs.
type Scope int

const (
	ScopeFull Scope = iota
	ScopeValidationOnly
	ScopeNone
)

// ScopeFor maps a quality score onto a pipeline scope.
func ScopeFor(score int) Scope {
	switch {
	case score >= SkipAllScore:
		return ScopeNone
	case score >= ValidationOnlyScore:
		return ScopeValidationOnly
	default:
		return ScopeFull
	}
}

// QualityScore is a cheap pre-pipeline estimate of translation quality. It
// looks for the usual machine-translation failure signs: missing or runaway
// output, untranslated text, mojibake and stuttering.
func QualityScore(source, translated string) int {
	src := strings.TrimSpace(source)
	dst := strings.TrimSpace(translated)
	if dst == "" {
		return 0
	}
	score := 100
	if src != "" {
		ratio := float64(utf8.RuneCountInString(dst)) / float64(utf8.RuneCountInString(src))
		switch {
		case ratio < 0.4 || ratio > 2.5:
			score -= 35
		case ratio < 0.6 || ratio > 1.8:
			score -= 20
		}
		if strings.EqualFold(src, dst) && utf8.RuneCountInString(src) > 20 {
			score -= 40
		}
	}
	if strings.ContainsRune(dst, utf8.RuneError) {
		score -= 20
	}
	if hasStutter(dst, 4) {
		score -= 15
	}
	if looksLikeChatter(dst) {
		score -= 10
	}
	if score < 0 {
		score = 0
	}
	return score
}

// hasStutter reports a word repeated n or more times in a row.
func hasStutter(text string, n int) bool {
	words := strings.Fields(strings.ToLower(text))
	run := 1
	for i := 1; i < len(words); i++ {
		if words[i] == words[i-1] {
			run++
			if run >= n {
				return true
			}
			continue
		}
		run = 1
	}
	return false
}

func looksLikeChatter(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range []string{"```", "translation:", "here is the translation", "as an ai"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
