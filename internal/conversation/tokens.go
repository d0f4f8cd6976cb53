package conversation

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Answer is the interpretation of a reply in CONFIRMING.
type Answer int

const (
	AnswerUnknown Answer = iota
	AnswerAccept
	AnswerReject
)

var (
	acceptTokens = tokenSet("yes", "y", "yeah", "yep", "ok", "okay", "confirm", "correct", "да", "ага", "верно", "подтверждаю")
	rejectTokens = tokenSet("no", "n", "nope", "edit", "change", "wrong", "нет", "неверно", "изменить")
)

// fold case-folds s. A Caser keeps state, so each call gets its own.
func fold(s string) string { return cases.Fold().String(s) }

func tokenSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[fold(w)] = struct{}{}
	}
	return m
}

// normalize case-folds s and strips surrounding whitespace and punctuation.
func normalize(s string) string {
	s = fold(strings.TrimSpace(s))
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// ParseAnswer classifies a confirmation reply. Anything that is not a
// single accept or reject token is AnswerUnknown and triggers a re-prompt.
func ParseAnswer(text string) Answer {
	t := normalize(text)
	if _, ok := acceptTokens[t]; ok {
		return AnswerAccept
	}
	if _, ok := rejectTokens[t]; ok {
		return AnswerReject
	}
	return AnswerUnknown
}
