package ml

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const asciiPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

var punctuationReplacer = newPunctuationReplacer()

func newPunctuationReplacer() *strings.Replacer {
	pairs := make([]string, 0, 2*len(asciiPunctuation))
	for _, c := range asciiPunctuation {
		pairs = append(pairs, string(c), " ")
	}
	return strings.NewReplacer(pairs...)
}

// Normalize lowercases text, maps every ASCII punctuation character to a
// space, collapses whitespace runs and trims the result. Digits are kept.
//
// Training, inference and explanation all go through this function.
func Normalize(text string) string {
	// A Caser is stateful, so each call gets its own.
	text = cases.Lower(language.Und).String(text)
	text = punctuationReplacer.Replace(text)
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeValue normalizes v when it is a string. Any other value yields
// the empty string and false so the caller can record the coercion.
func NormalizeValue(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return Normalize(s), true
}
