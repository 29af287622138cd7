package crawler

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Describe derives a short description from normalized page text.
// Text shorter than bound is returned as is. Otherwise words longer than four
// characters are joined until the result reaches bound. When the longest word
// alone exceeds bound it is split on punctuation and its pieces are joined
// instead. This is an approximation of a leading sentence, not a sentence
// boundary detector, and the result may overshoot bound by the last word.
func Describe(text string, bound int) string {
	if bound <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) < bound {
		return text
	}

	tokens := strings.Fields(text)
	longest := ""
	summary := make([]string, 0, 8)
	length := 0
	for _, token := range tokens {
		n := utf8.RuneCountInString(token)
		if n > utf8.RuneCountInString(longest) {
			longest = token
		}
		if length < bound && n > 4 {
			summary, length = appendWord(summary, length, token)
		}
	}

	if utf8.RuneCountInString(longest) > bound {
		pieces := strings.FieldsFunc(longest, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		summary, length = joinUntil(pieces, bound)
	}

	// Short-word text still gets a description.
	if length == 0 {
		summary, _ = joinUntil(tokens, bound)
	}
	return strings.Join(summary, " ")
}

func joinUntil(words []string, bound int) ([]string, int) {
	var out []string
	length := 0
	for _, w := range words {
		if length >= bound {
			break
		}
		out, length = appendWord(out, length, w)
	}
	return out, length
}

func appendWord(words []string, length int, w string) ([]string, int) {
	if len(words) > 0 {
		length++
	}
	return append(words, w), length + utf8.RuneCountInString(w)
}
