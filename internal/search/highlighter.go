package search

import (
	"strings"
	"unicode"
)

// Highlight returns a window of at most maxLen runes of content, centred on the
// first occurrence of any query term. Cut ends are marked with "...". A maxLen of 0
// returns content unchanged.
func Highlight(content, query string, maxLen int) string {
	runes := []rune(content)
	if maxLen <= 0 || len(runes) <= maxLen {
		return content
	}
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}
	at := -1
	for _, term := range strings.FieldsFunc(strings.Map(unicode.ToLower, query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}) {
		if i := indexRunes(lower, []rune(term)); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	start := 0
	if at > maxLen/3 {
		start = at - maxLen/3
	}
	if start+maxLen > len(runes) {
		start = len(runes) - maxLen
	}
	end := start + maxLen

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(string(runes[start:end])))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}

func indexRunes(s, sub []rune) int {
	if len(sub) == 0 || len(sub) > len(s) {
		return -1
	}
outer:
	for i := 0; i+len(sub) <= len(s); i++ {
		for j := range sub {
			if s[i+j] != sub[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
