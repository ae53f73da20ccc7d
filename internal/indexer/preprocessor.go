package indexer

import (
	"strings"
	"unicode"
)

// Preprocess normalizes turn text before it is stored: line endings become "\n",
// control characters other than newline and tab are dropped, and surrounding
// whitespace is trimmed. Inner whitespace is kept so chunk offsets and paragraph
// breaks survive.
func Preprocess(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
