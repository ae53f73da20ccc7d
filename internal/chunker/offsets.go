package chunker

import "strings"

type span struct {
	start, end int
}

// locate maps each sentence back to a rune span of text by scanning forward from
// the end of the previous match. A sentence that is not found verbatim (the segmenter
// or a subsplit changed its whitespace) is anchored at its first word, or failing
// that at the cursor. Spans are best-effort and the cursor never moves backward.
func locate(text string, sentences []string) []span {
	hay := []rune(text)
	spans := make([]span, 0, len(sentences))
	cursor := 0
	for _, sent := range sentences {
		needle := []rune(sent)
		idx := indexRunes(hay, needle, cursor)
		if idx < 0 {
			if fields := strings.Fields(sent); len(fields) > 0 {
				idx = indexRunes(hay, []rune(fields[0]), cursor)
			}
			if idx < 0 {
				idx = cursor
			}
		}
		end := idx + len(needle)
		if end <= idx {
			end = idx + 1
		}
		spans = append(spans, span{start: idx, end: end})
		cursor = end
	}
	return spans
}

// indexRunes returns the first index >= from where needle occurs in hay, or -1.
func indexRunes(hay, needle []rune, from int) int {
	if len(needle) == 0 || from > len(hay) {
		return -1
	}
	last := len(hay) - len(needle)
outer:
	for i := from; i <= last; i++ {
		for j, r := range needle {
			if hay[i+j] != r {
				continue outer
			}
		}
		return i
	}
	return -1
}
