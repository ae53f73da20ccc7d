package chunker

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// Segmenter splits text into ordered sentences. Sentences may differ from the
// source in surrounding whitespace.
type Segmenter interface {
	Segment(text string) []string
}

// PunktSegmenter uses the English Punkt model, which handles abbreviations and
// decimal numbers.
type PunktSegmenter struct {
	tokenizer *sentences.DefaultSentenceTokenizer
}

// NewPunktSegmenter loads the bundled English Punkt training data.
func NewPunktSegmenter() (*PunktSegmenter, error) {
	tokenizer, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load punkt model: %w", err)
	}
	return &PunktSegmenter{tokenizer: tokenizer}, nil
}

// Segment returns the sentences of text.
func (s *PunktSegmenter) Segment(text string) []string {
	sents := s.tokenizer.Tokenize(text)
	out := make([]string, 0, len(sents))
	for _, sent := range sents {
		out = append(out, sent.Text)
	}
	return out
}

// RuleSegmenter ends a sentence after a run of '.', '!' or '?' (plus closing
// quotes or brackets) followed by whitespace, and at blank lines.
type RuleSegmenter struct{}

// Segment returns the sentences of text.
func (RuleSegmenter) Segment(text string) []string {
	runes := []rune(text)
	var out []string
	start := 0
	emit := func(end int) {
		if s := strings.TrimSpace(string(runes[start:end])); s != "" {
			out = append(out, s)
		}
		start = end
	}
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			emit(i)
			continue
		}
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		j := i + 1
		for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?' || isCloser(runes[j])) {
			j++
		}
		if j == len(runes) || unicode.IsSpace(runes[j]) {
			emit(j)
		}
		i = j - 1
	}
	emit(len(runes))
	return out
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '}', '”', '’':
		return true
	}
	return false
}

// NewSegmenter returns the segmenter for name: "punkt" (default) or "rule".
func NewSegmenter(name string) (Segmenter, error) {
	switch name {
	case "rule":
		return RuleSegmenter{}, nil
	case "punkt", "":
		return NewPunktSegmenter()
	default:
		return nil, fmt.Errorf("unknown segmenter: %s (supported: punkt, rule)", name)
	}
}
