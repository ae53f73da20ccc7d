package chunker

import "strings"

// splitStrategy breaks an oversized sentence into fragments. ok is false when the
// strategy does not apply or its fragments do not all fit the budget.
type splitStrategy func(sentence string) (parts []string, ok bool)

// strategies returns the ordered fallbacks for oversized sentences: clause splits on
// "; " then ", ", then a word split that always succeeds.
func (c *Chunker) strategies() []splitStrategy {
	return []splitStrategy{
		c.delimiterSplit("; "),
		c.delimiterSplit(", "),
		func(s string) ([]string, bool) { return c.wordSplit(s), true },
	}
}

func (c *Chunker) subsplit(sentence string) []string {
	for _, split := range c.strategies() {
		if parts, ok := split(sentence); ok {
			return parts
		}
	}
	return []string{sentence}
}

// delimiterSplit splits on delim and re-attaches its trimmed form (";" or ",") to
// every fragment but the last.
func (c *Chunker) delimiterSplit(delim string) splitStrategy {
	mark := strings.TrimRight(delim, " ")
	return func(s string) ([]string, bool) {
		pieces := strings.Split(s, delim)
		if len(pieces) < 2 {
			return nil, false
		}
		parts := make([]string, 0, len(pieces))
		for i, p := range pieces {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}
			if i < len(pieces)-1 {
				p += mark
			}
			parts = append(parts, p)
		}
		for _, p := range parts {
			if c.counter.CountTokens(p) > c.maxTokens {
				return nil, false
			}
		}
		return parts, len(parts) > 0
	}
}

// wordSplit packs whole words until the next one would push the fragment over
// maxTokens. A single word larger than the budget becomes its own fragment.
func (c *Chunker) wordSplit(s string) []string {
	var parts, current []string
	tokens := 0
	for _, w := range strings.Fields(s) {
		n := c.counter.CountTokens(w)
		if tokens+n > c.maxTokens && len(current) > 0 {
			parts = append(parts, strings.Join(current, " "))
			current = current[:0]
			tokens = 0
		}
		current = append(current, w)
		tokens += n
	}
	if len(current) > 0 {
		parts = append(parts, strings.Join(current, " "))
	}
	return parts
}
