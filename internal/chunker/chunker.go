// Package chunker splits turn text into token-bounded chunks by segmenting it into
// sentences and greedily merging neighbours.
package chunker

import (
	"fmt"
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

const (
	DefaultMinTokens = 120
	DefaultMaxTokens = 250
)

// Chunker merges sentences into chunks whose token counts target [minTokens, maxTokens].
type Chunker struct {
	minTokens int
	maxTokens int
	counter   TokenCounter
	segmenter Segmenter
}

// Option configures a Chunker.
type Option func(*Chunker)

// WithTokenBounds sets the target chunk size in tokens.
func WithTokenBounds(minTokens, maxTokens int) Option {
	return func(c *Chunker) {
		c.minTokens = minTokens
		c.maxTokens = maxTokens
	}
}

// WithTokenCounter sets the token counter. Defaults to WordCounter.
func WithTokenCounter(tc TokenCounter) Option {
	return func(c *Chunker) { c.counter = tc }
}

// WithSegmenter sets the sentence segmenter. Defaults to RuleSegmenter.
func WithSegmenter(s Segmenter) Option {
	return func(c *Chunker) { c.segmenter = s }
}

// New creates a chunker. Bounds must satisfy 0 <= min <= max and max > 0.
func New(opts ...Option) (*Chunker, error) {
	c := &Chunker{
		minTokens: DefaultMinTokens,
		maxTokens: DefaultMaxTokens,
		counter:   WordCounter{},
		segmenter: RuleSegmenter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxTokens <= 0 || c.minTokens < 0 || c.minTokens > c.maxTokens {
		return nil, fmt.Errorf("invalid token bounds: min=%d max=%d", c.minTokens, c.maxTokens)
	}
	if c.counter == nil || c.segmenter == nil {
		return nil, fmt.Errorf("token counter and segmenter are required")
	}
	return c, nil
}

// MinTokens returns the lower bound used for merging a short trailing chunk.
func (c *Chunker) MinTokens() int { return c.minTokens }

// MaxTokens returns the per-chunk token budget.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Chunk splits one turn's text into chunks in source order. Empty or
// whitespace-only text yields no chunks.
func (c *Chunker) Chunk(turnID, text string) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	sentences := c.sentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}
	return c.merge(turnID, sentences, locate(text, sentences))
}

// sentences segments text, drops empty sentences, and subsplits any sentence over
// the token budget.
func (c *Chunker) sentences(text string) []string {
	var out []string
	for _, s := range c.segmenter.Segment(text) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if c.counter.CountTokens(s) > c.maxTokens {
			out = append(out, c.subsplit(s)...)
			continue
		}
		out = append(out, s)
	}
	return out
}

type pending struct {
	sentences []string
	tokens    int
	start     int
	end       int
}

func (p pending) text() string { return strings.Join(p.sentences, " ") }

func (c *Chunker) merge(turnID string, sentences []string, spans []span) ([]models.Chunk, error) {
	var closed []pending
	cur := pending{start: spans[0].start}
	for i, sent := range sentences {
		n := c.counter.CountTokens(sent)
		if cur.tokens+n > c.maxTokens && len(cur.sentences) > 0 {
			closed = append(closed, cur)
			cur = pending{start: spans[i].start}
		}
		cur.sentences = append(cur.sentences, sent)
		cur.tokens += n
		cur.end = spans[i].end
	}

	if last := len(closed) - 1; cur.tokens < c.minTokens && last >= 0 && closed[last].tokens+cur.tokens <= c.maxTokens {
		prev := &closed[last]
		prev.sentences = append(prev.sentences, cur.sentences...)
		prev.tokens += cur.tokens
		prev.end = cur.end
	} else {
		closed = append(closed, cur)
	}

	chunks := make([]models.Chunk, 0, len(closed))
	for _, p := range closed {
		chunk, err := models.NewChunk(turnID, p.text(), p.start, p.end, p.tokens)
		if err != nil {
			return nil, fmt.Errorf("failed to build chunk: %w", err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
