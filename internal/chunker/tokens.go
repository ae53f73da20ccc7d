package chunker

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// DefaultEncoding is the BPE encoding used for token budgets.
const DefaultEncoding = "cl100k_base"

// TokenCounter counts tokens in a string. Implementations must be deterministic.
type TokenCounter interface {
	CountTokens(text string) int
}

// TiktokenCounter counts BPE tokens with a tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
	mu  sync.Mutex
}

// offlineRanks makes tiktoken read BPE ranks embedded in the binary instead of
// downloading them.
var offlineRanks sync.Once

// NewTiktokenCounter loads the named encoding (e.g. cl100k_base).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	offlineRanks.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TiktokenCounter{enc: enc}, nil
}

// CountTokens returns the number of BPE tokens in text.
func (c *TiktokenCounter) CountTokens(text string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.enc.Encode(text, nil, nil))
}

// WordCounter counts whitespace-delimited words. Useful offline and in tests.
type WordCounter struct{}

// CountTokens returns the number of words in text.
func (WordCounter) CountTokens(text string) int {
	return len(strings.Fields(text))
}

// NewTokenCounter returns the counter for name: "cl100k_base" (or another tiktoken
// encoding) or "words".
func NewTokenCounter(name string) (TokenCounter, error) {
	switch name {
	case "words":
		return WordCounter{}, nil
	default:
		return NewTiktokenCounter(name)
	}
}
