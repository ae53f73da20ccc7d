package embedding

import (
	"hash/fnv"
	"strings"
)

// Tokenizer produces fixed-length model inputs for transformer encoders.
type Tokenizer interface {
	Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64)
}

// SpecialTokens are the sequence delimiters of a model vocabulary.
type SpecialTokens struct {
	Start int64
	End   int64
	Pad   int64
}

var (
	// BERTTokens are the BERT vocabulary delimiters ([CLS], [SEP], [PAD]).
	BERTTokens = SpecialTokens{Start: 101, End: 102, Pad: 0}
	// XLMRTokens are the XLM-RoBERTa delimiters (<s>, </s>, <pad>) used by bge-m3.
	XLMRTokens = SpecialTokens{Start: 0, End: 2, Pad: 1}
)

// HashTokenizer splits on whitespace and hashes each lowercased word into the
// vocabulary range. It stands in for a model tokenizer when none is available.
type HashTokenizer struct {
	Special   SpecialTokens
	VocabSize int
}

// NewHashTokenizer returns a tokenizer for the given delimiters and vocabulary size.
func NewHashTokenizer(special SpecialTokens, vocabSize int) *HashTokenizer {
	if vocabSize <= 0 {
		vocabSize = 30000
	}
	return &HashTokenizer{Special: special, VocabSize: vocabSize}
}

// Tokenize produces padded token IDs up to maxTokens. The sequence always starts
// with Special.Start and ends with Special.End when there is room.
func (t *HashTokenizer) Tokenize(text string, maxTokens int) (inputIDs, attentionMask, tokenTypeIDs []int64) {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	inputIDs = make([]int64, maxTokens)
	attentionMask = make([]int64, maxTokens)
	tokenTypeIDs = make([]int64, maxTokens)
	for i := range inputIDs {
		inputIDs[i] = t.Special.Pad
	}

	inputIDs[0] = t.Special.Start
	attentionMask[0] = 1

	// reserved ids sit below 4
	span := t.VocabSize - 4
	if span <= 0 {
		span = 1
	}
	pos := 1
	for _, word := range strings.Fields(text) {
		if pos >= maxTokens-1 {
			break
		}
		inputIDs[pos] = int64(4 + HashString(strings.ToLower(word))%span)
		attentionMask[pos] = 1
		pos++
	}
	if pos < maxTokens {
		inputIDs[pos] = t.Special.End
		attentionMask[pos] = 1
	}
	return inputIDs, attentionMask, tokenTypeIDs
}

// HashString returns a deterministic non-negative hash of s.
func HashString(s string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() & 0x7fffffff)
}
