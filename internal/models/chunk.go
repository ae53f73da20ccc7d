package models

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// ErrInvalidSpan is returned when a chunk's character span is empty or negative.
var ErrInvalidSpan = errors.New("invalid chunk span")

// Chunk is a contiguous piece of one turn's text. StartChar and EndChar are rune
// offsets into the turn text. A chunk is created without an embedding; WithEmbedding
// returns a new value carrying one.
type Chunk struct {
	ID             string             `json:"chunk_id"`
	TurnID         string             `json:"turn_id"`
	Text           string             `json:"text"`
	StartChar      int                `json:"start_char"`
	EndChar        int                `json:"end_char"`
	TokenCount     int                `json:"token_count"`
	Embedding      []float32          `json:"-"`
	LexicalWeights map[string]float32 `json:"lexical_weights,omitempty"`
}

// NewChunk validates 0 <= start < end and returns a chunk with a fresh ID.
func NewChunk(turnID, text string, start, end, tokens int) (Chunk, error) {
	if start < 0 || end <= start {
		return Chunk{}, fmt.Errorf("%w: [%d, %d)", ErrInvalidSpan, start, end)
	}
	return Chunk{
		ID:         NewID(),
		TurnID:     turnID,
		Text:       text,
		StartChar:  start,
		EndChar:    end,
		TokenCount: tokens,
	}, nil
}

// HasEmbedding reports whether the chunk carries a vector.
func (c Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// WithEmbedding returns a copy of c holding copies of vec and weights.
func (c Chunk) WithEmbedding(vec []float32, weights map[string]float32) Chunk {
	c.Embedding = slices.Clone(vec)
	if weights != nil {
		c.LexicalWeights = maps.Clone(weights)
	} else {
		c.LexicalWeights = maps.Clone(c.LexicalWeights)
	}
	return c
}

// IndexedChunk is an embedded chunk together with the index label bound to it.
type IndexedChunk struct {
	Chunk Chunk
	Label uint64
}

// LabelBinding pairs a chunk ID with its index label. Dimensions is the length of
// the chunk's stored vector when read back from the store.
type LabelBinding struct {
	ChunkID    string
	Label      uint64
	Dimensions int
}

// StoredEmbedding is a persisted chunk vector. Labeled is false when the row has
// never been bound to an index label.
type StoredEmbedding struct {
	ChunkID   string
	Embedding []float32
	Label     uint64
	Labeled   bool
}
