// Package keyword provides a lexical (BM25) index over chunk text. It is a derived
// cache: every entry can be rebuilt from the record store.
package keyword

import (
	"context"

	"github.com/hyperjump/kioku/internal/models"
)

// SearchOptions optional parameters for keyword search. Nil means use defaults.
type SearchOptions struct {
	// Role restricts hits to chunks of turns with this role. Empty means any role.
	Role models.Role
	// PhraseBoost multiplies the score when query terms appear close together (phrase match).
	// Values > 1 boost chunks with adjacent query terms (e.g. 1.5). Use 1.0 for no boost.
	PhraseBoost float64
	// FuzzyEnabled enables fuzzy matching for typo tolerance.
	FuzzyEnabled bool
	// Fuzziness is the maximum Levenshtein edit distance for fuzzy matching (1 or 2).
	// Default is 2 when FuzzyEnabled is true.
	Fuzziness int
}

// Index defines keyword index operations keyed by chunk ID.
type Index interface {
	IndexChunks(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error)
	Delete(ctx context.Context, chunkID string) error
	// Reset drops every entry.
	Reset(ctx context.Context) error
	DocCount() (uint64, error)
	Close() error
}

// Entry is a chunk together with the role of its turn.
type Entry struct {
	Chunk models.Chunk
	Role  models.Role
}

// Result is a single keyword search hit.
type Result struct {
	ChunkID string
	Score   float64
}
