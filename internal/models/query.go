package models

import (
	"errors"
	"fmt"
)

// ErrInvalidQuery is returned (wrapped) when a search query fails validation.
var ErrInvalidQuery = errors.New("invalid query")

// SearchQuery represents a search request over remembered chunks.
type SearchQuery struct {
	Query           string  `json:"query"`
	Limit           int     `json:"limit,omitempty"`
	KeywordEnabled  bool    `json:"keyword_enabled,omitempty"`
	SemanticEnabled bool    `json:"semantic_enabled,omitempty"`
	MinScore        float64 `json:"min_score,omitempty"`
	Role            Role    `json:"role,omitempty"` // restrict hits to turns with this role
	EfSearch        int     `json:"ef_search,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
// Returns an error if the query is empty or the role is unknown; otherwise normalizes
// limit and enables at least one search type.
func (q *SearchQuery) Validate() error {
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrInvalidQuery)
	}
	if q.Role != "" && !q.Role.Valid() {
		return fmt.Errorf("%w: %w: %q", ErrInvalidQuery, ErrInvalidRole, q.Role)
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if !q.KeywordEnabled && !q.SemanticEnabled {
		q.KeywordEnabled = true
		q.SemanticEnabled = true
	}
	return nil
}
