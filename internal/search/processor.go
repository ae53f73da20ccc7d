package search

import (
	"strings"

	"github.com/hyperjump/kioku/internal/models"
)

// ProcessQuery trims the query text, applies configured limit defaults and
// validates the query.
func ProcessQuery(query *models.SearchQuery, cfg Settings) error {
	query.Query = strings.TrimSpace(query.Query)
	if query.Limit <= 0 && cfg.DefaultLimit > 0 {
		query.Limit = cfg.DefaultLimit
	}
	if cfg.MaxLimit > 0 && query.Limit > cfg.MaxLimit {
		query.Limit = cfg.MaxLimit
	}
	return query.Validate()
}
