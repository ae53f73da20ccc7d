// Package search provides hybrid search (keyword + semantic) over remembered chunks.
package search

import (
	"sort"

	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
)

// FusedResult holds a chunk ID and fused keyword/semantic scores.
type FusedResult struct {
	ChunkID       string
	Score         float64
	KeywordScore  float64
	SemanticScore float64
}

// NormalizeKeywordScores normalizes keyword scores to [0,1] by max.
func NormalizeKeywordScores(results []*keyword.Result) map[string]float64 {
	normalized := make(map[string]float64, len(results))
	if len(results) == 0 {
		return normalized
	}
	maxScore := results[0].Score
	for _, r := range results {
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	for _, r := range results {
		if maxScore > 0 {
			normalized[r.ChunkID] = r.Score / maxScore
		} else {
			normalized[r.ChunkID] = 0
		}
	}
	return normalized
}

// SemanticScores maps chunk ID to similarity score. Cosine similarity can be
// negative; those scores are floored at 0 so both inputs to Fuse share [0,1].
func SemanticScores(results []models.RetrievalResult) map[string]float64 {
	scores := make(map[string]float64, len(results))
	for _, r := range results {
		s := r.Score
		if s < 0 {
			s = 0
		}
		if s > 1 {
			s = 1
		}
		scores[r.Chunk.ID] = s
	}
	return scores
}

// Fuse merges keyword and semantic score maps with weights and returns results
// sorted by fused score, ties broken by chunk ID.
func Fuse(keywordScores, semanticScores map[string]float64, keywordWeight, semanticWeight float64) []*FusedResult {
	scoreMap := make(map[string]*FusedResult, len(keywordScores)+len(semanticScores))
	for id, score := range keywordScores {
		scoreMap[id] = &FusedResult{ChunkID: id, KeywordScore: score}
	}
	for id, score := range semanticScores {
		if result, exists := scoreMap[id]; exists {
			result.SemanticScore = score
		} else {
			scoreMap[id] = &FusedResult{ChunkID: id, SemanticScore: score}
		}
	}
	results := make([]*FusedResult, 0, len(scoreMap))
	for _, result := range scoreMap {
		result.Score = (keywordWeight * result.KeywordScore) + (semanticWeight * result.SemanticScore)
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}

// Weights returns the fusion weights for the enabled passes. A single enabled pass
// gets weight 1; with both enabled the configured weights are scaled to sum to 1.
func Weights(keywordEnabled, semanticEnabled bool, keywordWeight, semanticWeight float64) (kw, sem float64) {
	switch {
	case keywordEnabled && !semanticEnabled:
		return 1, 0
	case semanticEnabled && !keywordEnabled:
		return 0, 1
	case !keywordEnabled && !semanticEnabled:
		return 0, 0
	}
	sum := keywordWeight + semanticWeight
	if sum <= 0 {
		return 0.5, 0.5
	}
	return keywordWeight / sum, semanticWeight / sum
}
