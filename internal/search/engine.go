package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/retrieval"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

// Records is the subset of the store the engine hydrates keyword hits from.
type Records interface {
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
}

// Settings tune the engine.
type Settings struct {
	TopKCandidates int
	KeywordWeight  float64
	SemanticWeight float64
	DefaultLimit   int
	MaxLimit       int
	EfSearch       int
	PhraseBoost    float64
	Fuzzy          bool
	SnippetLength  int
}

// DefaultSettings matches the config defaults.
func DefaultSettings() Settings {
	return Settings{
		TopKCandidates: 50,
		KeywordWeight:  0.3,
		SemanticWeight: 0.7,
		DefaultLimit:   10,
		MaxLimit:       100,
		PhraseBoost:    1.5,
		SnippetLength:  240,
	}
}

// Engine runs hybrid (keyword + semantic) search.
type Engine struct {
	records   Records
	embedder  embedding.Embedder
	retriever *retrieval.Retriever
	keywords  keyword.Index
	cfg       Settings
	logger    *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for search events.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a search engine. keywords may be nil, in which case only the
// semantic pass runs.
func NewEngine(
	records Records,
	embedder embedding.Embedder,
	retriever *retrieval.Retriever,
	keywords keyword.Index,
	cfg Settings,
	opts ...EngineOption,
) *Engine {
	if cfg.TopKCandidates <= 0 {
		cfg.TopKCandidates = DefaultSettings().TopKCandidates
	}
	e := &Engine{
		records:   records,
		embedder:  embedder,
		retriever: retriever,
		keywords:  keywords,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

// Search runs the enabled passes concurrently, fuses their scores per chunk and
// returns hydrated results best first.
func (e *Engine) Search(ctx context.Context, query *models.SearchQuery) (*models.SearchResponse, error) {
	startTime := time.Now()
	if err := ProcessQuery(query, e.cfg); err != nil {
		return nil, err
	}
	if e.keywords == nil {
		query.KeywordEnabled = false
		if !query.SemanticEnabled {
			return nil, errors.New("keyword search is not available")
		}
	}

	topK := max(e.cfg.TopKCandidates, query.Limit)
	ef := query.EfSearch
	if ef <= 0 {
		ef = e.cfg.EfSearch
	}

	var (
		keywordResults  []*keyword.Result
		semanticResults []models.RetrievalResult
		errChan         = make(chan error, 2)
		wg              sync.WaitGroup
	)

	if query.KeywordEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results, err := e.keywords.Search(ctx, query.Query, topK, &keyword.SearchOptions{
				Role:         query.Role,
				PhraseBoost:  e.cfg.PhraseBoost,
				FuzzyEnabled: e.cfg.Fuzzy,
			})
			if err != nil {
				errChan <- fmt.Errorf("keyword search failed: %w", err)
				return
			}
			keywordResults = results
		}()
	}

	if query.SemanticEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			queryEmbedding, err := e.embedder.Embed(ctx, query.Query)
			if err != nil {
				errChan <- fmt.Errorf("embedding failed: %w", err)
				return
			}
			results, err := e.retriever.Query(ctx, queryEmbedding, topK, ef)
			if err != nil {
				errChan <- fmt.Errorf("vector search failed: %w", err)
				return
			}
			semanticResults = filterRole(results, query.Role)
		}()
	}

	wg.Wait()
	close(errChan)
	for err := range errChan {
		if err != nil {
			return nil, err
		}
	}

	kwWeight, semWeight := Weights(query.KeywordEnabled, query.SemanticEnabled, e.cfg.KeywordWeight, e.cfg.SemanticWeight)
	fused := Fuse(NormalizeKeywordScores(keywordResults), SemanticScores(semanticResults), kwWeight, semWeight)

	if query.MinScore > 0 {
		filtered := fused[:0]
		for _, r := range fused {
			if r.Score >= query.MinScore {
				filtered = append(filtered, r)
			}
		}
		fused = filtered
	}

	hydrated := make(map[string]models.RetrievalResult, len(semanticResults))
	for _, r := range semanticResults {
		hydrated[r.Chunk.ID] = r
	}
	turns := make(map[string]*models.Turn)

	response := &models.SearchResponse{
		Results: make([]*models.SearchResult, 0, min(query.Limit, len(fused))),
		Query:   query.Query,
	}
	for _, f := range fused {
		if len(response.Results) == query.Limit {
			break
		}
		chunk, turn, ok := e.hydrate(ctx, f.ChunkID, hydrated, turns)
		if !ok {
			continue
		}
		response.Results = append(response.Results, &models.SearchResult{
			Chunk:         chunk,
			Turn:          turn,
			Score:         f.Score,
			KeywordScore:  f.KeywordScore,
			SemanticScore: f.SemanticScore,
			Rank:          len(response.Results) + 1,
			Snippet:       Highlight(chunk.Text, query.Query, e.cfg.SnippetLength),
		})
	}
	response.Total = len(fused)
	response.QueryTime = time.Since(startTime).Milliseconds()

	e.logger.Debug("search completed",
		zap.String("query", utils.Truncate(query.Query, 80)),
		zap.Int("keyword_hits", len(keywordResults)),
		zap.Int("semantic_hits", len(semanticResults)),
		zap.Int("results", len(response.Results)),
		zap.Int64("query_time_ms", response.QueryTime))
	return response, nil
}

// hydrate resolves a fused chunk ID to its chunk and turn. Keyword-only hits are read
// from the store; ones that no longer resolve are skipped.
func (e *Engine) hydrate(ctx context.Context, chunkID string, semantic map[string]models.RetrievalResult, turns map[string]*models.Turn) (models.Chunk, *models.Turn, bool) {
	if r, ok := semantic[chunkID]; ok && r.Turn != nil {
		return r.Chunk, r.Turn, true
	}
	chunk, err := e.records.GetChunk(ctx, chunkID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("search failed to load chunk", zap.String("chunk_id", chunkID), zap.Error(err))
		}
		return models.Chunk{}, nil, false
	}
	turn, ok := turns[chunk.TurnID]
	if !ok {
		turn, err = e.records.GetTurn(ctx, chunk.TurnID)
		if err != nil {
			turn = nil
		}
		turns[chunk.TurnID] = turn
	}
	return *chunk, turn, true
}

func filterRole(results []models.RetrievalResult, role models.Role) []models.RetrievalResult {
	if role == "" {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Turn != nil && r.Turn.Role == role {
			out = append(out, r)
		}
	}
	return out
}
