package keyword

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/kioku/internal/models"
)

const docType = "chunk"

// document is the stored Bleve representation of a chunk.
type document struct {
	Text   string `json:"text"`
	TurnID string `json:"turn_id"`
	Role   string `json:"role"`
}

// BleveType tells Bleve which mapping applies.
func (document) BleveType() string { return docType }

// BleveIndex implements Index using Bleve. A path of "" keeps the index in memory.
type BleveIndex struct {
	path  string
	mu    sync.RWMutex
	index bleve.Index
}

func buildMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so queries match the exact word.
	textFieldMapping.Analyzer = standard.Name
	textFieldMapping.Store = false
	docMapping.AddFieldMappingsAt("text", textFieldMapping)

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("turn_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("role", keywordFieldMapping)

	im.AddDocumentMapping(docType, docMapping)
	im.DefaultType = docType
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path.
// If the path already exists, the existing index is opened and reused.
// If you change the index mapping in code, remove the index directory (or run rebuild) to re-index.
func NewBleveIndex(path string) (*BleveIndex, error) {
	index, err := openOrCreate(path)
	if err != nil {
		return nil, err
	}
	return &BleveIndex{path: path, index: index}, nil
}

func openOrCreate(path string) (bleve.Index, error) {
	if path == "" {
		index, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return index, nil
	}
	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return index, nil
	}
	index, err := bleve.New(path, buildMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return index, nil
}

// IndexChunks indexes entries in one batch. Re-indexing a chunk ID replaces it.
func (b *BleveIndex) IndexChunks(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	batch := b.index.NewBatch()
	for _, e := range entries {
		doc := document{Text: e.Chunk.Text, TurnID: e.Chunk.TurnID, Role: string(e.Role)}
		if err := batch.Index(e.Chunk.ID, doc); err != nil {
			return fmt.Errorf("failed to batch chunk %s: %w", e.Chunk.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index chunks: %w", err)
	}
	return nil
}

// Search returns up to limit chunk hits for query, best first.
// Multi-term queries are scored with a squared term coverage multiplier so chunks
// matching every term outrank partial matches; PhraseBoost > 1 further boosts
// chunks where the terms appear as a phrase.
func (b *BleveIndex) Search(ctx context.Context, query string, limit int, opts *SearchOptions) ([]*Result, error) {
	if opts == nil {
		opts = &SearchOptions{}
	}
	fuzziness := 2
	if opts.Fuzziness > 0 {
		fuzziness = opts.Fuzziness
	}
	terms := tokenizeQuery(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	reqSize := limit * 2
	if reqSize < 50 {
		reqSize = 50
	}

	var q blevequery.Query
	if opts.FuzzyEnabled {
		q = buildFuzzyQuery(terms, fuzziness)
	} else {
		mq := bleve.NewMatchQuery(query)
		mq.SetField("text")
		q = mq
	}
	base, err := b.run(ctx, withRole(q, opts.Role), reqSize)
	if err != nil {
		return nil, err
	}

	scores := make(map[string]float64, len(base))
	for id, s := range base {
		scores[id] = s
	}

	if len(terms) > 1 {
		coverage := b.termCoverage(ctx, terms, reqSize, opts, fuzziness)
		for id := range scores {
			matched := coverage[id]
			if matched == 0 {
				matched = 1
			}
			c := float64(matched) / float64(len(terms))
			scores[id] *= c * c
		}
		if opts.PhraseBoost > 1 {
			pq := bleve.NewMatchPhraseQuery(query)
			pq.SetField("text")
			if phrase, err := b.run(ctx, withRole(pq, opts.Role), reqSize); err == nil {
				for id := range phrase {
					if _, ok := scores[id]; ok {
						scores[id] *= opts.PhraseBoost
					}
				}
			}
		}
	}

	out := make([]*Result, 0, len(scores))
	for id, s := range scores {
		out = append(out, &Result{ChunkID: id, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (b *BleveIndex) run(ctx context.Context, q blevequery.Query, size int) (map[string]float64, error) {
	req := bleve.NewSearchRequest(q)
	req.Size = size
	results, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	hits := make(map[string]float64, len(results.Hits))
	for _, hit := range results.Hits {
		hits[hit.ID] = hit.Score
	}
	return hits, nil
}

// termCoverage counts how many query terms each chunk matches.
func (b *BleveIndex) termCoverage(ctx context.Context, terms []string, size int, opts *SearchOptions, fuzziness int) map[string]int {
	coverage := make(map[string]int)
	for _, term := range terms {
		var q blevequery.Query
		if opts.FuzzyEnabled {
			fq := bleve.NewFuzzyQuery(term)
			fq.SetFuzziness(fuzziness)
			fq.SetField("text")
			q = fq
		} else {
			mq := bleve.NewMatchQuery(term)
			mq.SetField("text")
			q = mq
		}
		hits, err := b.run(ctx, withRole(q, opts.Role), size)
		if err != nil {
			continue
		}
		for id := range hits {
			coverage[id]++
		}
	}
	return coverage
}

func withRole(q blevequery.Query, role models.Role) blevequery.Query {
	if role == "" {
		return q
	}
	rq := bleve.NewTermQuery(string(role))
	rq.SetField("role")
	return bleve.NewConjunctionQuery(q, rq)
}

// tokenizeQuery splits query into lowercase terms.
func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

// buildFuzzyQuery ORs one FuzzyQuery per term over the text field.
func buildFuzzyQuery(terms []string, fuzziness int) blevequery.Query {
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(fuzziness)
		fq.SetField("text")
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// Delete removes a chunk from the index.
func (b *BleveIndex) Delete(ctx context.Context, chunkID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.Delete(chunkID)
}

// Reset closes the index, removes its files and creates an empty one at the same path.
func (b *BleveIndex) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.index.Close(); err != nil {
		return fmt.Errorf("failed to close Bleve index: %w", err)
	}
	if b.path != "" {
		if err := os.RemoveAll(b.path); err != nil {
			return fmt.Errorf("failed to remove Bleve index: %w", err)
		}
	}
	index, err := openOrCreate(b.path)
	if err != nil {
		return err
	}
	b.index = index
	return nil
}

// Close closes the Bleve index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.index.Close()
}

// DocCount returns the total number of chunks in the index.
func (b *BleveIndex) DocCount() (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.index.DocCount()
}
