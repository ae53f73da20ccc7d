// Package indexer ingests conversation turns into the record store, the vector
// index and the keyword index.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/chunker"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/fileid"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/loader"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/retrieval"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/pkg/utils"
)

// ErrEmptyText is returned when a turn has no text after preprocessing.
var ErrEmptyText = errors.New("turn text is empty")

// Indexer turns raw turns into stored, chunked, embedded and indexed records.
// Ingestion is serialized; reads go directly to the store and retriever.
type Indexer struct {
	store      storage.Storage
	chunker    *chunker.Chunker
	embedder   embedding.Embedder
	retriever  *retrieval.Retriever
	keywords   keyword.Index
	extensions []string
	logger     *zap.Logger
	mu         sync.Mutex
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for ingest events.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithExtensions limits file ingestion to the given extensions (with or without the dot).
func WithExtensions(exts []string) IndexerOption {
	return func(idx *Indexer) {
		if len(exts) > 0 {
			idx.extensions = exts
		}
	}
}

// NewIndexer creates an indexer. keywords may be nil to disable lexical indexing.
func NewIndexer(
	store storage.Storage,
	ch *chunker.Chunker,
	embedder embedding.Embedder,
	retriever *retrieval.Retriever,
	keywords keyword.Index,
	opts ...IndexerOption,
) *Indexer {
	idx := &Indexer{
		store:      store,
		chunker:    ch,
		embedder:   embedder,
		retriever:  retriever,
		keywords:   keywords,
		extensions: loader.Extensions,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.OrNop(idx.logger)
	return idx
}

// IngestResult is a stored turn and the chunks produced from it.
type IngestResult struct {
	Turn   models.Turn    `json:"turn"`
	Chunks []models.Chunk `json:"chunks"`
}

// IngestTurn stores a new turn, chunks and embeds its text, and indexes the chunks.
// The turn and its chunks are stored together; nothing is written when any step
// before the vector insert fails.
func (idx *Indexer) IngestTurn(ctx context.Context, role models.Role, text string) (*IngestResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.ingestTurn(ctx, role, text)
}

func (idx *Indexer) ingestTurn(ctx context.Context, role models.Role, text string) (*IngestResult, error) {
	text = Preprocess(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	turn, err := models.NewTurn(role, text)
	if err != nil {
		return nil, err
	}
	chunks, err := idx.chunker.Chunk(turn.ID, turn.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to chunk turn: %w", err)
	}
	embedded, err := embedding.EmbedChunks(ctx, idx.embedder, chunks)
	if err != nil {
		return nil, err
	}
	added, err := idx.retriever.AddTurn(ctx, turn, embedded)
	if err != nil {
		return nil, fmt.Errorf("failed to store turn: %w", err)
	}
	idx.indexKeywords(ctx, embedded, role)

	idx.logger.Debug("indexer ingested turn",
		zap.String("turn_id", turn.ID),
		zap.String("role", string(role)),
		zap.Int("chunks", len(embedded)),
		zap.Int("added", added))
	return &IngestResult{Turn: turn, Chunks: embedded}, nil
}

// indexKeywords adds chunks to the keyword index. Failures are logged: the keyword
// index is rebuilt from the store by RebuildAll.
func (idx *Indexer) indexKeywords(ctx context.Context, chunks []models.Chunk, role models.Role) {
	if idx.keywords == nil || len(chunks) == 0 {
		return
	}
	entries := make([]keyword.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = keyword.Entry{Chunk: c, Role: role}
	}
	if err := idx.keywords.IndexChunks(ctx, entries); err != nil {
		idx.logger.Warn("indexer keyword indexing failed", zap.Error(err), zap.Int("count", len(chunks)))
	}
}

// sourceState is the per-file record kept in the store's meta table.
type sourceState struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint"`
	Messages    int    `json:"messages"`
}

// IngestFile parses a conversation export and ingests its turns. A file already
// ingested with the same modification time and size is skipped. When a known file
// has grown, only the messages past the previously ingested count are added.
// Returns the number of turns ingested.
func (idx *Indexer) IngestFile(ctx context.Context, path string) (int, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return 0, fmt.Errorf("absolute path: %w", err)
	}
	if !extensionAllowed(filepath.Ext(absPath), idx.extensions) {
		return 0, fmt.Errorf("extension %q not in allowed list", filepath.Ext(absPath))
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return 0, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("not a regular file: %s", absPath)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	key := fileid.SourceKey(absPath)
	fingerprint := fileid.Fingerprint(info.ModTime().UnixNano(), info.Size())
	prev, err := idx.sourceState(ctx, key)
	if err != nil {
		return 0, err
	}
	if prev.Fingerprint == fingerprint {
		idx.logger.Debug("indexer skipping unchanged file", zap.String("path", absPath))
		return 0, nil
	}

	msgs, err := loader.LoadFile(absPath)
	if err != nil {
		return 0, err
	}
	start := prev.Messages
	if start > len(msgs) {
		idx.logger.Warn("indexer file has fewer messages than already ingested; skipping",
			zap.String("path", absPath), zap.Int("messages", len(msgs)), zap.Int("ingested", start))
		start = len(msgs)
	}

	n := 0
	for i, m := range msgs[start:] {
		if _, err := idx.ingestTurn(ctx, m.Role, m.Text); err != nil {
			if errors.Is(err, ErrEmptyText) {
				continue
			}
			// a failed turn is never stored, so message i is where a retry resumes
			_ = idx.setSourceState(ctx, key, sourceState{Path: absPath, Messages: start + i})
			return n, fmt.Errorf("failed to ingest %s: %w", absPath, err)
		}
		n++
	}
	state := sourceState{Path: absPath, Fingerprint: fingerprint, Messages: max(len(msgs), prev.Messages)}
	if err := idx.setSourceState(ctx, key, state); err != nil {
		return n, err
	}
	idx.logger.Info("indexer file ingested", zap.String("path", absPath), zap.Int("turns", n))
	return n, nil
}

func (idx *Indexer) sourceState(ctx context.Context, key string) (sourceState, error) {
	var st sourceState
	raw, ok, err := idx.store.GetMeta(ctx, key)
	if err != nil {
		return st, fmt.Errorf("failed to read source state: %w", err)
	}
	if !ok {
		return st, nil
	}
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		idx.logger.Warn("indexer unreadable source state; re-ingesting", zap.String("key", key), zap.Error(err))
		return sourceState{}, nil
	}
	return st, nil
}

func (idx *Indexer) setSourceState(ctx context.Context, key string, st sourceState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := idx.store.SetMeta(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("failed to write source state: %w", err)
	}
	return nil
}

// DirectoryStats summarizes an IngestDirectory run.
type DirectoryStats struct {
	Files int `json:"files"`
	Turns int `json:"turns"`
}

// IngestDirectory ingests every supported file in dir, descending into
// subdirectories when recursive is set. Files are visited in lexical order.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir string, recursive bool) (DirectoryStats, error) {
	var stats DirectoryStats
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return stats, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return stats, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return stats, fmt.Errorf("not a directory: %s", absDir)
	}
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !extensionAllowed(filepath.Ext(path), idx.extensions) {
			return nil
		}
		// Resolve symlinks so we only ingest regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		n, ingestErr := idx.IngestFile(ctx, path)
		if ingestErr != nil {
			return ingestErr
		}
		stats.Files++
		stats.Turns += n
		return nil
	})
	return stats, err
}

// RebuildAll rebuilds the vector index and the keyword index from the store.
func (idx *Indexer) RebuildAll(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if err := idx.retriever.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to rebuild vector index: %w", err)
	}
	return idx.rebuildKeywords(ctx)
}

// SyncKeywords rebuilds the keyword index when its document count disagrees with the
// number of stored chunks, e.g. after the index directory was removed.
func (idx *Indexer) SyncKeywords(ctx context.Context) error {
	if idx.keywords == nil {
		return nil
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	have, err := idx.keywords.DocCount()
	if err != nil {
		return fmt.Errorf("failed to count keyword documents: %w", err)
	}
	want, err := idx.store.CountChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	if int64(have) == want {
		return nil
	}
	idx.logger.Info("indexer keyword index out of sync; rebuilding",
		zap.Uint64("indexed", have), zap.Int64("chunks", want))
	return idx.rebuildKeywords(ctx)
}

func (idx *Indexer) rebuildKeywords(ctx context.Context) error {
	if idx.keywords == nil {
		return nil
	}
	turns, err := idx.store.ListTurns(ctx)
	if err != nil {
		return fmt.Errorf("failed to list turns: %w", err)
	}
	roles := make(map[string]models.Role, len(turns))
	for _, t := range turns {
		roles[t.ID] = t.Role
	}
	chunks, err := idx.store.ListChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chunks: %w", err)
	}
	if err := idx.keywords.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset keyword index: %w", err)
	}

	const batchSize = 500
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		entries := make([]keyword.Entry, 0, end-start)
		for _, c := range chunks[start:end] {
			entries = append(entries, keyword.Entry{Chunk: c, Role: roles[c.TurnID]})
		}
		if err := idx.keywords.IndexChunks(ctx, entries); err != nil {
			return fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	idx.logger.Info("indexer keyword index rebuilt", zap.Int("count", len(chunks)))
	return nil
}

// Save checkpoints the vector index so the next start skips the rebuild.
func (idx *Indexer) Save() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.retriever.Save()
}

// Status counts stored records and indexed vectors.
func (idx *Indexer) Status(ctx context.Context) (models.Status, error) {
	turns, err := idx.store.CountTurns(ctx)
	if err != nil {
		return models.Status{}, fmt.Errorf("failed to count turns: %w", err)
	}
	chunks, err := idx.store.CountChunks(ctx)
	if err != nil {
		return models.Status{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	st := models.Status{
		Turns:          int(turns),
		Chunks:         int(chunks),
		IndexedVectors: idx.retriever.Len(),
		IndexCapacity:  idx.retriever.Capacity(),
		Dimensions:     idx.retriever.Dimensions(),
	}
	if idx.keywords != nil {
		n, err := idx.keywords.DocCount()
		if err != nil {
			return models.Status{}, fmt.Errorf("failed to count keyword documents: %w", err)
		}
		st.KeywordDocs = n
	}
	return st, nil
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
