// Package retrieval binds chunks to vector index labels and answers similarity
// queries. The record store is the source of truth; the vector index and the label
// directory are derived state that can always be rebuilt from it.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

// RecordStore is the subset of storage the retriever reads and writes.
type RecordStore interface {
	SaveIndexedChunks(ctx context.Context, chunks []models.IndexedChunk) error
	AppendTurnWithChunks(ctx context.Context, turn models.Turn, chunks []models.IndexedChunk) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	LabelBindings(ctx context.Context) ([]models.LabelBinding, error)
	EmbeddedChunks(ctx context.Context) ([]models.StoredEmbedding, error)
	AssignLabels(ctx context.Context, bindings []models.LabelBinding) error
}

// Retriever owns a vector index and its label directory. Add, Rebuild, Save and Open
// are exclusive; Query may run concurrently with other queries.
type Retriever struct {
	store           RecordStore
	index           vector.Index
	dir             *Directory
	indexPath       string
	initialCapacity int
	efSearch        int
	logger          *zap.Logger
	mu              sync.RWMutex
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithIndexPath sets where Save writes and Open reads the index snapshot.
// Without a path the index lives only in memory and Open rebuilds it from the store.
func WithIndexPath(path string) Option {
	return func(r *Retriever) { r.indexPath = path }
}

// WithInitialCapacity sets the minimum capacity used when the index is rebuilt.
// Defaults to the capacity of the index passed to New.
func WithInitialCapacity(n int) Option {
	return func(r *Retriever) { r.initialCapacity = n }
}

// WithSearchBreadth sets the default ef used by Query when the caller passes none.
func WithSearchBreadth(ef int) Option {
	return func(r *Retriever) { r.efSearch = ef }
}

// New creates a retriever over store and index. Call Open before use to restore
// state persisted by a previous process.
func New(store RecordStore, index vector.Index, opts ...Option) *Retriever {
	r := &Retriever{
		store:           store,
		index:           index,
		dir:             NewDirectory(),
		initialCapacity: index.Capacity(),
		efSearch:        vector.DefaultEfSearch,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.OrNop(r.logger)
	return r
}

// Open loads the index snapshot and restores the directory from the store's labels.
// When the snapshot is missing, unreadable, or disagrees with the store, the index
// is rebuilt from the store instead.
func (r *Retriever) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.store.LabelBindings(ctx)
	if err != nil {
		return fmt.Errorf("failed to read label bindings: %w", err)
	}
	bindings, reserved := r.splitBindings(all)

	if r.indexPath != "" {
		err := r.index.Load(r.indexPath)
		switch {
		case err == nil && r.consistent(bindings):
			if err := r.dir.Restore(bindings); err != nil {
				return err
			}
			for _, b := range reserved {
				r.dir.Reserve(b.ChunkID, b.Label)
			}
			r.logger.Info("vector index loaded",
				zap.String("path", r.indexPath),
				zap.Int("count", r.index.Len()),
				zap.Uint64("next_label", r.dir.Next()))
			return nil
		case err == nil:
			r.logger.Warn("vector index snapshot disagrees with store; rebuilding",
				zap.Int("index_count", r.index.Len()),
				zap.Int("labeled_chunks", len(bindings)))
		case errors.Is(err, os.ErrNotExist):
			r.logger.Debug("no vector index snapshot", zap.String("path", r.indexPath))
		default:
			r.logger.Warn("vector index snapshot unreadable; rebuilding", zap.Error(err))
		}
	}
	return r.rebuildLocked(ctx)
}

// splitBindings separates bindings whose stored vector fits the index from those
// that never enter it. The latter still hold their labels in the store.
func (r *Retriever) splitBindings(all []models.LabelBinding) (indexable, reserved []models.LabelBinding) {
	indexable = make([]models.LabelBinding, 0, len(all))
	for _, b := range all {
		if b.Dimensions == r.index.Dimensions() {
			indexable = append(indexable, b)
		} else {
			reserved = append(reserved, b)
		}
	}
	return indexable, reserved
}

// consistent reports whether the loaded index holds exactly the labels in bindings.
func (r *Retriever) consistent(bindings []models.LabelBinding) bool {
	if r.index.Len() != len(bindings) {
		return false
	}
	for _, b := range bindings {
		if !r.index.Contains(b.Label) {
			return false
		}
	}
	return true
}

// Add indexes the embedded chunks that are not already bound and returns how many
// were added. Chunks without an embedding are skipped. New chunks are written to the
// store in one transaction before the directory and index change, so a store error
// leaves both untouched.
func (r *Retriever) Add(ctx context.Context, chunks []models.Chunk) (int, error) {
	return r.add(ctx, chunks, false, r.store.SaveIndexedChunks)
}

// AddTurn is Add for the chunks of a new turn. The turn and its chunks are written
// to the store in one transaction, so a failure leaves neither behind. The turn is
// stored even when none of its chunks need indexing.
func (r *Retriever) AddTurn(ctx context.Context, turn models.Turn, chunks []models.Chunk) (int, error) {
	return r.add(ctx, chunks, true, func(ctx context.Context, indexed []models.IndexedChunk) error {
		return r.store.AppendTurnWithChunks(ctx, turn, indexed)
	})
}

func (r *Retriever) add(
	ctx context.Context,
	chunks []models.Chunk,
	persistEmpty bool,
	persist func(context.Context, []models.IndexedChunk) error,
) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make([]models.Chunk, 0, len(chunks))
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if !c.HasEmbedding() {
			continue
		}
		if _, ok := r.dir.Lookup(c.ID); ok {
			continue
		}
		if _, ok := seen[c.ID]; ok {
			continue
		}
		if len(c.Embedding) != r.index.Dimensions() {
			return 0, fmt.Errorf("chunk %s: %w: got %d, expected %d",
				c.ID, vector.ErrDimensionMismatch, len(c.Embedding), r.index.Dimensions())
		}
		seen[c.ID] = struct{}{}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		if persistEmpty {
			if err := persist(ctx, nil); err != nil {
				return 0, fmt.Errorf("failed to persist chunks: %w", err)
			}
		}
		return 0, nil
	}

	if err := r.ensureCapacity(len(fresh)); err != nil {
		return 0, err
	}

	// A chunk already holding a reserved label in the store keeps it; the store
	// replaces that row's vector.
	next := r.dir.Next()
	indexed := make([]models.IndexedChunk, len(fresh))
	labels := make([]uint64, len(fresh))
	vectors := make([][]float32, len(fresh))
	for i, c := range fresh {
		if l, ok := r.dir.Reserved(c.ID); ok {
			labels[i] = l
		} else {
			labels[i] = next
			next++
		}
		vectors[i] = c.Embedding
		indexed[i] = models.IndexedChunk{Chunk: c, Label: labels[i]}
	}

	if err := persist(ctx, indexed); err != nil {
		return 0, fmt.Errorf("failed to persist chunks: %w", err)
	}
	for i, c := range fresh {
		if err := r.dir.Bind(c.ID, labels[i]); err != nil {
			return 0, err
		}
	}
	if err := r.index.Add(context.WithoutCancel(ctx), labels, vectors); err != nil {
		return 0, fmt.Errorf("chunks persisted but index insert failed (rebuild required): %w", err)
	}

	r.logger.Debug("chunks indexed",
		zap.Int("count", len(fresh)),
		zap.Uint64("next_label", r.dir.Next()),
		zap.Int("index_size", r.index.Len()))
	return len(fresh), nil
}

// ensureCapacity grows the index so n more elements fit: at least double, or the
// exact need when that is larger.
func (r *Retriever) ensureCapacity(n int) error {
	needed := r.index.Len() + n
	capacity := r.index.Capacity()
	if needed <= capacity {
		return nil
	}
	grown := max(2*capacity, needed)
	if err := r.index.Resize(grown); err != nil {
		return fmt.Errorf("failed to resize index: %w", err)
	}
	r.logger.Info("vector index resized", zap.Int("from", capacity), zap.Int("to", grown))
	return nil
}

// Query returns up to k chunks nearest to vec, best first. k is clamped to the index
// size and ef (0 selects the default breadth) is raised to k. Labels with no
// directory entry or no stored chunk are skipped.
func (r *Retriever) Query(ctx context.Context, vec []float32, k, ef int) ([]models.RetrievalResult, error) {
	if len(vec) != r.index.Dimensions() {
		return nil, fmt.Errorf("%w: query has %d, index expects %d",
			vector.ErrDimensionMismatch, len(vec), r.index.Dimensions())
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.index.Len()
	if n == 0 || k <= 0 {
		return []models.RetrievalResult{}, nil
	}
	k = min(k, n)
	if ef <= 0 {
		ef = r.efSearch
	}
	ef = max(ef, k)

	neighbors, err := r.index.Search(ctx, vec, k, ef)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]models.RetrievalResult, 0, len(neighbors))
	for _, nb := range neighbors {
		chunkID, ok := r.dir.ChunkID(nb.Label)
		if !ok {
			r.logger.Warn("index label has no chunk", zap.Uint64("label", nb.Label))
			continue
		}
		chunk, err := r.store.GetChunk(ctx, chunkID)
		if errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("indexed chunk missing from store", zap.String("chunk_id", chunkID))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load chunk %s: %w", chunkID, err)
		}
		turn, err := r.store.GetTurn(ctx, chunk.TurnID)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load turn %s: %w", chunk.TurnID, err)
		}
		results = append(results, models.RetrievalResult{
			Chunk: *chunk,
			Score: 1 - float64(nb.Distance),
			Turn:  turn,
		})
	}
	return results, nil
}

// Rebuild discards the index and directory and replays every stored vector.
// Persisted labels are kept; rows without one get fresh labels past the highest
// persisted label, written back to the store before the new index is built.
func (r *Retriever) Rebuild(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebuildLocked(ctx)
}

func (r *Retriever) rebuildLocked(ctx context.Context) error {
	rows, err := r.store.EmbeddedChunks(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stored embeddings: %w", err)
	}

	dir := NewDirectory()
	valid := rows[:0:0]
	for _, row := range rows {
		if len(row.Embedding) != r.index.Dimensions() {
			r.logger.Warn("skipping stored embedding with wrong dimension",
				zap.String("chunk_id", row.ChunkID),
				zap.Int("got", len(row.Embedding)),
				zap.Int("expected", r.index.Dimensions()))
			if row.Labeled {
				dir.Reserve(row.ChunkID, row.Label)
			}
			continue
		}
		valid = append(valid, row)
	}
	for _, row := range valid {
		if !row.Labeled {
			continue
		}
		if err := dir.Bind(row.ChunkID, row.Label); err != nil {
			return fmt.Errorf("inconsistent stored labels: %w", err)
		}
	}
	var assigned []models.LabelBinding
	for _, row := range valid {
		if row.Labeled {
			continue
		}
		b := models.LabelBinding{ChunkID: row.ChunkID, Label: dir.Next()}
		if err := dir.Bind(b.ChunkID, b.Label); err != nil {
			return err
		}
		assigned = append(assigned, b)
	}
	if err := r.store.AssignLabels(ctx, assigned); err != nil {
		return fmt.Errorf("failed to persist assigned labels: %w", err)
	}

	labels := make([]uint64, 0, len(valid))
	vectors := make([][]float32, 0, len(valid))
	for _, row := range valid {
		label, _ := dir.Lookup(row.ChunkID)
		labels = append(labels, label)
		vectors = append(vectors, row.Embedding)
	}

	r.index.Reset(max(len(valid), r.initialCapacity))
	if err := r.index.Add(ctx, labels, vectors); err != nil {
		// Leave an empty index and a directory with nothing bound, every stored
		// label reserved, so the two agree until the next rebuild.
		r.index.Reset(max(len(valid), r.initialCapacity))
		dir.ReserveAll()
		r.dir = dir
		return fmt.Errorf("failed to rebuild index: %w", err)
	}
	r.dir = dir

	r.logger.Info("vector index rebuilt",
		zap.Int("count", len(labels)),
		zap.Int("assigned", len(assigned)),
		zap.Uint64("next_label", dir.Next()))
	return nil
}

// Save writes the index snapshot. It is a no-op without an index path.
func (r *Retriever) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexPath == "" {
		return nil
	}
	if err := r.index.Save(r.indexPath); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}
	r.logger.Info("vector index saved", zap.String("path", r.indexPath), zap.Int("count", r.index.Len()))
	return nil
}

// Len returns the number of indexed vectors.
func (r *Retriever) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Len()
}

// Capacity returns the index capacity.
func (r *Retriever) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index.Capacity()
}

// Dimensions returns the vector dimension the index accepts.
func (r *Retriever) Dimensions() int {
	return r.index.Dimensions()
}

// NextLabel returns the label the next added chunk would receive.
func (r *Retriever) NextLabel() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.Next()
}

// Lookup returns the label bound to chunkID.
func (r *Retriever) Lookup(chunkID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dir.Lookup(chunkID)
}

// Close saves the snapshot and releases the index.
func (r *Retriever) Close() error {
	if err := r.Save(); err != nil {
		return err
	}
	return r.index.Close()
}
