package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/pkg/utils"
)

const testDim = 32

// memStore is an in-memory RecordStore keeping insertion order like the SQLite store.
type memStore struct {
	turns   map[string]models.Turn
	chunks  map[string]models.Chunk
	labels  map[string]uint64
	order   []string
	saveErr error
	missing map[string]bool
	replays int // EmbeddedChunks calls
}

func newMemStore() *memStore {
	return &memStore{
		turns:   make(map[string]models.Turn),
		chunks:  make(map[string]models.Chunk),
		labels:  make(map[string]uint64),
		missing: make(map[string]bool),
	}
}

func (s *memStore) SaveIndexedChunks(_ context.Context, chunks []models.IndexedChunk) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	for _, ic := range chunks {
		if l, ok := s.labels[ic.Chunk.ID]; ok && l != ic.Label {
			continue
		}
		if _, ok := s.chunks[ic.Chunk.ID]; !ok {
			s.order = append(s.order, ic.Chunk.ID)
		}
		s.chunks[ic.Chunk.ID] = ic.Chunk
		s.labels[ic.Chunk.ID] = ic.Label
	}
	return nil
}

func (s *memStore) AppendTurnWithChunks(ctx context.Context, turn models.Turn, chunks []models.IndexedChunk) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.turns[turn.ID] = turn
	return s.SaveIndexedChunks(ctx, chunks)
}

func (s *memStore) GetChunk(_ context.Context, id string) (*models.Chunk, error) {
	c, ok := s.chunks[id]
	if !ok || s.missing[id] {
		return nil, fmt.Errorf("chunk %s: %w", id, storage.ErrNotFound)
	}
	return &c, nil
}

func (s *memStore) GetTurn(_ context.Context, id string) (*models.Turn, error) {
	t, ok := s.turns[id]
	if !ok {
		return nil, fmt.Errorf("turn %s: %w", id, storage.ErrNotFound)
	}
	return &t, nil
}

func (s *memStore) LabelBindings(context.Context) ([]models.LabelBinding, error) {
	var out []models.LabelBinding
	for id, l := range s.labels {
		out = append(out, models.LabelBinding{ChunkID: id, Label: l, Dimensions: len(s.chunks[id].Embedding)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

func (s *memStore) EmbeddedChunks(context.Context) ([]models.StoredEmbedding, error) {
	s.replays++
	var out []models.StoredEmbedding
	for _, id := range s.order {
		c := s.chunks[id]
		if !c.HasEmbedding() {
			continue
		}
		l, ok := s.labels[id]
		out = append(out, models.StoredEmbedding{ChunkID: id, Embedding: c.Embedding, Label: l, Labeled: ok})
	}
	return out, nil
}

func (s *memStore) AssignLabels(_ context.Context, bindings []models.LabelBinding) error {
	for _, b := range bindings {
		s.labels[b.ChunkID] = b.Label
	}
	return nil
}

// putLegacy stores an embedded chunk with no label, as if written by an older version.
func (s *memStore) putLegacy(c models.Chunk) {
	s.order = append(s.order, c.ID)
	s.chunks[c.ID] = c
}

func randomUnit(rng *rand.Rand) []float32 {
	v := make([]float32, testDim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	utils.NormalizeL2(v)
	return v
}

func makeChunks(t *testing.T, store *memStore, n int, seed int64) []models.Chunk {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	turn, _ := models.NewTurn(models.RoleUser, "conversation")
	store.turns[turn.ID] = turn
	out := make([]models.Chunk, n)
	for i := range out {
		c, err := models.NewChunk(turn.ID, fmt.Sprintf("chunk %d", i), i*10, i*10+8, 2)
		if err != nil {
			t.Fatal(err)
		}
		out[i] = c.WithEmbedding(randomUnit(rng), nil)
	}
	return out
}

func newTestRetriever(t *testing.T, store RecordStore, capacity int, opts ...Option) *Retriever {
	t.Helper()
	idx, err := vector.NewHNSWIndex(vector.Params{Dimensions: testDim, Capacity: capacity})
	if err != nil {
		t.Fatal(err)
	}
	r := New(store, idx, opts...)
	if err := r.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRetriever_AddAndQuery(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 100)
	chunks := makeChunks(t, store, 1, 1)

	n, err := r.Add(context.Background(), chunks)
	if err != nil || n != 1 {
		t.Fatalf("Add = %d, %v", n, err)
	}
	results, err := r.Query(context.Background(), chunks[0].Embedding, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Chunk.ID != chunks[0].ID || results[0].Score <= 0.99 {
		t.Errorf("got %+v", results[0])
	}
	if results[0].Turn == nil || results[0].Turn.ID != chunks[0].TurnID {
		t.Error("turn should be hydrated")
	}
}

func TestRetriever_EmptyQuery(t *testing.T) {
	r := newTestRetriever(t, newMemStore(), 10)
	results, err := r.Query(context.Background(), make([]float32, testDim), 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

func TestRetriever_IdempotentAdd(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 2, 2)
	ctx := context.Background()

	if _, err := r.Add(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	n, err := r.Add(ctx, chunks)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || r.Len() != 2 || r.NextLabel() != 2 {
		t.Errorf("second add: n=%d len=%d next=%d", n, r.Len(), r.NextLabel())
	}
	dup := []models.Chunk{chunks[0], chunks[0]}
	if n, _ := r.Add(ctx, dup); n != 0 {
		t.Errorf("duplicate in batch added %d", n)
	}
}

func TestRetriever_SkipsUnembedded(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	bare, _ := models.NewChunk("t", "no vector", 0, 9, 2)
	n, err := r.Add(context.Background(), []models.Chunk{bare})
	if err != nil || n != 0 || r.Len() != 0 {
		t.Errorf("n=%d len=%d err=%v", n, r.Len(), err)
	}
}

func TestRetriever_RankedResults(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 5, 3)
	if _, err := r.Add(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}
	results, err := r.Query(context.Background(), chunks[0].Embedding, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	if results[0].Chunk.ID != chunks[0].ID || results[0].Score <= 0.99 {
		t.Errorf("top result %+v", results[0])
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("scores not descending at %d: %v > %v", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestRetriever_KClamped(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 3, 4)
	_, _ = r.Add(context.Background(), chunks)
	results, err := r.Query(context.Background(), chunks[1].Embedding, 1000, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %d", len(results))
	}
}

func TestRetriever_StoreFailureLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 3, 5)
	store.saveErr = errors.New("disk full")

	if _, err := r.Add(context.Background(), chunks); err == nil {
		t.Fatal("expected error")
	}
	if r.Len() != 0 || r.NextLabel() != 0 {
		t.Errorf("len=%d next=%d after failed add", r.Len(), r.NextLabel())
	}
	if _, ok := r.Lookup(chunks[0].ID); ok {
		t.Error("directory must not bind after a failed write")
	}

	store.saveErr = nil
	if n, err := r.Add(context.Background(), chunks); err != nil || n != 3 {
		t.Errorf("retry: n=%d err=%v", n, err)
	}
}

func TestRetriever_DimensionMismatch(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 2, 6)
	chunks[1] = chunks[1].WithEmbedding([]float32{1, 2, 3}, nil)

	_, err := r.Add(context.Background(), chunks)
	if !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if r.Len() != 0 || len(store.chunks) != 0 {
		t.Error("mismatched batch must not be persisted or indexed")
	}
}

func TestRetriever_QueryDimensionMismatch(t *testing.T) {
	r := newTestRetriever(t, newMemStore(), 10)
	// The index is empty; a bad query must still be rejected.
	if _, err := r.Query(context.Background(), []float32{1, 2, 3}, 5, 0); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
	if _, err := r.Query(context.Background(), make([]float32, testDim+1), 0, 0); !errors.Is(err, vector.ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch with k=0, got %v", err)
	}
}

func TestRetriever_AddTurn(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 2, 15)
	turn, _ := models.NewTurn(models.RoleUser, "fresh turn")
	for i := range chunks {
		chunks[i].TurnID = turn.ID
	}
	ctx := context.Background()

	store.saveErr = errors.New("disk full")
	if _, err := r.AddTurn(ctx, turn, chunks); err == nil {
		t.Fatal("expected error")
	}
	if _, ok := store.turns[turn.ID]; ok {
		t.Error("turn must not be stored after a failed write")
	}
	if r.Len() != 0 || r.NextLabel() != 0 {
		t.Errorf("len=%d next=%d after failed add", r.Len(), r.NextLabel())
	}

	store.saveErr = nil
	n, err := r.AddTurn(ctx, turn, chunks)
	if err != nil || n != 2 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if _, ok := store.turns[turn.ID]; !ok {
		t.Error("turn should be stored")
	}

	bare, _ := models.NewTurn(models.RoleSystem, "nothing to index")
	if n, err := r.AddTurn(ctx, bare, nil); err != nil || n != 0 {
		t.Errorf("n=%d err=%v", n, err)
	}
	if _, ok := store.turns[bare.ID]; !ok {
		t.Error("turn without chunks should still be stored")
	}
}

func TestRetriever_RebuildSkipsWrongDimension(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	chunks := makeChunks(t, store, 3, 16)
	stale := chunks[2].WithEmbedding([]float32{1, 0, 0}, nil)
	_ = store.SaveIndexedChunks(ctx, []models.IndexedChunk{
		{Chunk: chunks[0], Label: 0},
		{Chunk: chunks[1], Label: 1},
		{Chunk: stale, Label: 5},
	})

	path := filepath.Join(t.TempDir(), "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	if r.Len() != 2 {
		t.Fatalf("len=%d, want 2", r.Len())
	}
	if _, ok := r.Lookup(stale.ID); ok {
		t.Error("wrong-dimension chunk must not be bound")
	}
	if r.NextLabel() != 6 {
		t.Errorf("next = %d, want 6 past the reserved label", r.NextLabel())
	}
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	// The snapshot agrees with the store once wrong-dimension rows are ignored.
	replays := store.replays
	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	if store.replays != replays {
		t.Error("reopen should load the snapshot instead of rebuilding")
	}
	if reopened.Len() != 2 || reopened.NextLabel() != 6 {
		t.Errorf("reopened len=%d next=%d", reopened.Len(), reopened.NextLabel())
	}
	more := makeChunks(t, store, 1, 17)
	if _, err := reopened.Add(ctx, more); err != nil {
		t.Fatal(err)
	}
	if l, _ := reopened.Lookup(more[0].ID); l != 6 {
		t.Errorf("new chunk label = %d, want 6", l)
	}
}

func TestRetriever_CapacityGrowth(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 2)
	chunks := makeChunks(t, store, 5, 7)
	ctx := context.Background()

	if _, err := r.Add(ctx, chunks[:2]); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add(ctx, chunks[2:3]); err != nil {
		t.Fatal(err)
	}
	if r.Capacity() != 4 {
		t.Errorf("capacity should double to 4, got %d", r.Capacity())
	}
	if _, err := r.Add(ctx, chunks[3:]); err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		res, err := r.Query(ctx, c.Embedding, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if res[0].Chunk.ID != c.ID {
			t.Errorf("chunk %s lost after growth", c.ID)
		}
	}
}

func TestRetriever_SkipsUnresolvable(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 3, 8)
	_, _ = r.Add(context.Background(), chunks)
	store.missing[chunks[0].ID] = true

	results, err := r.Query(context.Background(), chunks[0].Embedding, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Chunk.ID == chunks[0].ID {
			t.Error("missing chunk should be skipped")
		}
	}
}

func TestRetriever_SaveLoad(t *testing.T) {
	store := newMemStore()
	path := filepath.Join(t.TempDir(), "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	chunks := makeChunks(t, store, 5, 9)
	ctx := context.Background()
	if _, err := r.Add(ctx, chunks); err != nil {
		t.Fatal(err)
	}
	before, _ := r.Query(ctx, chunks[2].Embedding, 3, 0)
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	if reopened.Len() != 5 || reopened.NextLabel() != 5 {
		t.Fatalf("reopened len=%d next=%d", reopened.Len(), reopened.NextLabel())
	}
	after, err := reopened.Query(ctx, chunks[2].Embedding, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := range before {
		if before[i].Chunk.ID != after[i].Chunk.ID {
			t.Errorf("rank %d: %s before, %s after", i, before[i].Chunk.ID, after[i].Chunk.ID)
		}
	}

	more := makeChunks(t, store, 1, 10)
	if _, err := reopened.Add(ctx, more); err != nil {
		t.Fatalf("add after reload: %v", err)
	}
	if l, _ := reopened.Lookup(more[0].ID); l != 5 {
		t.Errorf("label after reload = %d, want 5", l)
	}
}

func TestRetriever_OpenRebuildsStaleSnapshot(t *testing.T) {
	store := newMemStore()
	path := filepath.Join(t.TempDir(), "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	chunks := makeChunks(t, store, 4, 11)
	ctx := context.Background()
	_, _ = r.Add(ctx, chunks[:2])
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}
	_, _ = r.Add(ctx, chunks[2:]) // never saved

	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	if reopened.Len() != 4 {
		t.Errorf("stale snapshot should trigger rebuild, len=%d", reopened.Len())
	}
}

func TestRetriever_RebuildFromStore(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 5, 12)
	ctx := context.Background()
	_, _ = r.Add(ctx, chunks)
	before, _ := r.Query(ctx, chunks[3].Embedding, 5, 0)

	// No snapshot: Open replays the store.
	fresh := newTestRetriever(t, store, 10)
	if fresh.Len() != 5 || fresh.NextLabel() != 5 {
		t.Fatalf("rebuilt len=%d next=%d", fresh.Len(), fresh.NextLabel())
	}
	after, _ := fresh.Query(ctx, chunks[3].Embedding, 5, 0)
	if after[0].Chunk.ID != before[0].Chunk.ID {
		t.Errorf("top hit changed after rebuild: %s vs %s", after[0].Chunk.ID, before[0].Chunk.ID)
	}
	for _, c := range chunks {
		want, _ := r.Lookup(c.ID)
		if got, ok := fresh.Lookup(c.ID); !ok || got != want {
			t.Errorf("chunk %s label %d, want %d", c.ID, got, want)
		}
	}
}

func TestRetriever_RebuildAssignsPastMaxLabel(t *testing.T) {
	store := newMemStore()
	chunks := makeChunks(t, store, 3, 13)
	// A legacy unlabeled row comes first in store order, a labeled row with a high
	// label after it; fresh labels must not collide with the persisted one.
	store.putLegacy(chunks[0])
	_ = store.SaveIndexedChunks(context.Background(), []models.IndexedChunk{
		{Chunk: chunks[1], Label: 0},
		{Chunk: chunks[2], Label: 7},
	})

	r := newTestRetriever(t, store, 10)
	if r.Len() != 3 {
		t.Fatalf("len=%d", r.Len())
	}
	if l, ok := r.Lookup(chunks[0].ID); !ok || l != 8 {
		t.Errorf("legacy chunk label = %d, %v; want 8", l, ok)
	}
	if store.labels[chunks[0].ID] != 8 {
		t.Error("assigned label must be written back to the store")
	}
	if r.NextLabel() != 9 {
		t.Errorf("next = %d, want 9", r.NextLabel())
	}
	res, _ := r.Query(context.Background(), chunks[0].Embedding, 1, 0)
	if res[0].Chunk.ID != chunks[0].ID {
		t.Error("legacy chunk should be searchable after rebuild")
	}
}

func TestRetriever_SQLiteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	turn, _ := models.NewTurn(models.RoleAssistant, "You prefer dark mode.")
	if err := store.AppendTurn(ctx, turn); err != nil {
		t.Fatal(err)
	}
	rng := rand.New(rand.NewSource(14))
	chunk, _ := models.NewChunk(turn.ID, turn.Text, 0, len(turn.Text), 4)
	chunk = chunk.WithEmbedding(randomUnit(rng), map[string]float32{"dark": 0.7})

	path := filepath.Join(dir, "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	if _, err := r.Add(ctx, []models.Chunk{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	res, err := reopened.Query(ctx, chunk.Embedding, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Chunk.ID != chunk.ID || res[0].Turn == nil || res[0].Turn.Role != models.RoleAssistant {
		t.Fatalf("got %+v", res)
	}
	if res[0].Chunk.LexicalWeights["dark"] != 0.7 {
		t.Errorf("lexical weights not hydrated: %v", res[0].Chunk.LexicalWeights)
	}
}

func TestRetriever_ReAddReservedChunk(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	chunks := makeChunks(t, store, 2, 18)
	stale := chunks[1].WithEmbedding([]float32{1, 0, 0}, nil)
	_ = store.SaveIndexedChunks(ctx, []models.IndexedChunk{
		{Chunk: chunks[0], Label: 0},
		{Chunk: stale, Label: 5},
	})

	path := filepath.Join(t.TempDir(), "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	n, err := r.Add(ctx, chunks[1:])
	if err != nil || n != 1 {
		t.Fatalf("Add = %d, %v", n, err)
	}
	if l, ok := r.Lookup(chunks[1].ID); !ok || l != 5 {
		t.Errorf("re-added chunk label = %d, %v; want the stored 5", l, ok)
	}
	if store.labels[chunks[1].ID] != 5 || len(store.chunks[chunks[1].ID].Embedding) != testDim {
		t.Errorf("store label=%d dims=%d", store.labels[chunks[1].ID], len(store.chunks[chunks[1].ID].Embedding))
	}
	if r.NextLabel() != 6 {
		t.Errorf("next = %d, want 6", r.NextLabel())
	}
	if n, _ := r.Add(ctx, chunks[1:]); n != 0 {
		t.Errorf("second re-add indexed %d", n)
	}
	if err := r.Save(); err != nil {
		t.Fatal(err)
	}

	replays := store.replays
	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	if store.replays != replays {
		t.Error("snapshot should agree with the store after the re-add")
	}
	res, err := reopened.Query(ctx, chunks[1].Embedding, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Chunk.ID != chunks[1].ID {
		t.Errorf("re-added chunk not found after restart: %+v", res)
	}
}

func TestRetriever_SQLiteReAddReservedChunk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	turn, _ := models.NewTurn(models.RoleUser, "I moved to Lisbon.")
	if err := store.AppendTurn(ctx, turn); err != nil {
		t.Fatal(err)
	}
	chunk, _ := models.NewChunk(turn.ID, turn.Text, 0, len(turn.Text), 5)
	old := chunk.WithEmbedding(make([]float32, 16), nil)
	if err := store.SaveIndexedChunks(ctx, []models.IndexedChunk{{Chunk: old, Label: 0}}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "index.bin")
	r := newTestRetriever(t, store, 10, WithIndexPath(path))
	current := chunk.WithEmbedding(randomUnit(rand.New(rand.NewSource(19))), nil)
	if n, err := r.Add(ctx, []models.Chunk{current}); err != nil || n != 1 {
		t.Fatalf("Add = %d, %v", n, err)
	}
	if l, _ := r.Lookup(chunk.ID); l != 0 {
		t.Errorf("label = %d, want 0", l)
	}
	before, _ := r.Query(ctx, current.Embedding, 1, 0)
	if len(before) != 1 {
		t.Fatalf("before restart results=%d", len(before))
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestRetriever(t, store, 10, WithIndexPath(path))
	after, err := reopened.Query(ctx, current.Embedding, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 || after[0].Chunk.ID != chunk.ID || reopened.Len() != 1 {
		t.Errorf("after restart results=%d len=%d", len(after), reopened.Len())
	}
}

func TestRetriever_FailedRebuildStaysConsistent(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(t, store, 10)
	chunks := makeChunks(t, store, 3, 20)
	if _, err := r.Add(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Rebuild(cancelled); err == nil {
		t.Fatal("expected rebuild to fail on a cancelled context")
	}
	if r.Len() != 0 {
		t.Errorf("index len=%d after failed rebuild", r.Len())
	}
	if _, ok := r.Lookup(chunks[0].ID); ok {
		t.Error("directory still binds a chunk the index no longer holds")
	}
	if r.NextLabel() != 3 {
		t.Errorf("next = %d, want 3", r.NextLabel())
	}

	ctx := context.Background()
	if n, err := r.Add(ctx, chunks[:1]); err != nil || n != 1 {
		t.Fatalf("Add after failed rebuild = %d, %v", n, err)
	}
	if l, _ := r.Lookup(chunks[0].ID); l != store.labels[chunks[0].ID] {
		t.Errorf("re-added label %d, stored %d", l, store.labels[chunks[0].ID])
	}
	if err := r.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 3 || r.NextLabel() != 3 {
		t.Errorf("after rebuild len=%d next=%d", r.Len(), r.NextLabel())
	}
}

func TestRetriever_SelfQueryAtScale(t *testing.T) {
	const n = 1000
	store := newMemStore()
	r := newTestRetriever(t, store, n)
	chunks := makeChunks(t, store, n, 21)
	ctx := context.Background()
	if _, err := r.Add(ctx, chunks); err != nil {
		t.Fatal(err)
	}

	misses := 0
	for i := 0; i < n; i += 10 {
		res, err := r.Query(ctx, chunks[i].Embedding, 1, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(res) != 1 || res[0].Chunk.ID != chunks[i].ID || res[0].Score <= 0.99 {
			misses++
		}
	}
	if misses > 0 {
		t.Errorf("self-query misses: %d/%d", misses, n/10)
	}
}
