package vector

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hyperjump/kioku/pkg/utils"
)

// FlatIndex is an exact vector index using brute-force cosine search.
// Suitable for tests and small datasets.
type FlatIndex struct {
	dimensions int
	capacity   int
	labels     []uint64
	vectors    [][]float32
	positions  map[uint64]int
	mu         sync.RWMutex
}

// NewFlatIndex creates an exact index with the given dimension and capacity.
func NewFlatIndex(dimensions, capacity int) (*FlatIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &FlatIndex{
		dimensions: dimensions,
		capacity:   capacity,
		positions:  make(map[uint64]int),
	}, nil
}

// Type returns the index type identifier.
func (f *FlatIndex) Type() string {
	return string(IndexTypeFlat)
}

func (f *FlatIndex) Dimensions() int { return f.dimensions }

func (f *FlatIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.labels)
}

func (f *FlatIndex) Capacity() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.capacity
}

func (f *FlatIndex) Contains(label uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.positions[label]
	return ok
}

func (f *FlatIndex) Resize(capacity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if capacity < len(f.labels) {
		return fmt.Errorf("cannot shrink capacity to %d below %d elements", capacity, len(f.labels))
	}
	f.capacity = capacity
	return nil
}

// Add inserts normalized copies of vectors. Every vector is validated before any is inserted.
func (f *FlatIndex) Add(ctx context.Context, labels []uint64, vectors [][]float32) error {
	if len(labels) != len(vectors) {
		return fmt.Errorf("labels and vectors length mismatch")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := validateBatch(labels, vectors, f.dimensions, len(f.labels), f.capacity, func(l uint64) bool {
		_, ok := f.positions[l]
		return ok
	}); err != nil {
		return err
	}
	for i, label := range labels {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.positions[label] = len(f.labels)
		f.labels = append(f.labels, label)
		f.vectors = append(f.vectors, utils.Normalized(vectors[i]))
	}
	return nil
}

// Search returns the k nearest vectors by cosine distance.
func (f *FlatIndex) Search(ctx context.Context, query []float32, k, ef int) ([]Neighbor, error) {
	if err := checkDimensions(len(query), f.dimensions); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if k <= 0 || len(f.labels) == 0 {
		return []Neighbor{}, nil
	}
	q := utils.Normalized(query)
	hits := make([]Neighbor, len(f.labels))
	for i, vec := range f.vectors {
		hits[i] = Neighbor{Label: f.labels[i], Distance: 1 - utils.Dot(q, vec)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if k > len(hits) {
		k = len(hits)
	}
	return hits[:k], nil
}

func (f *FlatIndex) Reset(capacity int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	f.capacity = capacity
	f.labels = nil
	f.vectors = nil
	f.positions = make(map[uint64]int)
}

// Save persists the index to path. Format: header, then per vector: label (8), vector (dimension*4 bytes).
func (f *FlatIndex) Save(path string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return writeFileAtomic(path, func(w io.Writer) error {
		if err := writeHeader(w, header{
			Magic:      flatMagic,
			Version:    snapshotVersion,
			Dimensions: uint32(f.dimensions),
			Capacity:   uint64(f.capacity),
			Count:      uint64(len(f.labels)),
		}); err != nil {
			return err
		}
		for i, label := range f.labels {
			if err := binary.Write(w, binary.LittleEndian, label); err != nil {
				return fmt.Errorf("write label: %w", err)
			}
			if err := writeVector(w, f.vectors[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load replaces the index contents with the snapshot at path. Dimensions must match.
// On error the index is unchanged.
func (f *FlatIndex) Load(path string) error {
	file, r, err := openSnapshot(path)
	if err != nil {
		return err
	}
	defer file.Close()
	h, err := readHeader(r, flatMagic, f.dimensions)
	if err != nil {
		return err
	}
	if err := checkCount(file, h, headerSize, int64(8+4*f.dimensions)); err != nil {
		return err
	}
	labels := make([]uint64, 0, h.Count)
	vectors := make([][]float32, 0, h.Count)
	positions := make(map[uint64]int, h.Count)
	for i := uint64(0); i < h.Count; i++ {
		var label uint64
		if err := binary.Read(r, binary.LittleEndian, &label); err != nil {
			return fmt.Errorf("read label: %w", err)
		}
		vec, err := readVector(r, f.dimensions)
		if err != nil {
			return err
		}
		if _, dup := positions[label]; dup {
			return fmt.Errorf("corrupt snapshot: %w %d", ErrDuplicateLabel, label)
		}
		positions[label] = len(labels)
		labels = append(labels, label)
		vectors = append(vectors, vec)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.capacity = int(h.Capacity)
	f.labels = labels
	f.vectors = vectors
	f.positions = positions
	return nil
}

// Close is a no-op for FlatIndex.
func (f *FlatIndex) Close() error {
	return nil
}

// validateBatch checks dimensions, capacity, and label uniqueness (against the
// index and within the batch) before anything is inserted.
func validateBatch(labels []uint64, vectors [][]float32, dimensions, size, capacity int, exists func(uint64) bool) error {
	if size+len(labels) > capacity {
		return fmt.Errorf("%w: %d + %d > %d", ErrCapacity, size, len(labels), capacity)
	}
	seen := make(map[uint64]struct{}, len(labels))
	for i, label := range labels {
		if err := checkDimensions(len(vectors[i]), dimensions); err != nil {
			return err
		}
		if _, dup := seen[label]; dup || exists(label) {
			return fmt.Errorf("%w: %d", ErrDuplicateLabel, label)
		}
		seen[label] = struct{}{}
	}
	return nil
}
