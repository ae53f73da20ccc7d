// Package vector provides approximate and exact nearest-neighbor indexes over
// fixed-dimension float vectors keyed by integer labels, with binary persistence.
package vector

import (
	"context"
	"errors"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrCapacity is returned when an insert would exceed the index capacity.
	ErrCapacity = errors.New("index capacity exceeded")
	// ErrDuplicateLabel is returned when a label is already present in the index.
	ErrDuplicateLabel = errors.New("duplicate label")
)

// Index is a cosine-distance vector index. Labels are caller-assigned and unique.
// Implementations are safe for concurrent Search; mutation must be serialized by the caller.
type Index interface {
	Dimensions() int
	Len() int
	Capacity() int
	// Resize sets the capacity. It fails if capacity is below Len.
	Resize(capacity int) error
	Add(ctx context.Context, labels []uint64, vectors [][]float32) error
	// Search returns up to k neighbors ordered best first. ef is the search breadth
	// and is raised to k when smaller; exact indexes ignore it.
	Search(ctx context.Context, query []float32, k, ef int) ([]Neighbor, error)
	Contains(label uint64) bool
	// Reset drops every element and sets a new capacity.
	Reset(capacity int)
	Save(path string) error
	Load(path string) error
	Type() string
	Close() error
}

// Neighbor is a single search hit. Distance is 1 - cosine similarity.
type Neighbor struct {
	Label    uint64
	Distance float32
}
