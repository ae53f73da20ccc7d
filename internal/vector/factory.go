package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeHNSW is a hierarchical navigable small world graph. Approximate, scales to large corpora.
	IndexTypeHNSW IndexType = "hnsw"
	// IndexTypeFlat is brute-force exact search. Good for small datasets (<10k vectors).
	IndexTypeFlat IndexType = "flat"
)

// Params configures index construction.
type Params struct {
	Dimensions     int
	Capacity       int
	M              int
	EfConstruction int
	Seed           int64
}

// DefaultParams returns the defaults used when a field is zero.
func DefaultParams(dimensions int) Params {
	return Params{
		Dimensions:     dimensions,
		Capacity:       DefaultCapacity,
		M:              DefaultM,
		EfConstruction: DefaultEfConstruction,
		Seed:           DefaultSeed,
	}
}

// NewIndex creates a vector index of the specified type.
// Supported types: "hnsw" (default), "flat".
func NewIndex(indexType string, p Params) (Index, error) {
	switch IndexType(indexType) {
	case IndexTypeHNSW, "":
		return NewHNSWIndex(p)
	case IndexTypeFlat:
		return NewFlatIndex(p.Dimensions, p.Capacity)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: hnsw, flat)", indexType)
	}
}
