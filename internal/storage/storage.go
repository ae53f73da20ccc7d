// Package storage defines the persistence interface for turns, chunks, and index labels.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/kioku/internal/models"
)

// ErrNotFound is returned (wrapped) when a turn or chunk does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the durable record store. It is the source of truth for turns, chunks,
// embeddings, and the chunk-to-label bindings of the vector index.
type Storage interface {
	// Turn operations
	AppendTurn(ctx context.Context, turn models.Turn) error
	AppendTurnWithChunks(ctx context.Context, turn models.Turn, chunks []models.IndexedChunk) error
	GetTurn(ctx context.Context, id string) (*models.Turn, error)
	RecentTurns(ctx context.Context, n int) ([]models.Turn, error)
	ListTurns(ctx context.Context) ([]models.Turn, error)
	CountTurns(ctx context.Context) (int64, error)

	// Chunk operations
	SaveIndexedChunks(ctx context.Context, chunks []models.IndexedChunk) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	ChunksByTurn(ctx context.Context, turnID string) ([]models.Chunk, error)
	ListChunks(ctx context.Context) ([]models.Chunk, error)
	CountChunks(ctx context.Context) (int64, error)

	// Label operations
	LabelBindings(ctx context.Context) ([]models.LabelBinding, error)
	EmbeddedChunks(ctx context.Context) ([]models.StoredEmbedding, error)
	AssignLabels(ctx context.Context, bindings []models.LabelBinding) error

	// Meta operations
	GetMeta(ctx context.Context, key string) (string, bool, error)
	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
