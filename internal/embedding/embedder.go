// Package embedding produces dense vectors for chunk and query text. Providers are
// a local ONNX model, an Ollama server, or the OpenAI API; a deterministic mock
// serves tests and offline runs.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/kioku/internal/models"
)

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// EmbedChunks embeds each chunk's text in one batch and returns copies carrying the
// vectors. The input chunks are not modified.
func EmbedChunks(ctx context.Context, e Embedder, chunks []models.Chunk) ([]models.Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vecs) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(chunks))
	}
	out := make([]models.Chunk, len(chunks))
	for i, c := range chunks {
		if len(vecs[i]) != e.Dimensions() {
			return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(vecs[i]), e.Dimensions())
		}
		// none of the providers return sparse weights; any already on c are kept
		out[i] = c.WithEmbedding(vecs[i], nil)
	}
	return out, nil
}

// embedEach calls embed for every text. Used by providers without a native batch call.
func embedEach(ctx context.Context, texts []string, embed func(context.Context, string) ([]float32, error)) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		emb, err := embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = emb
	}
	return embeddings, nil
}
