package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// DefaultOllamaModel produces 1024-dimensional multilingual embeddings.
const DefaultOllamaModel = "bge-m3"

// OllamaEmbedder calls a local Ollama server through langchaingo.
type OllamaEmbedder struct {
	embedder   *embeddings.EmbedderImpl
	dimensions int
}

// NewOllamaEmbedder connects to the Ollama server at baseURL. An empty baseURL
// uses the langchaingo default (OLLAMA_HOST or localhost:11434).
func NewOllamaEmbedder(baseURL, model string, dimensions int) (*OllamaEmbedder, error) {
	if model == "" {
		model = DefaultOllamaModel
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("ollama dimensions must be positive, got %d", dimensions)
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	emb, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama embedder: %w", err)
	}
	return &OllamaEmbedder{embedder: emb, dimensions: dimensions}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	return checkDims(v, e.dimensions)
}

func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vecs, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	for i := range vecs {
		if vecs[i], err = checkDims(vecs[i], e.dimensions); err != nil {
			return nil, err
		}
	}
	return vecs, nil
}

func (e *OllamaEmbedder) Dimensions() int { return e.dimensions }

func (e *OllamaEmbedder) Close() error { return nil }

func checkDims(v []float32, dims int) ([]float32, error) {
	if len(v) != dims {
		return nil, fmt.Errorf("embedding dimension mismatch: got %d, expected %d", len(v), dims)
	}
	return v, nil
}
