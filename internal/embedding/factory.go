package embedding

import (
	"fmt"
	"os"
)

// Providers.
const (
	ProviderMock   = "mock"
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderONNX   = "onnx"
)

// Config selects and configures an embedding provider.
type Config struct {
	Provider   string
	Model      string
	ModelPath  string
	BaseURL    string
	APIKey     string
	Dimensions int
	MaxTokens  int
	CacheSize  int
}

// New builds the configured provider. A positive CacheSize wraps it in a CachedEmbedder.
// The OpenAI key falls back to OPENAI_API_KEY.
func New(cfg Config) (Embedder, error) {
	var (
		e   Embedder
		err error
	)
	switch cfg.Provider {
	case "", ProviderMock:
		e = NewMockEmbedder(cfg.Dimensions)
	case ProviderOllama:
		e, err = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case ProviderOpenAI:
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		e, err = NewOpenAIEmbedder(key, cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case ProviderONNX:
		e, err = NewONNXEmbedder(ONNXConfig{
			ModelPath:  cfg.ModelPath,
			Dimensions: cfg.Dimensions,
			MaxTokens:  cfg.MaxTokens,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	if cfg.CacheSize > 0 {
		e = NewCachedEmbedder(e, cfg.CacheSize)
	}
	return e, nil
}
