package embedding

// Pooling selects how a token-level model output becomes one vector.
type Pooling string

const (
	// PoolingCLS takes the first token's hidden state (bge models).
	PoolingCLS Pooling = "cls"
	// PoolingMean averages hidden states over attended tokens.
	PoolingMean Pooling = "mean"
	// PoolingNone reads an already pooled [1, dim] output.
	PoolingNone Pooling = "none"
)

// ONNXConfig describes a local encoder model.
type ONNXConfig struct {
	ModelPath  string
	Dimensions int
	MaxTokens  int
	// OutputName is the model output to read, e.g. "last_hidden_state" or "sentence_embedding".
	OutputName string
	Pooling    Pooling
	// TokenTypeIDs is false for models that take only input_ids and attention_mask (XLM-R).
	TokenTypeIDs bool
	Tokenizer    Tokenizer
}

func (c *ONNXConfig) setDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
	if c.OutputName == "" {
		c.OutputName = "last_hidden_state"
	}
	if c.Pooling == "" {
		c.Pooling = PoolingCLS
	}
	if c.Tokenizer == nil {
		special := XLMRTokens
		if c.TokenTypeIDs {
			special = BERTTokens
		}
		c.Tokenizer = NewHashTokenizer(special, 0)
	}
}

// pool reduces hidden ([seq*dim] row-major) to one dim-length vector.
func pool(p Pooling, hidden []float32, mask []int64, dim int) []float32 {
	out := make([]float32, dim)
	switch p {
	case PoolingMean:
		var n float32
		for t, m := range mask {
			if m == 0 || (t+1)*dim > len(hidden) {
				continue
			}
			row := hidden[t*dim : (t+1)*dim]
			for i, v := range row {
				out[i] += v
			}
			n++
		}
		if n > 0 {
			for i := range out {
				out[i] /= n
			}
		}
	default:
		copy(out, hidden[:dim])
	}
	return out
}
