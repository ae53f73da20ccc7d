package models

// RetrievalResult is a chunk returned from similarity search. Score is 1 - cosine distance.
type RetrievalResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
	Turn  *Turn   `json:"turn,omitempty"`
}

// SearchResult is a single hybrid search hit with its component scores.
type SearchResult struct {
	Chunk         Chunk   `json:"chunk"`
	Turn          *Turn   `json:"turn,omitempty"`
	Score         float64 `json:"score"`
	KeywordScore  float64 `json:"keyword_score"`
	SemanticScore float64 `json:"semantic_score"`
	Rank          int     `json:"rank"`
	Snippet       string  `json:"snippet,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	Query     string          `json:"query"`
}
