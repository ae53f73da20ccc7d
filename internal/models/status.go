package models

// Status summarizes what the memory store holds and how it is configured.
type Status struct {
	Turns          int    `json:"turns"`
	Chunks         int    `json:"chunks"`
	IndexedVectors int    `json:"indexed_vectors"`
	IndexCapacity  int    `json:"index_capacity"`
	Dimensions     int    `json:"dimensions"`
	KeywordDocs    uint64 `json:"keyword_docs"`
	DiskUsageBytes int64  `json:"disk_usage_bytes"`
	IndexType      string `json:"index_type"`
	Embedding      string `json:"embedding"`
	WatchedDirs    int    `json:"watched_dirs"`
}
