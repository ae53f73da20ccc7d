package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/storage"
)

const (
	defaultRecentTurns = 20
	maxRecentTurns     = 1000
)

type ingestTurnRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type turnResponse struct {
	Turn   *models.Turn   `json:"turn"`
	Chunks []models.Chunk `json:"chunks"`
}

func (s *Server) handleIngestTurn(w http.ResponseWriter, r *http.Request) {
	var req ingestTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role, err := models.ParseRole(req.Role)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("ingest turn request", zap.String("role", string(role)), zap.Int("length", len(req.Text)))
	res, err := s.indexer.IngestTurn(r.Context(), role, req.Text)
	if err != nil {
		if errors.Is(err, indexer.ErrEmptyText) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("ingest failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, turnResponse{Turn: &res.Turn, Chunks: res.Chunks})
}

func (s *Server) handleRecentTurns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentTurns
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentTurns)
	}
	turns, err := s.storage.RecentTurns(r.Context(), limit)
	if err != nil {
		s.logger.Error("recent turns failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if turns == nil {
		turns = []models.Turn{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turn, err := s.storage.GetTurn(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "turn not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	chunks, err := s.storage.ChunksByTurn(r.Context(), id)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	s.respondJSON(w, http.StatusOK, turnResponse{Turn: turn, Chunks: chunks})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var query models.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request", zap.String("query", query.Query), zap.Int("limit", query.Limit))
	response, err := s.engine.Search(r.Context(), &query)
	if err != nil {
		if errors.Is(err, models.ErrInvalidQuery) {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleSaveIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.indexer.Save(); err != nil {
		s.logger.Error("index save failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleRebuildIndex(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("index rebuild requested")
	if err := s.indexer.RebuildAll(r.Context()); err != nil {
		s.logger.Error("index rebuild failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	watched := 0
	if s.watch != nil {
		watched = len(s.watch.Directories())
	}
	st, err := CollectStatus(r.Context(), s.indexer, s.config, watched)
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"status": st,
		"config": map[string]any{
			"vector_index_type":    s.config.Index.Type,
			"embedding_provider":   s.config.Embedding.Provider,
			"embedding_model":      s.config.Embedding.Model,
			"embedding_dimensions": s.config.Embedding.Dimensions,
			"chunk_min_tokens":     s.config.Chunker.MinTokens,
			"chunk_max_tokens":     s.config.Chunker.MaxTokens,
			"keyword_weight":       s.config.Search.KeywordWeight,
			"semantic_weight":      s.config.Search.SemanticWeight,
			"database_path":        s.config.Storage.DatabasePath,
			"vector_index_path":    s.config.Storage.VectorIndexPath,
			"keyword_index_path":   s.config.Storage.KeywordIndexPath,
		},
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// CollectStatus combines the indexer's counts with configuration and disk usage.
func CollectStatus(ctx context.Context, idx *indexer.Indexer, cfg *config.Config, watchedDirs int) (models.Status, error) {
	st, err := idx.Status(ctx)
	if err != nil {
		return models.Status{}, err
	}
	st.IndexType = cfg.Index.Type
	st.Embedding = cfg.Embedding.Provider
	if cfg.Embedding.Model != "" {
		st.Embedding += "/" + cfg.Embedding.Model
	}
	st.WatchedDirs = watchedDirs
	if n, err := storage.DiskUsageBytes(
		cfg.Storage.DatabasePath,
		cfg.Storage.VectorIndexPath,
		cfg.Storage.KeywordIndexPath,
	); err == nil {
		st.DiskUsageBytes = n
	}
	return st, nil
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Path != "" {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondJSON(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

// persistWatchDirectories writes the current watch list back to the config file.
func (s *Server) persistWatchDirectories() {
	if s.configPath == "" || s.config == nil {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
