package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperjump/kioku/internal/chunker"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/retrieval"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
)

const testDims = 64

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testServer struct {
	srv     *Server
	handler http.Handler
	indexer *indexer.Indexer
	cfg     *config.Config
	dir     string
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DatabasePath = filepath.Join(dir, "kioku.db")
	cfg.Storage.VectorIndexPath = filepath.Join(dir, "vectors.idx")
	cfg.Storage.KeywordIndexPath = filepath.Join(dir, "bleve")
	cfg.Embedding.Provider = embedding.ProviderMock
	cfg.Embedding.Model = ""
	cfg.Embedding.Dimensions = testDims

	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vecIndex, err := vector.NewHNSWIndex(vector.Params{Dimensions: testDims, Capacity: 32})
	if err != nil {
		t.Fatal(err)
	}
	ret := retrieval.New(store, vecIndex, retrieval.WithIndexPath(cfg.Storage.VectorIndexPath))
	if err := ret.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ret.Close() })
	kw, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kw.Close() })
	ch, err := chunker.New(chunker.WithTokenBounds(3, 40))
	if err != nil {
		t.Fatal(err)
	}
	emb := embedding.NewMockEmbedder(testDims)

	idx := indexer.NewIndexer(store, ch, emb, ret, kw)
	engine := search.NewEngine(store, emb, ret, kw, search.DefaultSettings())
	srv := NewServer(engine, idx, store, cfg, opts...)
	return &testServer{srv: srv, handler: srv.Routes(), indexer: idx, cfg: cfg, dir: dir}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if got := decode[map[string]string](t, w); got["status"] != "ok" {
		t.Errorf("body: %v", got)
	}
}

func TestHandleIngestAndGetTurn(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/v1/turns", map[string]string{"role": "User", "text": "Our staging database lives in eu-west-1."})
	if w.Code != http.StatusCreated {
		t.Fatalf("ingest status: got %d, body: %s", w.Code, w.Body.String())
	}
	created := decode[turnResponse](t, w)
	if created.Turn == nil || created.Turn.Role != models.RoleUser || len(created.Chunks) == 0 {
		t.Fatalf("ingest body: %+v", created)
	}

	w = ts.do(t, http.MethodGet, "/api/v1/turns/"+created.Turn.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status: got %d", w.Code)
	}
	got := decode[turnResponse](t, w)
	if got.Turn.Text != "Our staging database lives in eu-west-1." {
		t.Errorf("turn text: %q", got.Turn.Text)
	}
	if len(got.Chunks) != len(created.Chunks) {
		t.Errorf("chunks: got %d, want %d", len(got.Chunks), len(created.Chunks))
	}

	w = ts.do(t, http.MethodGet, "/api/v1/turns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing turn: got %d, want 404", w.Code)
	}
}

func TestHandleIngestTurn_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	tests := []struct {
		name string
		body any
	}{
		{"unknown role", map[string]string{"role": "robot", "text": "hi"}},
		{"empty text", map[string]string{"role": "user", "text": "   "}},
		{"not json", "just a string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, "/api/v1/turns", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400 (body %s)", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleRecentTurns(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	for _, text := range []string{"first message", "second message", "third message"} {
		if _, err := ts.indexer.IngestTurn(ctx, models.RoleUser, text); err != nil {
			t.Fatal(err)
		}
	}

	w := ts.do(t, http.MethodGet, "/api/v1/turns?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	out := decode[struct {
		Turns []models.Turn `json:"turns"`
	}](t, w)
	if len(out.Turns) != 2 {
		t.Fatalf("turns: got %d, want 2", len(out.Turns))
	}
	if out.Turns[0].Text != "second message" || out.Turns[1].Text != "third message" {
		t.Errorf("recent turns should be the last two oldest-first: %+v", out.Turns)
	}

	if w := ts.do(t, http.MethodGet, "/api/v1/turns?limit=zero", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	if _, err := ts.indexer.IngestTurn(ctx, models.RoleUser, "hello world from the memory store"); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": "hello"})
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	resp := decode[models.SearchResponse](t, w)
	if len(resp.Results) == 0 || resp.Query != "hello" {
		t.Errorf("response: %+v", resp)
	}

	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty query: got %d, want 400", w.Code)
	}
	w = ts.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": "hello", "role": "robot"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad role: got %d, want 400", w.Code)
	}
}

func TestHandleSaveAndRebuildIndex(t *testing.T) {
	ts := newTestServer(t)
	if _, err := ts.indexer.IngestTurn(context.Background(), models.RoleAssistant, "Snapshots are written atomically."); err != nil {
		t.Fatal(err)
	}

	if w := ts.do(t, http.MethodPost, "/api/v1/index/save", nil); w.Code != http.StatusOK {
		t.Fatalf("save: got %d, body: %s", w.Code, w.Body.String())
	}
	if _, err := os.Stat(ts.cfg.Storage.VectorIndexPath); err != nil {
		t.Errorf("snapshot missing after save: %v", err)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/index/rebuild", nil); w.Code != http.StatusOK {
		t.Fatalf("rebuild: got %d, body: %s", w.Code, w.Body.String())
	}
	w := ts.do(t, http.MethodPost, "/api/v1/search", map[string]string{"query": "snapshots atomically"})
	if resp := decode[models.SearchResponse](t, w); len(resp.Results) == 0 {
		t.Error("search after rebuild returned nothing")
	}
}

func TestHandleStatus(t *testing.T) {
	ts := newTestServer(t, WithWatch(&mockWatchService{dirs: []string{"/tmp/exports"}}, ""))
	if _, err := ts.indexer.IngestTurn(context.Background(), models.RoleUser, "hello world"); err != nil {
		t.Fatal(err)
	}

	w := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	out := decode[struct {
		Status models.Status  `json:"status"`
		Config map[string]any `json:"config"`
	}](t, w)
	if out.Status.Turns != 1 || out.Status.Chunks < 1 || out.Status.IndexedVectors != out.Status.Chunks {
		t.Errorf("counts: %+v", out.Status)
	}
	if out.Status.DiskUsageBytes < 1 {
		t.Errorf("disk_usage_bytes: got %d, want >= 1", out.Status.DiskUsageBytes)
	}
	if out.Status.WatchedDirs != 1 || out.Status.Embedding != embedding.ProviderMock {
		t.Errorf("summary fields: %+v", out.Status)
	}
	if out.Config["vector_index_type"] != ts.cfg.Index.Type {
		t.Errorf("config summary: %v", out.Config)
	}
}

func TestHandleWatchDirectories(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/exports"}}
	ts := newTestServer(t, WithWatch(mock, ""))

	w := ts.do(t, http.MethodGet, "/api/v1/watch/directories", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: got %d", w.Code)
	}
	list := decode[struct {
		Directories []string `json:"directories"`
	}](t, w)
	if len(list.Directories) != 1 || list.Directories[0] != "/tmp/exports" {
		t.Errorf("directories: got %v", list.Directories)
	}

	exports := filepath.Join(ts.dir, "exports")
	if err := os.MkdirAll(exports, 0o755); err != nil {
		t.Fatal(err)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": exports}); w.Code != http.StatusCreated {
		t.Errorf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.Directories()) != 2 {
		t.Errorf("after add: %v", mock.Directories())
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": filepath.Join(ts.dir, "nope")}); w.Code != http.StatusNotFound {
		t.Errorf("missing dir: got %d, want 404", w.Code)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]string{"path": ts.cfg.Storage.DatabasePath}); w.Code != http.StatusBadRequest {
		t.Errorf("file path: got %d, want 400", w.Code)
	}

	if w := ts.do(t, http.MethodDelete, "/api/v1/watch/directories?path="+exports, nil); w.Code != http.StatusOK {
		t.Errorf("remove: got %d", w.Code)
	}
	if len(mock.Directories()) != 1 {
		t.Errorf("after remove: %v", mock.Directories())
	}
	if w := ts.do(t, http.MethodDelete, "/api/v1/watch/directories", nil); w.Code != http.StatusBadRequest {
		t.Errorf("remove without path: got %d, want 400", w.Code)
	}
}

func TestHandleWatchDirectories_PersistsConfig(t *testing.T) {
	mock := &mockWatchService{}
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	ts := newTestServer(t, WithWatch(mock, cfgPath))

	exports := filepath.Join(ts.dir, "exports")
	if err := os.MkdirAll(exports, 0o755); err != nil {
		t.Fatal(err)
	}
	if w := ts.do(t, http.MethodPost, "/api/v1/watch/directories", map[string]any{"path": exports, "sync": false}); w.Code != http.StatusCreated {
		t.Fatalf("add: got %d, body: %s", w.Code, w.Body.String())
	}
	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Watch.Directories) != 1 || loaded.Watch.Directories[0] != exports {
		t.Errorf("persisted directories: %v", loaded.Watch.Directories)
	}
}

func TestHandleWatchDirectories_NotEnabled(t *testing.T) {
	ts := newTestServer(t)
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			w := ts.do(t, method, "/api/v1/watch/directories", map[string]string{"path": ts.dir})
			if w.Code != http.StatusNotImplemented {
				t.Errorf("status: got %d, want 501", w.Code)
			}
		})
	}
}
