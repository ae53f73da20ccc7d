// Package main is the kioku CLI entry point.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/chunker"
	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/embedding"
	"github.com/hyperjump/kioku/internal/indexer"
	"github.com/hyperjump/kioku/internal/keyword"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/retrieval"
	"github.com/hyperjump/kioku/internal/search"
	"github.com/hyperjump/kioku/internal/server"
	"github.com/hyperjump/kioku/internal/storage"
	"github.com/hyperjump/kioku/internal/vector"
	"github.com/hyperjump/kioku/internal/watcher"
	"github.com/hyperjump/kioku/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/kioku/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, config.yaml in the
// current directory wins if present, and a missing default file yields the built-in
// defaults. Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	// API keys (OPENAI_API_KEY) may live in a local .env file.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "search":
		runSearch()
	case "rebuild":
		runRebuild()
	case "status":
		runStatus()
	case "watch":
		runWatch()
	case "version", "--version", "-v":
		fmt.Printf("kioku version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config, builds the logger and opens every component.
func setup(configPath string, debugFlag bool) (*config.Config, string, *zap.Logger, *Components) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debugFlag
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return cfg, resolved, logger, components
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (directory changes, file ingestion, etc.)")
	_ = fs.Parse(os.Args[2:])

	cfg, resolvedConfigPath, logger, components := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	watchSvc := watcher.NewWatcher(
		components.Indexer,
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		watcher.WithLogger(logger),
	)
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watchSvc.Start(watchCtx); err != nil {
		logger.Fatal("Failed to start watcher", zap.Error(err))
	}
	go watchSvc.SyncExistingFiles()

	srv := server.NewServer(
		components.Engine,
		components.Indexer,
		components.Storage,
		cfg,
		server.WithLogger(logger),
		server.WithWatch(watchSvc, resolvedConfigPath),
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	watchCancel()
	watchSvc.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	role := fs.String("role", "user", "role of the turn given with --text: user, assistant or system")
	text := fs.String("text", "", "ingest a single turn with this text instead of files")
	recursive := fs.Bool("recursive", true, "descend into subdirectories")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *text == "" && fs.NArg() < 1 {
		fmt.Println("Usage: kioku ingest [flags] <file-or-directory>...")
		fmt.Println("       kioku ingest --role user --text \"remember this\"")
		os.Exit(1)
	}
	format, err := parseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	ctx := context.Background()

	if *text != "" {
		r, err := models.ParseRole(*role)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		res, err := components.Indexer.IngestTurn(ctx, r, *text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingest failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteIngestResult(os.Stdout, res.Turn, len(res.Chunks), format)
		return
	}

	var files, turns int
	for _, path := range fs.Args() {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to stat path: %v\n", err)
			os.Exit(1)
		}
		if info.IsDir() {
			stats, err := components.Indexer.IngestDirectory(ctx, path, *recursive)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Ingesting directory failed: %v\n", err)
				os.Exit(1)
			}
			files += stats.Files
			turns += stats.Turns
			continue
		}
		n, err := components.Indexer.IngestFile(ctx, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ingesting %s failed: %v\n", path, err)
			os.Exit(1)
		}
		files++
		turns += n
	}
	if format == cli.OutputJSON {
		_ = json.NewEncoder(os.Stdout).Encode(indexer.DirectoryStats{Files: files, Turns: turns})
		return
	}
	fmt.Printf("Ingested %d new turn(s) from %d file(s)\n", turns, files)
}

// printSearchUsage prints search subcommand usage and search hints.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: kioku search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Keyword and semantic scores are fused into one ranked list.
  • Use --keyword=false for semantic-only search.
  • Use --semantic=false for keyword-only search.
  • Use --role to only return what the user (or the assistant) said.

Examples:
  kioku search deploy window
  kioku search --role user "favourite editor theme"
  kioku search --keyword=false what did we decide about caching
  kioku search --min-score 0.3 --limit 20 your query
`)
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// searchConfigPathFromArgs returns the value of -config/--config from args if present, else defaultPath.
func searchConfigPathFromArgs(args []string, defaultPath string) string {
	for i, a := range args {
		if (a == "-config" || a == "--config") && i+1 < len(args) {
			return args[i+1]
		}
	}
	return defaultPath
}

// searchLimitDefaultFromConfig returns the configured default result limit, or 10 when
// the config cannot be loaded.
func searchLimitDefaultFromConfig(path string) int {
	cfg, _, err := loadConfig(path)
	if err != nil || cfg == nil || cfg.Search.DefaultLimit <= 0 {
		return 10
	}
	return cfg.Search.DefaultLimit
}

// searchArgsReorder moves any flags (and their values) that appear after the query
// to the front of the slice so that flag.Parse() sees them. Go's flag package
// stops at the first non-flag argument.
func searchArgsReorder(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) (cli.SearchOutputFormat, error) {
	switch s {
	case "json":
		return cli.OutputJSON, nil
	case "text", "":
		return cli.OutputText, nil
	default:
		return "", fmt.Errorf("unknown output format %q; use text or json", s)
	}
}

func runSearch() {
	searchArgs := searchArgsReorder(os.Args[2:])
	configPath := searchConfigPathFromArgs(searchArgs, defaultConfigPath)

	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPathFlag := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	limit := fs.Int("limit", searchLimitDefaultFromConfig(configPath), "number of results")
	minScore := fs.Float64("min-score", 0, "minimum fused score")
	role := fs.String("role", "", "only return chunks of turns with this role")
	efSearch := fs.Int("ef", 0, "HNSW search breadth (0 = configured default)")
	kwEnabled := fs.Bool("keyword", true, "enable keyword search")
	semEnabled := fs.Bool("semantic", true, "enable semantic search")
	outputFormat := fs.String("output", "text", "output format: text (human-readable) or json (parseable)")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(searchArgs)

	queryStr := buildSearchQuery(fs.Args())
	if queryStr == "" {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format, err := parseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	searchQuery := &models.SearchQuery{
		Query:           queryStr,
		Limit:           *limit,
		MinScore:        *minScore,
		Role:            models.Role(strings.ToLower(*role)),
		EfSearch:        *efSearch,
		KeywordEnabled:  *kwEnabled,
		SemanticEnabled: *semEnabled,
	}

	var response *models.SearchResponse
	if *serverURL != "" {
		// the server holds the Bleve lock, so go through its API
		response, err = searchViaHTTP(*serverURL, searchQuery)
	} else {
		_, _, logger, components := setup(*configPathFlag, false)
		defer logger.Sync()
		defer components.Close()
		response, err = components.Engine.Search(context.Background(), searchQuery)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	if err := cli.WriteSearchResults(os.Stdout, response, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func searchViaHTTP(serverURL string, query *models.SearchQuery) (*models.SearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	resp, err := http.Post(serverURL+"/api/v1/search", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var response models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &response, nil
}

func runRebuild() {
	fs := flag.NewFlagSet("rebuild", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "", "server URL (empty = open the store directly)")
	_ = fs.Parse(os.Args[2:])

	if *serverURL != "" {
		resp, err := http.Post(*serverURL+"/api/v1/index/rebuild", "application/json", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Fprintf(os.Stderr, "Rebuild failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Println("Indices rebuilt")
		return
	}

	_, _, logger, components := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	start := time.Now()
	if err := components.Indexer.RebuildAll(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Indices rebuilt in %s (%d vectors)\n", time.Since(start).Round(time.Millisecond), components.Retriever.Len())
}

// statusResponse is the shape of GET /api/v1/status.
type statusResponse struct {
	Status models.Status  `json:"status"`
	Config map[string]any `json:"config,omitempty"`
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	format, err := parseFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var st models.Status
	if *serverURL != "" {
		res, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		st = res.Status
	} else {
		cfg, _, logger, components := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		st, err = server.CollectStatus(context.Background(), components.Indexer, cfg, len(cfg.Watch.Directories))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cli.WriteStatus(os.Stdout, st, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		os.Exit(1)
	}
}

func statusViaHTTP(serverURL string) (*statusResponse, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	var s statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &s, nil
}

func runWatch() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: kioku watch <add|remove|list> [path]")
		fmt.Println("  kioku watch add <path>     Add export directory to watch")
		fmt.Println("  kioku watch remove <path>  Stop watching a directory")
		fmt.Println("  kioku watch list           List watched directories")
		os.Exit(1)
	}
	sub := os.Args[2]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	_ = fs.Parse(os.Args[3:])
	switch sub {
	case "add":
		if fs.NArg() < 1 {
			fmt.Println("Usage: kioku watch add <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		body, _ := json.Marshal(map[string]any{"path": path, "sync": true})
		resp, err := http.Post(*serverURL+"/api/v1/watch/directories", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Add failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Added: %s\n", path)
	case "remove":
		if fs.NArg() < 1 {
			fmt.Println("Usage: kioku watch remove <path>")
			os.Exit(1)
		}
		path, _ := filepath.Abs(fs.Arg(0))
		req, _ := http.NewRequest(http.MethodDelete, *serverURL+"/api/v1/watch/directories?path="+url.QueryEscape(path), nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("Remove failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		fmt.Printf("Removed: %s\n", path)
	case "list":
		resp, err := http.Get(*serverURL + "/api/v1/watch/directories")
		if err != nil {
			fmt.Printf("Request failed: %v\n", err)
			os.Exit(1)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			fmt.Printf("List failed (%d): %s\n", resp.StatusCode, string(b))
			os.Exit(1)
		}
		var out struct {
			Directories []string `json:"directories"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			fmt.Printf("Parse failed: %v\n", err)
			os.Exit(1)
		}
		for _, d := range out.Directories {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		os.Exit(1)
	}
}

// Components holds initialized services.
type Components struct {
	Storage      storage.Storage
	Embedder     embedding.Embedder
	Retriever    *retrieval.Retriever
	KeywordIndex keyword.Index
	Engine       *search.Engine
	Indexer      *indexer.Indexer
}

// Close saves the vector index and releases everything in reverse order of opening.
func (c *Components) Close() {
	if c.Retriever != nil {
		_ = c.Retriever.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	for _, p := range []string{cfg.Storage.DatabasePath, cfg.Storage.VectorIndexPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	embedder, err := embedding.New(embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		ModelPath:  cfg.Embedding.ModelPath,
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Dimensions: cfg.Embedding.Dimensions,
		MaxTokens:  cfg.Embedding.MaxTokens,
		CacheSize:  cfg.Embedding.CacheSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder
	logger.Info("embedder initialized",
		zap.String("provider", cfg.Embedding.Provider),
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", embedder.Dimensions()))

	segmenter, err := chunker.NewSegmenter(cfg.Chunker.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize segmenter: %w", err)
	}
	counter, err := chunker.NewTokenCounter(cfg.Chunker.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token counter: %w", err)
	}
	ch, err := chunker.New(
		chunker.WithTokenBounds(cfg.Chunker.MinTokens, cfg.Chunker.MaxTokens),
		chunker.WithSegmenter(segmenter),
		chunker.WithTokenCounter(counter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize chunker: %w", err)
	}

	vecIndex, err := vector.NewIndex(cfg.Index.Type, vector.Params{
		Dimensions:     cfg.Embedding.Dimensions,
		Capacity:       cfg.Index.MaxElements,
		M:              cfg.Index.M,
		EfConstruction: cfg.Index.EfConstruction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	ret := retrieval.New(store, vecIndex,
		retrieval.WithLogger(logger),
		retrieval.WithIndexPath(cfg.Storage.VectorIndexPath),
		retrieval.WithSearchBreadth(cfg.Index.EfSearch),
	)
	if err := ret.Open(ctx); err != nil {
		_ = vecIndex.Close()
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}
	c.Retriever = ret

	keywordIndex, err := keyword.NewBleveIndex(cfg.Storage.KeywordIndexPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.KeywordIndex = keywordIndex

	c.Indexer = indexer.NewIndexer(store, ch, embedder, ret, keywordIndex,
		indexer.WithLogger(logger),
		indexer.WithExtensions(cfg.Watch.Extensions),
	)
	if err := c.Indexer.SyncKeywords(ctx); err != nil {
		return nil, fmt.Errorf("failed to sync keyword index: %w", err)
	}

	c.Engine = search.NewEngine(store, embedder, ret, keywordIndex, search.Settings{
		TopKCandidates: cfg.Search.TopKCandidates,
		KeywordWeight:  cfg.Search.KeywordWeight,
		SemanticWeight: cfg.Search.SemanticWeight,
		DefaultLimit:   cfg.Search.DefaultLimit,
		MaxLimit:       cfg.Search.MaxLimit,
		EfSearch:       cfg.Index.EfSearch,
		PhraseBoost:    cfg.Search.PhraseBoost,
		Fuzzy:          cfg.Search.Fuzzy,
		SnippetLength:  cfg.Search.SnippetLength,
	}, search.WithLogger(logger))
	return c, nil
}

func printUsage() {
	fmt.Println(`kioku - Local long-term memory for conversations

Usage:
  kioku server [flags]                    Start the HTTP server and export watcher
  kioku ingest [flags] <file-or-dir>...   Remember turns from conversation exports (.txt, .md)
  kioku ingest --role user --text "..."   Remember a single turn
  kioku search [flags] <query>            Search remembered turns
  kioku rebuild [flags]                   Rebuild vector and keyword indices from the store
  kioku status [flags]                    Show store and index status
  kioku watch <add|remove|list>           Manage watched export directories
  kioku version                           Show version
  kioku help                              Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/kioku/config.yaml)
  --debug            Enable debug logging

Search Flags:
  --config string    Config file path (for direct store mode; also supplies the default limit)
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the store directly.
  --limit int        Number of results (default from config, or 10)
  --min-score float  Minimum fused score
  --role string      Only return turns with this role (user, assistant, system)
  --keyword          Enable keyword search (default: true)
  --semantic         Enable semantic search (default: true)
  --output string    Output format: text or json

Status Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct store access.
  --output string    Output format: text or json

Examples:
  kioku server
  kioku ingest ~/exports
  kioku search "what editor theme do I like"
  kioku search --output json --role assistant deploy plan
  kioku rebuild
  kioku status --output json
  kioku watch add ~/exports`)
}
