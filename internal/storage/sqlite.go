package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// SchemaVersion is written to the meta table on first open.
const SchemaVersion = "1"

// timeLayout is fixed-width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		turn_id    TEXT PRIMARY KEY,
		role       TEXT NOT NULL CHECK(role IN ('user', 'assistant', 'system')),
		text       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_turns_created ON turns(created_at);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id        TEXT PRIMARY KEY,
		turn_id         TEXT NOT NULL REFERENCES turns(turn_id),
		text            TEXT NOT NULL,
		start_char      INTEGER NOT NULL,
		end_char        INTEGER NOT NULL,
		token_count     INTEGER NOT NULL,
		embedding       BLOB,
		lexical_weights TEXT,
		label           INTEGER UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_turn ON chunks(turn_id);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	_, err := db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion)
	return err
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// AppendTurn inserts a turn.
func (s *SQLiteStorage) AppendTurn(ctx context.Context, turn models.Turn) error {
	return insertTurn(ctx, s.db, turn)
}

func insertTurn(ctx context.Context, db execer, turn models.Turn) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO turns (turn_id, role, text, created_at) VALUES (?, ?, ?, ?)`,
		turn.ID, string(turn.Role), turn.Text, turn.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

// AppendTurnWithChunks inserts a turn and its indexed chunks in one transaction.
func (s *SQLiteStorage) AppendTurnWithChunks(ctx context.Context, turn models.Turn, chunks []models.IndexedChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertTurn(ctx, tx, turn); err != nil {
		return err
	}
	if err := writeIndexedChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// GetTurn returns a turn by ID.
func (s *SQLiteStorage) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT turn_id, role, text, created_at FROM turns WHERE turn_id = ?`, id)
	turn, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("turn %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &turn, nil
}

// RecentTurns returns the n most recent turns ordered oldest first.
func (s *SQLiteStorage) RecentTurns(ctx context.Context, n int) ([]models.Turn, error) {
	turns, err := s.queryTurns(ctx,
		`SELECT turn_id, role, text, created_at FROM turns
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// ListTurns returns every turn ordered by creation time.
func (s *SQLiteStorage) ListTurns(ctx context.Context) ([]models.Turn, error) {
	return s.queryTurns(ctx,
		`SELECT turn_id, role, text, created_at FROM turns ORDER BY created_at, rowid`)
}

func (s *SQLiteStorage) queryTurns(ctx context.Context, query string, args ...any) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (models.Turn, error) {
	var turn models.Turn
	var role, created string
	if err := row.Scan(&turn.ID, &role, &turn.Text, &created); err != nil {
		return turn, err
	}
	turn.Role = models.Role(role)
	t, err := time.Parse(timeLayout, created)
	if err != nil {
		return turn, fmt.Errorf("failed to parse created_at %q: %w", created, err)
	}
	turn.CreatedAt = t
	return turn, nil
}

// CountTurns returns the total number of turns.
func (s *SQLiteStorage) CountTurns(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM turns`).Scan(&count)
	return count, err
}

// SaveIndexedChunks writes chunks with their vectors and labels in one transaction.
// A row that already carries a different label is left untouched, so replays are
// idempotent. A row carrying the same label gets the new vector, which is how a
// chunk stored under another embedding model is re-indexed.
func (s *SQLiteStorage) SaveIndexedChunks(ctx context.Context, chunks []models.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := writeIndexedChunks(ctx, tx, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

func writeIndexedChunks(ctx context.Context, db execer, chunks []models.IndexedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := db.PrepareContext(ctx,
		`INSERT INTO chunks (chunk_id, turn_id, text, start_char, end_char, token_count, embedding, lexical_weights, label)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET
			embedding = excluded.embedding,
			lexical_weights = excluded.lexical_weights,
			label = excluded.label
		 WHERE chunks.label IS NULL OR chunks.label = excluded.label`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ic := range chunks {
		c := ic.Chunk
		weights, err := encodeWeights(c.LexicalWeights)
		if err != nil {
			return err
		}
		var blob []byte
		if c.HasEmbedding() {
			blob = utils.Float32sToBytes(c.Embedding)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.TurnID, c.Text, c.StartChar, c.EndChar, c.TokenCount, blob, weights, int64(ic.Label),
		); err != nil {
			return fmt.Errorf("failed to write chunk %s: %w", c.ID, err)
		}
	}
	return nil
}

func encodeWeights(w map[string]float32) (sql.NullString, error) {
	if w == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(w)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal lexical weights: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

const chunkColumns = `chunk_id, turn_id, text, start_char, end_char, token_count, embedding, lexical_weights`

func scanChunk(row scanner) (models.Chunk, error) {
	var c models.Chunk
	var blob []byte
	var weights sql.NullString
	if err := row.Scan(&c.ID, &c.TurnID, &c.Text, &c.StartChar, &c.EndChar, &c.TokenCount, &blob, &weights); err != nil {
		return c, err
	}
	if len(blob) > 0 {
		vec, err := utils.BytesToFloat32s(blob)
		if err != nil {
			return c, fmt.Errorf("chunk %s: %w", c.ID, err)
		}
		c.Embedding = vec
	}
	if weights.Valid && weights.String != "" {
		if err := json.Unmarshal([]byte(weights.String), &c.LexicalWeights); err != nil {
			return c, fmt.Errorf("failed to unmarshal lexical weights: %w", err)
		}
	}
	return c, nil
}

// GetChunk returns a chunk by ID, including its embedding when present.
func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ChunksByTurn returns a turn's chunks in text order.
func (s *SQLiteStorage) ChunksByTurn(ctx context.Context, turnID string) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE turn_id = ? ORDER BY start_char`, turnID)
}

// ListChunks returns every chunk in insertion order.
func (s *SQLiteStorage) ListChunks(ctx context.Context) ([]models.Chunk, error) {
	return s.queryChunks(ctx, `SELECT `+chunkColumns+` FROM chunks ORDER BY rowid`)
}

func (s *SQLiteStorage) queryChunks(ctx context.Context, query string, args ...any) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// LabelBindings returns every persisted chunk-to-label binding.
func (s *SQLiteStorage) LabelBindings(ctx context.Context) ([]models.LabelBinding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, label, COALESCE(length(embedding), 0) / 4 FROM chunks WHERE label IS NOT NULL ORDER BY label`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LabelBinding
	for rows.Next() {
		var b models.LabelBinding
		var label int64
		if err := rows.Scan(&b.ChunkID, &label, &b.Dimensions); err != nil {
			return nil, err
		}
		b.Label = uint64(label)
		out = append(out, b)
	}
	return out, rows.Err()
}

// EmbeddedChunks returns the vector and label of every chunk that has an embedding,
// in insertion order.
func (s *SQLiteStorage) EmbeddedChunks(ctx context.Context) ([]models.StoredEmbedding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_id, embedding, label FROM chunks WHERE embedding IS NOT NULL ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StoredEmbedding
	for rows.Next() {
		var e models.StoredEmbedding
		var blob []byte
		var label sql.NullInt64
		if err := rows.Scan(&e.ChunkID, &blob, &label); err != nil {
			return nil, err
		}
		vec, err := utils.BytesToFloat32s(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", e.ChunkID, err)
		}
		e.Embedding = vec
		if label.Valid {
			e.Label = uint64(label.Int64)
			e.Labeled = true
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AssignLabels sets the label of each chunk in one transaction.
func (s *SQLiteStorage) AssignLabels(ctx context.Context, bindings []models.LabelBinding) error {
	if len(bindings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET label = ? WHERE chunk_id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range bindings {
		res, err := stmt.ExecContext(ctx, int64(b.Label), b.ChunkID)
		if err != nil {
			return fmt.Errorf("failed to label chunk %s: %w", b.ChunkID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("chunk %s: %w", b.ChunkID, ErrNotFound)
		}
	}
	return tx.Commit()
}

// GetMeta returns the value stored under key.
func (s *SQLiteStorage) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetMeta stores value under key, replacing any previous value.
func (s *SQLiteStorage) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
