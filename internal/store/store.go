// Package store is the persistent entry/relation store: SQLite rows for
// entries, a directed typed relation graph, and three search surfaces kept
// in sync with every write — a vec0 ANN index, an FTS5 prefix index, and an
// in-memory fuzzy term cache.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/softsense/memoir/internal/logging"
)

func init() {
	sqlite_vec.Auto() // registers the vec0 virtual table with go-sqlite3
}

// Embedder generates embedding vectors for text. Implemented by
// embedding.Client; nil is allowed and degrades search to keyword-only.
type Embedder interface {
	Embed(text string) ([]float64, error)
}

// Store wraps the SQLite database holding entries and relations.
type Store struct {
	db   *sql.DB
	path string

	embedder Embedder

	vecAvailable bool
	vecDim       int // embedding dimension in entry_vec (0 = not yet determined)
	ftsAvailable bool

	// Fuzzy term cache: rebuilt lazily, invalidated on entry writes.
	fuzzyMu    sync.RWMutex
	fuzzyCache []fuzzyEntry // nil means cache needs rebuild
}

// Open opens or creates the entry store under statePath.
func Open(statePath string) (*Store, error) {
	dbPath := filepath.Join(statePath, "system", "entries.db")

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	// Check if sqlite-vec extension is available
	var vecVersion string
	if err := db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		logging.Info("store", "sqlite-vec not available: %v — vector search falls back to full scan", err)
	} else {
		logging.Debug("store", "sqlite-vec %s loaded", vecVersion)
		s.vecAvailable = true
		if s.vecDim == 0 {
			if err := s.initVecTableFromEntries(); err != nil {
				logging.Info("store", "vec init warning: %v", err)
			}
		}
	}

	return s, nil
}

// SetEmbedder wires the embedding provider used by HybridSearch and
// RefreshDirtyEmbeddings. May be nil; all callers tolerate its absence.
func (s *Store) SetEmbedder(e Embedder) {
	s.embedder = e
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the on-disk database path.
func (s *Store) Path() string {
	return s.path
}

// migrate creates the schema and applies incremental migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		category TEXT NOT NULL,
		key TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		mention_count INTEGER NOT NULL DEFAULT 1,
		last_mentioned DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		origin_type TEXT NOT NULL DEFAULT 'conversation',
		origin_summary TEXT,
		embedding BLOB,
		embedding_text TEXT NOT NULL DEFAULT '',
		embedding_dirty INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(category);
	CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status);
	CREATE INDEX IF NOT EXISTS idx_entries_last_mentioned ON entries(last_mentioned);
	CREATE INDEX IF NOT EXISTS idx_entries_dirty ON entries(embedding_dirty);

	CREATE TABLE IF NOT EXISTS relations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_key TEXT NOT NULL,
		target_key TEXT NOT NULL,
		relation_type TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_key, target_key, relation_type)
	);

	CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_key);
	CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_key);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// runMigrations applies incremental schema changes.
func (s *Store) runMigrations() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		version = 1
	}

	// Migration v2: FTS5 index over entry content for prefix keyword search.
	// Keyword search falls back to a Go-side scan if FTS5 is not compiled in.
	if version < 2 {
		migrations := []string{
			`CREATE VIRTUAL TABLE IF NOT EXISTS entry_fts USING fts5(
				key UNINDEXED,
				content,
				content=entries,
				content_rowid=id,
				prefix='2 3 4'
			)`,
			`INSERT INTO entry_fts(rowid, key, content)
				SELECT id, key, content FROM entries`,
			`CREATE TRIGGER IF NOT EXISTS entries_fts_ai
				AFTER INSERT ON entries
				BEGIN
					INSERT INTO entry_fts(rowid, key, content) VALUES (NEW.id, NEW.key, NEW.content);
				END`,
			`CREATE TRIGGER IF NOT EXISTS entries_fts_au
				AFTER UPDATE OF content ON entries
				BEGIN
					INSERT INTO entry_fts(entry_fts, rowid, key, content) VALUES ('delete', OLD.id, OLD.key, OLD.content);
					INSERT INTO entry_fts(rowid, key, content) VALUES (NEW.id, NEW.key, NEW.content);
				END`,
			`CREATE TRIGGER IF NOT EXISTS entries_fts_ad
				AFTER DELETE ON entries
				BEGIN
					INSERT INTO entry_fts(entry_fts, rowid, key, content) VALUES ('delete', OLD.id, OLD.key, OLD.content);
				END`,
		}
		ftsOK := true
		for _, stmt := range migrations {
			if _, err := s.db.Exec(stmt); err != nil {
				logging.Info("store", "migration v2 warning (FTS5 may be unavailable): %v", err)
				ftsOK = false
				break
			}
		}
		s.db.Exec("INSERT INTO schema_version (version) VALUES (2)")
		s.ftsAvailable = ftsOK
	} else {
		s.ftsAvailable = s.hasTable("entry_fts")
	}

	return nil
}

func (s *Store) hasTable(name string) bool {
	var n string
	err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?`, name).Scan(&n)
	return err == nil
}

// initVecTableFromEntries reads the embedding dimension from existing
// entries, creates entry_vec with that dimension, and backfills. No-ops
// when no embedded entries exist yet.
func (s *Store) initVecTableFromEntries() error {
	var embBytes []byte
	err := s.db.QueryRow(`SELECT embedding FROM entries WHERE embedding IS NOT NULL AND LENGTH(embedding) > 4 LIMIT 1`).Scan(&embBytes)
	if err != nil {
		return nil // nothing embedded yet; defer to first write
	}
	var emb []float64
	if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) == 0 {
		return nil
	}
	return s.ensureVecTable(len(emb))
}

// ensureVecTable creates the entry_vec virtual table for the given embedding
// dimension (if not yet created) and backfills existing entries. Idempotent
// for the same dim.
//
// Uses integer rowid (from the entries table) + auxiliary +key column,
// avoiding vec0's TEXT PRIMARY KEY partitioning behaviour which breaks KNN.
func (s *Store) ensureVecTable(dim int) error {
	if !s.vecAvailable {
		return nil
	}
	if s.vecDim == dim {
		return nil
	}
	if s.vecDim != 0 && s.vecDim != dim {
		return fmt.Errorf("embedding dim %d doesn't match vec table dim %d", dim, s.vecDim)
	}

	_, err := s.db.Exec(fmt.Sprintf(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entry_vec USING vec0(
			embedding float[%d],
			+key TEXT
		)
	`, dim))
	if err != nil {
		return fmt.Errorf("failed to create entry_vec(float[%d]): %w", dim, err)
	}
	s.vecDim = dim

	rows, err := s.db.Query(`SELECT id, key, embedding FROM entries WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil // backfill failure is non-fatal
	}
	defer rows.Close()

	tx, err := s.db.Begin()
	if err != nil {
		return nil
	}

	var count int
	for rows.Next() {
		var rowid int64
		var key string
		var embBytes []byte
		if err := rows.Scan(&rowid, &key, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil || len(emb) != dim {
			continue
		}
		serialized, serErr := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
		if serErr != nil {
			continue
		}
		// vec0 does not reliably support INSERT OR REPLACE; use DELETE + INSERT.
		tx.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid)
		if _, err := tx.Exec(`INSERT INTO entry_vec(rowid, embedding, key) VALUES (?, ?, ?)`, rowid, serialized, key); err != nil {
			logging.Info("store", "vec backfill failed for %s: %v", key, err)
			continue
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return nil
	}
	if count > 0 {
		logging.Info("store", "vec backfill: indexed %d entries (dim=%d)", count, dim)
	}
	return nil
}

// upsertVec writes one entry's embedding into entry_vec. Best-effort.
func (s *Store) upsertVec(rowid int64, key string, emb []float64) {
	if !s.vecAvailable || len(emb) == 0 {
		return
	}
	if err := s.ensureVecTable(len(emb)); err != nil {
		logging.Debug("store", "vec table unavailable for %s: %v", key, err)
		return
	}
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(emb)))
	if err != nil {
		return
	}
	s.db.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid)
	if _, err := s.db.Exec(`INSERT INTO entry_vec(rowid, embedding, key) VALUES (?, ?, ?)`, rowid, serialized, key); err != nil {
		logging.Debug("store", "vec upsert failed for %s: %v", key, err)
	}
}

// deleteVec removes one entry from entry_vec. Best-effort.
func (s *Store) deleteVec(rowid int64) {
	if !s.vecAvailable || s.vecDim == 0 {
		return
	}
	s.db.Exec(`DELETE FROM entry_vec WHERE rowid = ?`, rowid)
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)
	for _, table := range []string{"entries", "relations"} {
		var count int
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, err
		}
		stats[table] = count
	}
	return stats, nil
}

// Clear removes all data. Used by reset.
func (s *Store) Clear() error {
	for _, table := range []string{"relations", "entries"} {
		if _, err := s.db.Exec(fmt.Sprintf("DELETE FROM %s", table)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	if s.vecAvailable && s.vecDim != 0 {
		s.db.Exec(`DELETE FROM entry_vec`)
	}
	s.invalidateFuzzyCache()
	return nil
}

// Snapshot checkpoints the WAL and copies the database file to a .bak
// sibling. Called after each writer batch that changed anything, so a crash
// mid-batch can at worst lose the unflushed tail.
func (s *Store) Snapshot() error {
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	src, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open db for snapshot: %w", err)
	}
	defer src.Close()

	tmp := s.path + ".bak.tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy snapshot: %w", err)
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, s.path+".bak")
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector.
// Normalizing before storing in vec0 makes L2 distance equivalent to cosine:
//
//	cosine_dist = L2_dist² / 2   (for unit vectors)
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts an L2 distance (on normalized vectors) to cosine
// similarity: cosine_sim = 1 - L2²/2
func l2ToCosineSim(l2dist float64) float64 {
	return 1.0 - (l2dist*l2dist)/2.0
}

// cosineSim computes cosine similarity between two embeddings
func cosineSim(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
