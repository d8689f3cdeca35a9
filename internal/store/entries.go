package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/softsense/memoir/internal/logging"
)

// Get returns the entry with the given key, or ErrNotFound.
func (s *Store) Get(key string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT id, category, key, content, status, mention_count, last_mentioned,
		       created_at, origin_type, origin_summary, embedding, embedding_text, embedding_dirty
		FROM entries WHERE key = ?`, key)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// Exists reports whether an entry with the given key exists.
func (s *Store) Exists(key string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM entries WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Upsert creates or updates an entry. Creation sets mention_count=1 and
// last_mentioned=now. Updates replace category/content/status/origin fields,
// bump mention_count, refresh last_mentioned, and mark the embedding dirty
// only if the content actually changed. Returns the stored entry.
func (s *Store) Upsert(category Category, key, content string, status Status, origin OriginType, originSummary string) (*Entry, error) {
	if !ValidCategory(category) {
		return nil, fmt.Errorf("invalid category: %s", category)
	}
	if key == "" {
		return nil, fmt.Errorf("empty key")
	}
	if status == "" {
		status = StatusActive
	}
	if origin == "" {
		origin = OriginConversation
	}

	now := time.Now().UTC()

	existing, err := s.Get(key)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing == nil {
		res, err := s.db.Exec(`
			INSERT INTO entries (category, key, content, status, mention_count, last_mentioned, origin_type, origin_summary, embedding_dirty)
			VALUES (?, ?, ?, ?, 1, ?, ?, ?, 1)`,
			string(category), key, content, string(status), now, string(origin), originSummary)
		if err != nil {
			return nil, fmt.Errorf("failed to insert entry %s: %w", key, err)
		}
		id, _ := res.LastInsertId()
		s.invalidateFuzzyCache()
		logging.Debug("store", "created entry %s [%s]", key, category)
		return &Entry{
			ID: id, Category: category, Key: key, Content: content,
			Status: status, MentionCount: 1, LastMentioned: now, CreatedAt: now,
			OriginType: origin, OriginSummary: originSummary, EmbeddingDirty: true,
		}, nil
	}

	dirty := existing.EmbeddingDirty || existing.Content != content
	_, err = s.db.Exec(`
		UPDATE entries
		SET category = ?, content = ?, status = ?, origin_type = ?, origin_summary = ?,
		    mention_count = mention_count + 1, last_mentioned = ?, embedding_dirty = ?
		WHERE key = ?`,
		string(category), content, string(status), string(origin), originSummary,
		now, boolToInt(dirty), key)
	if err != nil {
		return nil, fmt.Errorf("failed to update entry %s: %w", key, err)
	}
	if existing.Content != content {
		s.invalidateFuzzyCache()
	}
	logging.Debug("store", "updated entry %s (mentions=%d)", key, existing.MentionCount+1)
	return s.Get(key)
}

// Bump increments mention_count and refreshes last_mentioned without
// touching content. Bumping a missing key is a no-op; the agent routinely
// bumps keys it merely saw mentioned, some of which never became entries.
func (s *Store) Bump(key string) error {
	res, err := s.db.Exec(`
		UPDATE entries SET mention_count = mention_count + 1, last_mentioned = ?
		WHERE key = ?`, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to bump %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		logging.Debug("store", "bump of unknown key %s ignored", key)
	}
	return nil
}

// SetLastMentioned overrides an entry's last_mentioned timestamp. Test
// support: lets callers age entries to exercise recency scoring and the
// timeline window.
func (s *Store) SetLastMentioned(key string, t time.Time) error {
	res, err := s.db.Exec(`UPDATE entries SET last_mentioned = ? WHERE key = ?`, t.UTC(), key)
	if err != nil {
		return fmt.Errorf("failed to set last_mentioned on %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates an entry's status. Returns ErrNotFound for missing keys.
func (s *Store) SetStatus(key string, status Status) error {
	res, err := s.db.Exec(`UPDATE entries SET status = ? WHERE key = ?`, string(status), key)
	if err != nil {
		return fmt.Errorf("failed to set status on %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes an entry. An entry that still participates in relations
// (either direction) is protected: the error carries the offending relations
// so the caller can surface them.
func (s *Store) Delete(key string) error {
	rels, err := s.RelationsFor(key)
	if err != nil {
		return err
	}
	if len(rels) > 0 {
		return &RelationsError{Key: key, Relations: rels}
	}

	e, err := s.Get(key)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	s.deleteVec(e.ID)
	s.invalidateFuzzyCache()
	logging.Debug("store", "deleted entry %s", key)
	return nil
}

// ListCategory returns up to limit entries in a category ordered by
// descending mention score. With activeOnly, completed/paused/stale entries
// are excluded; otherwise active entries sort ahead of the rest.
func (s *Store) ListCategory(category Category, limit int, activeOnly bool) ([]*Entry, error) {
	statusFilter := `1 = 1`
	if activeOnly {
		statusFilter = `status = 'active'`
	}
	// score = mention_count / (days_since_last_mentioned + 1)
	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, category, key, content, status, mention_count, last_mentioned,
		       created_at, origin_type, origin_summary, embedding, embedding_text, embedding_dirty
		FROM entries
		WHERE category = ? AND %s
		ORDER BY status = 'active' DESC,
		         CAST(mention_count AS REAL) / ((julianday('now') - julianday(last_mentioned)) + 1.0) DESC
		LIMIT ?`, statusFilter), string(category), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list category %s: %w", category, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var category, status, origin string
	var originSummary sql.NullString
	var embBytes []byte
	var dirty int
	err := row.Scan(&e.ID, &category, &e.Key, &e.Content, &status, &e.MentionCount,
		&e.LastMentioned, &e.CreatedAt, &origin, &originSummary, &embBytes,
		&e.EmbeddingText, &dirty)
	if err != nil {
		return nil, err
	}
	e.Category = Category(category)
	e.Status = Status(status)
	e.OriginType = OriginType(origin)
	e.OriginSummary = originSummary.String
	e.EmbeddingDirty = dirty != 0
	if len(embBytes) > 0 {
		if err := json.Unmarshal(embBytes, &e.Embedding); err != nil {
			logging.Debug("store", "bad embedding blob for %s: %v", e.Key, err)
			e.Embedding = nil
		}
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
