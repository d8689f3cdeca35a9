package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/softsense/memoir/internal/logging"
)

// BuildEmbeddingText renders the text an entry's embedding is computed
// from: the entry's own line plus one line per directly related entry, so
// relation changes shift an entry's position in vector space.
func (s *Store) BuildEmbeddingText(key string) (string, error) {
	e, err := s.Get(key)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s: %s", e.Category, e.Key, e.Content)

	rels, err := s.RelationsFor(key)
	if err != nil {
		return "", err
	}
	for _, r := range rels {
		other := r.TargetKey
		label := string(r.Type)
		if other == key {
			other = r.SourceKey
			label = string(r.Type) + " of"
		}
		related, err := s.Get(other)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n%s %s: %s", label, related.Key, related.Content)
	}
	return sb.String(), nil
}

// MarkEmbeddingDirty flags an entry for embedding recomputation.
func (s *Store) MarkEmbeddingDirty(key string) error {
	res, err := s.db.Exec(`UPDATE entries SET embedding_dirty = 1 WHERE key = ?`, key)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DirtyKeys returns keys of entries whose embeddings need recomputation.
func (s *Store) DirtyKeys() ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM entries WHERE embedding_dirty = 1 ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// RefreshDirtyEmbeddings recomputes embeddings for all dirty entries.
// Entries whose rebuilt embedding text is unchanged are just marked clean
// without calling the embedder. Embedding failures leave the entry dirty
// for the next pass and do not abort the batch. Returns the number of
// embeddings actually recomputed.
func (s *Store) RefreshDirtyEmbeddings() (int, error) {
	if s.embedder == nil {
		return 0, nil
	}

	keys, err := s.DirtyKeys()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	var refreshed int
	for _, key := range keys {
		e, err := s.Get(key)
		if err != nil {
			continue
		}

		text, err := s.BuildEmbeddingText(key)
		if err != nil {
			logging.Debug("store", "embedding text for %s: %v", key, err)
			continue
		}

		if text == e.EmbeddingText && len(e.Embedding) > 0 {
			s.db.Exec(`UPDATE entries SET embedding_dirty = 0 WHERE key = ?`, key)
			continue
		}

		emb, err := s.embedder.Embed(text)
		if err != nil {
			logging.Info("store", "embed %s failed, leaving dirty: %v", key, err)
			continue
		}

		if err := s.storeEmbedding(e.ID, key, text, emb); err != nil {
			logging.Info("store", "store embedding for %s: %v", key, err)
			continue
		}
		refreshed++
	}
	if refreshed > 0 {
		logging.Info("store", "refreshed %d embeddings (%d dirty)", refreshed, len(keys))
	}
	return refreshed, nil
}

func (s *Store) storeEmbedding(rowid int64, key, text string, emb []float64) error {
	embJSON, err := json.Marshal(emb)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		UPDATE entries SET embedding = ?, embedding_text = ?, embedding_dirty = 0
		WHERE key = ?`, embJSON, text, key)
	if err != nil {
		return err
	}
	s.upsertVec(rowid, key, emb)
	return nil
}
