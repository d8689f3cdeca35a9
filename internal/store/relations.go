package store

import (
	"fmt"

	"github.com/softsense/memoir/internal/logging"
)

// AddRelation records a directed typed relation between two existing
// entries. Both endpoints must exist (ErrNotFound otherwise). Duplicate
// (source, target, type) triples are idempotent. Both endpoints get their
// embeddings marked dirty, since related-entry lines feed embedding text.
func (s *Store) AddRelation(sourceKey, targetKey string, relType RelationType) error {
	if !ValidRelationType(relType) {
		return fmt.Errorf("invalid relation type: %s", relType)
	}
	if sourceKey == targetKey {
		return fmt.Errorf("relation cannot be self-referential: %s", sourceKey)
	}
	for _, key := range []string{sourceKey, targetKey} {
		ok, err := s.Exists(key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("relation endpoint %q: %w", key, ErrNotFound)
		}
	}

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO relations (source_key, target_key, relation_type)
		VALUES (?, ?, ?)`, sourceKey, targetKey, string(relType))
	if err != nil {
		return fmt.Errorf("failed to add relation %s -[%s]-> %s: %w", sourceKey, relType, targetKey, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.markDirty(sourceKey, targetKey)
		logging.Debug("store", "relation %s -[%s]-> %s", sourceKey, relType, targetKey)
	}
	return nil
}

// RemoveRelation deletes a relation triple. Removing a relation that does
// not exist is a no-op. Endpoints that still exist get marked dirty.
func (s *Store) RemoveRelation(sourceKey, targetKey string, relType RelationType) error {
	res, err := s.db.Exec(`
		DELETE FROM relations WHERE source_key = ? AND target_key = ? AND relation_type = ?`,
		sourceKey, targetKey, string(relType))
	if err != nil {
		return fmt.Errorf("failed to remove relation: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.markDirty(sourceKey, targetKey)
	}
	return nil
}

// RelationsFor returns every relation touching a key, in either direction.
func (s *Store) RelationsFor(key string) ([]Relation, error) {
	rows, err := s.db.Query(`
		SELECT source_key, target_key, relation_type FROM relations
		WHERE source_key = ? OR target_key = ?
		ORDER BY source_key, target_key`, key, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query relations for %s: %w", key, err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		var relType string
		if err := rows.Scan(&r.SourceKey, &r.TargetKey, &relType); err != nil {
			return nil, err
		}
		r.Type = RelationType(relType)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelatedKeys returns the keys directly connected to key (both directions),
// excluding key itself. Used by graph expansion during document assembly.
func (s *Store) RelatedKeys(key string) ([]string, error) {
	rels, err := s.RelationsFor(key)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []string
	for _, r := range rels {
		other := r.TargetKey
		if other == key {
			other = r.SourceKey
		}
		if !seen[other] {
			seen[other] = true
			out = append(out, other)
		}
	}
	return out, nil
}

// markDirty flags embedding_dirty on the given keys. Missing keys are
// silently skipped.
func (s *Store) markDirty(keys ...string) {
	for _, key := range keys {
		if _, err := s.db.Exec(`UPDATE entries SET embedding_dirty = 1 WHERE key = ?`, key); err != nil {
			logging.Debug("store", "mark dirty %s: %v", key, err)
		}
	}
}
