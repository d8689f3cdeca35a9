package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"

	"github.com/softsense/memoir/internal/logging"
)

// SearchByVector returns the topK entries most similar to the query
// embedding, scored by cosine similarity. Uses the vec0 ANN index when
// available, falling back to a full scan over stored embeddings.
func (s *Store) SearchByVector(queryEmb []float64, topK int) ([]SearchResult, error) {
	if len(queryEmb) == 0 || topK <= 0 {
		return nil, nil
	}

	if s.vecAvailable && s.vecDim == len(queryEmb) {
		results, err := s.vecKNN(queryEmb, topK)
		if err == nil {
			return results, nil
		}
		logging.Debug("store", "vec KNN failed, falling back to scan: %v", err)
	}

	return s.vectorScan(queryEmb, topK)
}

func (s *Store) vecKNN(queryEmb []float64, topK int) ([]SearchResult, error) {
	serialized, err := sqlite_vec.SerializeFloat32(normalizeFloat32(float64ToFloat32(queryEmb)))
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`
		SELECT key, distance FROM entry_vec
		WHERE embedding MATCH ? AND k = ?
		ORDER BY distance`, serialized, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var key string
		var dist float64
		if err := rows.Scan(&key, &dist); err != nil {
			return nil, err
		}
		out = append(out, SearchResult{Key: key, Score: l2ToCosineSim(dist)})
	}
	return out, rows.Err()
}

func (s *Store) vectorScan(queryEmb []float64, topK int) ([]SearchResult, error) {
	rows, err := s.db.Query(`SELECT key, embedding FROM entries WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var key string
		var embBytes []byte
		if err := rows.Scan(&key, &embBytes); err != nil {
			continue
		}
		var emb []float64
		if err := json.Unmarshal(embBytes, &emb); err != nil {
			continue
		}
		out = append(out, SearchResult{Key: key, Score: cosineSim(queryEmb, emb)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, rows.Err()
}

// SearchByKeyword tokenizes the query, runs an FTS5 prefix search, and
// augments the query terms with near-miss vocabulary from the fuzzy cache
// so misspellings still land. topK bounds the result count.
func (s *Store) SearchByKeyword(query string, topK int) ([]SearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	terms = s.expandFuzzy(terms)

	if s.ftsAvailable {
		results, err := s.ftsSearch(terms, topK)
		if err == nil {
			return results, nil
		}
		logging.Debug("store", "fts search failed, falling back to scan: %v", err)
	}
	return s.keywordScan(terms, topK)
}

func (s *Store) ftsSearch(terms []string, topK int) ([]SearchResult, error) {
	// OR of prefix-quoted terms: "chat"* OR "cade"*
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = fmt.Sprintf(`"%s"*`, strings.ReplaceAll(t, `"`, `""`))
	}
	match := strings.Join(parts, " OR ")

	rows, err := s.db.Query(`
		SELECT key, bm25(entry_fts) FROM entry_fts
		WHERE entry_fts MATCH ?
		ORDER BY bm25(entry_fts)
		LIMIT ?`, match, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var key string
		var rank float64
		if err := rows.Scan(&key, &rank); err != nil {
			return nil, err
		}
		// bm25 is negative-better; flip to positive-better.
		out = append(out, SearchResult{Key: key, Score: -rank})
	}
	return out, rows.Err()
}

// keywordScan is the degraded path when FTS5 is unavailable: count term
// prefix hits across key and content.
func (s *Store) keywordScan(terms []string, topK int) ([]SearchResult, error) {
	rows, err := s.db.Query(`SELECT key, content FROM entries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			continue
		}
		haystack := tokenize(key + " " + content)
		var hits int
		for _, term := range terms {
			for _, w := range haystack {
				if strings.HasPrefix(w, term) {
					hits++
					break
				}
			}
		}
		if hits > 0 {
			out = append(out, SearchResult{Key: key, Score: float64(hits)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, rows.Err()
}

// HybridSearch blends vector and keyword search: each channel's scores are
// normalized to [0,1] by its own max, then combined 0.6 vector + 0.4
// keyword. When no embedder is wired or embedding the query fails, the
// search degrades to keyword-only rather than erroring.
func (s *Store) HybridSearch(query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		return nil, nil
	}

	kwResults, kwErr := s.SearchByKeyword(query, topK*2)

	var vecResults []SearchResult
	if s.embedder != nil {
		queryEmb, err := s.embedder.Embed(query)
		if err != nil {
			logging.Info("store", "query embedding failed, keyword-only search: %v", err)
		} else {
			vecResults, err = s.SearchByVector(queryEmb, topK*2)
			if err != nil {
				logging.Debug("store", "vector search failed: %v", err)
			}
		}
	}

	if len(vecResults) == 0 {
		if kwErr != nil {
			return nil, kwErr
		}
		if len(kwResults) > topK {
			kwResults = kwResults[:topK]
		}
		return kwResults, nil
	}

	combined := make(map[string]float64)
	for _, r := range normalizeScores(vecResults) {
		combined[r.Key] += 0.6 * r.Score
	}
	for _, r := range normalizeScores(kwResults) {
		combined[r.Key] += 0.4 * r.Score
	}

	out := make([]SearchResult, 0, len(combined))
	for key, score := range combined {
		out = append(out, SearchResult{Key: key, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// normalizeScores scales scores so the best result is 1.0. Empty and
// all-zero inputs pass through.
func normalizeScores(results []SearchResult) []SearchResult {
	var max float64
	for _, r := range results {
		if r.Score > max {
			max = r.Score
		}
	}
	if max == 0 {
		return results
	}
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = SearchResult{Key: r.Key, Score: r.Score / max}
	}
	return out
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
