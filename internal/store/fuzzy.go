package store

import (
	"strings"
)

// fuzzyEntry is one vocabulary word from the corpus, cached for edit-distance
// matching against query terms.
type fuzzyEntry struct {
	word string
}

// expandFuzzy augments query terms with near-miss vocabulary words from the
// fuzzy cache: edit distance <= 1 for terms of length >= 4, <= 2 for length
// >= 8. Short terms pass through unexpanded.
func (s *Store) expandFuzzy(terms []string) []string {
	vocab := s.fuzzyVocab()
	if len(vocab) == 0 {
		return terms
	}

	seen := make(map[string]bool, len(terms))
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}

	for _, t := range terms {
		if len(t) < 4 {
			continue
		}
		maxDist := 1
		if len(t) >= 8 {
			maxDist = 2
		}
		for _, v := range vocab {
			if seen[v.word] {
				continue
			}
			// Cheap length gate before computing distance.
			if abs(len(v.word)-len(t)) > maxDist {
				continue
			}
			if levenshtein(t, v.word, maxDist) <= maxDist {
				seen[v.word] = true
				out = append(out, v.word)
			}
		}
	}
	return out
}

// fuzzyVocab returns the cached corpus vocabulary, rebuilding it if an entry
// write invalidated it. Double-checked so concurrent readers rebuild once.
func (s *Store) fuzzyVocab() []fuzzyEntry {
	s.fuzzyMu.RLock()
	cache := s.fuzzyCache
	s.fuzzyMu.RUnlock()
	if cache != nil {
		return cache
	}

	s.fuzzyMu.Lock()
	defer s.fuzzyMu.Unlock()
	if s.fuzzyCache != nil {
		return s.fuzzyCache
	}

	rows, err := s.db.Query(`SELECT key, content FROM entries`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	wordSet := make(map[string]bool)
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			continue
		}
		for _, w := range tokenize(key + " " + content) {
			if len(w) >= 3 {
				wordSet[w] = true
			}
		}
	}

	cache = make([]fuzzyEntry, 0, len(wordSet))
	for w := range wordSet {
		cache = append(cache, fuzzyEntry{word: w})
	}
	s.fuzzyCache = cache
	return cache
}

// invalidateFuzzyCache drops the vocabulary cache. Called on entry writes.
func (s *Store) invalidateFuzzyCache() {
	s.fuzzyMu.Lock()
	s.fuzzyCache = nil
	s.fuzzyMu.Unlock()
}

// levenshtein computes edit distance between a and b, bailing out early
// with maxDist+1 once the distance provably exceeds maxDist.
func levenshtein(a, b string, maxDist int) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a == b {
		return 0
	}
	la, lb := len(a), len(b)
	if abs(la-lb) > maxDist {
		return maxDist + 1
	}

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > maxDist {
			return maxDist + 1
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
