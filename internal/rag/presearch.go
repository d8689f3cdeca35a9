package rag

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/store"
)

// Generator produces text completions for query reformulation. Implemented
// by embedding.Client.
type Generator interface {
	Generate(prompt string) (string, error)
}

const (
	// preSearchTopK entries go into one pre-search result.
	preSearchTopK = 5
	// qualityThreshold below which the initial search is considered weak
	// and reformulation kicks in.
	qualityThreshold = 0.35
	// maxReformulations caps how many alternate queries we try.
	maxReformulations = 3
)

// PreSearcher runs the synchronous retrieval path: one hybrid search over
// the raw message, with LLM query reformulation as a fallback when the
// direct search comes back weak.
type PreSearcher struct {
	store *store.Store
	gen   Generator
}

func NewPreSearcher(s *store.Store, gen Generator) *PreSearcher {
	return &PreSearcher{store: s, gen: gen}
}

// Run searches the store for entries relevant to rawText and renders them
// as a short text block, or "" when nothing relevant was found. Best-effort:
// all failures degrade to weaker results rather than erroring.
func (p *PreSearcher) Run(rawText string) string {
	rawText = strings.TrimSpace(rawText)
	if rawText == "" {
		return ""
	}

	results, err := p.store.HybridSearch(rawText, preSearchTopK)
	if err != nil {
		logging.Info("presearch", "search failed: %v", err)
		return ""
	}

	if len(results) == 0 || results[0].Score < qualityThreshold {
		if merged := p.reformulateAndSearch(rawText); len(merged) > 0 {
			results = merged
		}
	}

	if len(results) == 0 {
		return ""
	}
	return p.render(results)
}

// reformulateAndSearch asks the generation model for alternate phrasings,
// runs them in parallel, and merges by max score per key.
func (p *PreSearcher) reformulateAndSearch(rawText string) []store.SearchResult {
	if p.gen == nil {
		return nil
	}

	prompt := fmt.Sprintf(`Rephrase the following message as %d short search queries that could find related personal notes. One query per line, no numbering, no commentary.

Message: %s`, maxReformulations, rawText)

	out, err := p.gen.Generate(prompt)
	if err != nil {
		logging.Debug("presearch", "reformulation failed: %v", err)
		return nil
	}

	var queries []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line != "" {
			queries = append(queries, line)
		}
		if len(queries) == maxReformulations {
			break
		}
	}
	if len(queries) == 0 {
		return nil
	}

	var mu sync.Mutex
	best := make(map[string]float64)
	var wg sync.WaitGroup
	for _, q := range queries {
		wg.Add(1)
		go func(query string) {
			defer wg.Done()
			results, err := p.store.HybridSearch(query, preSearchTopK)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				if r.Score > best[r.Key] {
					best[r.Key] = r.Score
				}
			}
		}(q)
	}
	wg.Wait()

	merged := make([]store.SearchResult, 0, len(best))
	for key, score := range best {
		merged = append(merged, store.SearchResult{Key: key, Score: score})
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Key < merged[j].Key
	})
	if len(merged) > preSearchTopK {
		merged = merged[:preSearchTopK]
	}
	logging.Debug("presearch", "reformulation found %d results from %d queries", len(merged), len(queries))
	return merged
}

// render formats search hits with their content and relations.
func (p *PreSearcher) render(results []store.SearchResult) string {
	var sb strings.Builder
	for _, r := range results {
		e, err := p.store.Get(r.Key)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Category, e.Key, e.Content)
		rels, err := p.store.RelationsFor(r.Key)
		if err != nil {
			continue
		}
		for _, rel := range rels {
			fmt.Fprintf(&sb, "  %s -[%s]-> %s\n", rel.SourceKey, rel.Type, rel.TargetKey)
		}
	}
	return strings.TrimSpace(sb.String())
}
