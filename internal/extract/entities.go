// Package extract pulls candidate entity mentions out of exchange text.
// The gate uses them to decide whether an exchange carries anything worth
// remembering; the RAG stage seeds its searches with them.
package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// Candidate is one entity mention found in text.
type Candidate struct {
	Name       string
	Label      string // OntoNotes label: PERSON, ORG, GPE, DATE, ...
	Confidence float64
}

// Extractor wraps prose NER.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// substantiveLabels are entity kinds that suggest memorable content.
// Cardinal/ordinal numbers and percentages alone rarely do.
var substantiveLabels = map[string]bool{
	"PERSON":      true,
	"ORG":         true,
	"GPE":         true,
	"LOC":         true,
	"FAC":         true,
	"PRODUCT":     true,
	"EVENT":       true,
	"WORK_OF_ART": true,
	"NORP":        true,
	"DATE":        true,
	"LANGUAGE":    true,
}

// Extract returns all entity mentions in the text.
func (e *Extractor) Extract(text string) []Candidate {
	doc, err := prose.NewDocument(text)
	if err != nil {
		return nil
	}

	var out []Candidate
	for _, ent := range doc.Entities() {
		out = append(out, Candidate{
			Name:       ent.Text,
			Label:      strings.ToUpper(ent.Label),
			Confidence: ent.Confidence,
		})
	}
	return out
}

// Substantive returns entity mentions whose kind suggests memorable
// content, deduplicated case-insensitively.
func (e *Extractor) Substantive(text string) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, c := range e.Extract(text) {
		if !substantiveLabels[c.Label] {
			continue
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

// Names returns just the names of substantive entities.
func (e *Extractor) Names(text string) []string {
	cands := e.Substantive(text)
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.Name
	}
	return names
}
