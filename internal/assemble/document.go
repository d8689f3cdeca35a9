// Package assemble renders the entry store into the context document the
// assistant reads before every turn: user facts inlined, each category
// showing its top-scored entries with related entries nested beneath, the
// timeline as a chronological window.
package assemble

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/softsense/memoir/internal/logging"
	"github.com/softsense/memoir/internal/settings"
	"github.com/softsense/memoir/internal/store"
)

var categoryHeadings = map[store.Category]string{
	store.CategoryUser:        "About the user",
	store.CategoryPreferences: "Preferences",
	store.CategoryGoals:       "Goals",
	store.CategoryFacts:       "Facts",
	store.CategoryProjects:    "Projects",
	store.CategoryPeople:      "People",
	store.CategoryTimeline:    "Timeline",
}

// Assembler renders documents from a store.
type Assembler struct {
	store   *store.Store
	docPath string
}

func New(s *store.Store, statePath string) *Assembler {
	return &Assembler{
		store:   s,
		docPath: filepath.Join(statePath, "context.md"),
	}
}

// DocumentPath returns where the rendered document lives.
func (a *Assembler) DocumentPath() string {
	return a.docPath
}

// Render builds the document text. Every key appears at most once in the
// whole document, no matter how many relation paths reach it.
func (a *Assembler) Render(limits settings.Limits) (string, error) {
	var sb strings.Builder
	sb.WriteString("# What I know\n")

	placed := make(map[string]bool)

	for _, cat := range store.Categories {
		var section string
		var err error
		switch cat {
		case store.CategoryUser:
			section, err = a.renderUser(placed)
		case store.CategoryTimeline:
			section, err = a.renderTimeline(limits, placed)
		default:
			section, err = a.renderCategory(cat, limits, placed)
		}
		if err != nil {
			return "", fmt.Errorf("render %s: %w", cat, err)
		}
		if section == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n## %s\n%s", categoryHeadings[cat], section)
	}

	return sb.String(), nil
}

// renderUser inlines every active user entry with no relation expansion.
func (a *Assembler) renderUser(placed map[string]bool) (string, error) {
	entries, err := a.store.ListCategory(store.CategoryUser, 100, true)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, e := range entries {
		placed[e.Key] = true
		fmt.Fprintf(&sb, "- %s\n", e.Content)
	}
	return sb.String(), nil
}

// renderCategory lists the top-scored active entries and nests each one's
// related entries breadth-first up to the relation depth cap. Keys already
// placed anywhere in the document are skipped.
func (a *Assembler) renderCategory(cat store.Category, limits settings.Limits, placed map[string]bool) (string, error) {
	entries, err := a.store.ListCategory(cat, limits.CategoryCap, true)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, e := range entries {
		if placed[e.Key] {
			continue
		}
		placed[e.Key] = true
		fmt.Fprintf(&sb, "- **%s**: %s%s\n", e.Key, e.Content, statusSuffix(e.Status))

		a.renderRelated(&sb, e.Key, 1, limits.RelationDepth, placed)
	}
	return sb.String(), nil
}

// renderRelated walks the relation graph breadth-first from key, nesting
// each newly seen entry one indent level per hop. The placed set doubles
// as the visited set, so cycles terminate.
func (a *Assembler) renderRelated(sb *strings.Builder, key string, depth, maxDepth int, placed map[string]bool) {
	if depth > maxDepth {
		return
	}
	related, err := a.store.RelatedKeys(key)
	if err != nil {
		logging.Debug("assemble", "related keys for %s: %v", key, err)
		return
	}
	sort.Strings(related)

	indent := strings.Repeat("  ", depth)
	var next []string
	for _, rk := range related {
		if placed[rk] {
			continue
		}
		re, err := a.store.Get(rk)
		if err != nil {
			continue
		}
		placed[rk] = true
		fmt.Fprintf(sb, "%s- %s: %s%s\n", indent, re.Key, re.Content, statusSuffix(re.Status))
		next = append(next, rk)
	}
	for _, rk := range next {
		a.renderRelated(sb, rk, depth+1, maxDepth, placed)
	}
}

// renderTimeline lists active timeline entries mentioned within the ±day
// window, oldest first, with no relation expansion.
func (a *Assembler) renderTimeline(limits settings.Limits, placed map[string]bool) (string, error) {
	entries, err := a.store.ListCategory(store.CategoryTimeline, 500, true)
	if err != nil {
		return "", err
	}

	now := time.Now()
	window := time.Duration(limits.TimelineWindowDays) * 24 * time.Hour

	var inWindow []*store.Entry
	for _, e := range entries {
		if placed[e.Key] {
			continue
		}
		d := now.Sub(e.LastMentioned)
		if d < 0 {
			d = -d
		}
		if d <= window {
			inWindow = append(inWindow, e)
		}
	}
	sort.Slice(inWindow, func(i, j int) bool {
		return inWindow[i].LastMentioned.Before(inWindow[j].LastMentioned)
	})

	var sb strings.Builder
	for _, e := range inWindow {
		placed[e.Key] = true
		fmt.Fprintf(&sb, "- %s — %s: %s\n", e.LastMentioned.Format("Jan 2"), e.Key, e.Content)
	}
	return sb.String(), nil
}

func statusSuffix(s store.Status) string {
	if s == store.StatusActive {
		return ""
	}
	return fmt.Sprintf(" _(%s)_", s)
}

// WriteDocument renders and atomically replaces the on-disk document.
func (a *Assembler) WriteDocument(limits settings.Limits) error {
	doc, err := a.Render(limits)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.docPath), 0755); err != nil {
		return err
	}
	tmp := a.docPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	if err := os.Rename(tmp, a.docPath); err != nil {
		return fmt.Errorf("replace document: %w", err)
	}
	logging.Debug("assemble", "document regenerated (%d bytes)", len(doc))
	return nil
}

// ReadDocument returns the current on-disk document, or "" if none exists.
func (a *Assembler) ReadDocument() string {
	data, err := os.ReadFile(a.docPath)
	if err != nil {
		return ""
	}
	return string(data)
}
