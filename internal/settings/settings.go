// Package settings persists the user-adjustable injection limits used by
// the context assembler.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/softsense/memoir/internal/logging"
)

// Limits controls how much of the store the assembler injects.
type Limits struct {
	// CategoryCap is the max top-scored entries rendered per category.
	CategoryCap int `json:"category_cap"`
	// RelationDepth is how many relation hops to expand under each entry.
	RelationDepth int `json:"relation_depth"`
	// TimelineWindowDays bounds the timeline category to entries whose
	// last mention falls within ±N days of now.
	TimelineWindowDays int `json:"timeline_window_days"`
}

// bounds is the allowed [min,max] for one field. Out-of-range values are
// clamped, not rejected, so a fat-fingered setting can't blank the document.
type bounds struct{ min, max int }

var (
	categoryCapBounds   = bounds{1, 50}
	relationDepthBounds = bounds{0, 4}
	timelineBounds      = bounds{1, 90}
)

// DefaultLimits returns the built-in injection limits.
func DefaultLimits() Limits {
	return Limits{
		CategoryCap:        10,
		RelationDepth:      1,
		TimelineWindowDays: 14,
	}
}

// Clamp forces every field into its allowed range.
func (l Limits) Clamp() Limits {
	l.CategoryCap = clamp(l.CategoryCap, categoryCapBounds)
	l.RelationDepth = clamp(l.RelationDepth, relationDepthBounds)
	l.TimelineWindowDays = clamp(l.TimelineWindowDays, timelineBounds)
	return l
}

func clamp(v int, b bounds) int {
	if v < b.min {
		return b.min
	}
	if v > b.max {
		return b.max
	}
	return v
}

// Store persists Limits as a small JSON document.
type Store struct {
	mu   sync.Mutex
	path string
	cur  Limits
}

// Open loads limits from statePath, falling back to defaults when the file
// is missing or unreadable.
func Open(statePath string) *Store {
	s := &Store{
		path: filepath.Join(statePath, "system", "settings.json"),
		cur:  DefaultLimits(),
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Info("settings", "read failed, using defaults: %v", err)
		}
		return s
	}
	var l Limits
	if err := json.Unmarshal(data, &l); err != nil {
		logging.Info("settings", "parse failed, using defaults: %v", err)
		return s
	}
	s.cur = l.Clamp()
	return s
}

// Get returns the current limits.
func (s *Store) Get() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set clamps, persists, and applies new limits. Returns the clamped value
// actually stored.
func (s *Store) Set(l Limits) (Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	clamped := l.Clamp()
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return clamped, fmt.Errorf("create settings dir: %w", err)
	}
	data, err := json.MarshalIndent(clamped, "", "  ")
	if err != nil {
		return clamped, err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return clamped, fmt.Errorf("write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return clamped, fmt.Errorf("rename settings: %w", err)
	}
	s.cur = clamped
	logging.Debug("settings", "limits updated: %+v", clamped)
	return clamped, nil
}

// Reset restores defaults and removes the persisted file.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = DefaultLimits()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
