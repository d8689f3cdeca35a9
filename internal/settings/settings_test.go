package settings

import (
	"testing"
)

func TestDefaultsWhenMissing(t *testing.T) {
	s := Open(t.TempDir())
	if s.Get() != DefaultLimits() {
		t.Errorf("got %+v, want defaults", s.Get())
	}
}

func TestSetClampsAndPersists(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)

	stored, err := s.Set(Limits{CategoryCap: 500, RelationDepth: -3, TimelineWindowDays: 30})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if stored.CategoryCap != 50 {
		t.Errorf("CategoryCap = %d, want clamped to 50", stored.CategoryCap)
	}
	if stored.RelationDepth != 0 {
		t.Errorf("RelationDepth = %d, want clamped to 0", stored.RelationDepth)
	}
	if stored.TimelineWindowDays != 30 {
		t.Errorf("TimelineWindowDays = %d, want 30 unchanged", stored.TimelineWindowDays)
	}

	// Reopen sees the persisted value.
	s2 := Open(dir)
	if s2.Get() != stored {
		t.Errorf("reopened limits = %+v, want %+v", s2.Get(), stored)
	}
}

func TestReset(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	if _, err := s.Set(Limits{CategoryCap: 5, RelationDepth: 2, TimelineWindowDays: 7}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if s.Get() != DefaultLimits() {
		t.Errorf("after reset = %+v", s.Get())
	}
	if Open(dir).Get() != DefaultLimits() {
		t.Error("reset did not remove persisted file")
	}
}
