package store

import "time"

// Category partitions entries by what kind of fact they hold.
type Category string

const (
	CategoryUser        Category = "user"
	CategoryPreferences Category = "preferences"
	CategoryGoals       Category = "goals"
	CategoryFacts       Category = "facts"
	CategoryProjects    Category = "projects"
	CategoryPeople      Category = "people"
	CategoryTimeline    Category = "timeline"
)

// Categories lists all valid categories in document order.
var Categories = []Category{
	CategoryUser, CategoryPreferences, CategoryGoals, CategoryFacts,
	CategoryProjects, CategoryPeople, CategoryTimeline,
}

// ValidCategory reports whether c is a known category.
func ValidCategory(c Category) bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Status tracks an entry's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusPaused    Status = "paused"
	StatusStale     Status = "stale"
)

// OriginType records how an entry entered the store.
type OriginType string

const (
	OriginUserStatement OriginType = "user_statement" // user said it outright
	OriginConversation  OriginType = "conversation"   // stated during conversation
	OriginInferred      OriginType = "inferred"       // deduced, never stated
)

// RelationType is the kind of directed edge between two entries.
type RelationType string

const (
	RelInvolves  RelationType = "involves"
	RelPartOf    RelationType = "part_of"
	RelRelatedTo RelationType = "related_to"
	RelDependsOn RelationType = "depends_on"
)

// ValidRelationType reports whether t is a known relation type.
func ValidRelationType(t RelationType) bool {
	switch t {
	case RelInvolves, RelPartOf, RelRelatedTo, RelDependsOn:
		return true
	}
	return false
}

// Entry is one fact/person/project record. Content is a current-state
// snapshot, replaced wholesale on update, never a history.
type Entry struct {
	ID            int64      `json:"id"`
	Category      Category   `json:"category"`
	Key           string     `json:"key"`
	Content       string     `json:"content"`
	Status        Status     `json:"status"`
	MentionCount  int        `json:"mention_count"`
	LastMentioned time.Time  `json:"last_mentioned"`
	CreatedAt     time.Time  `json:"created_at"`
	OriginType    OriginType `json:"origin_type"`
	OriginSummary string     `json:"origin_summary,omitempty"`

	Embedding      []float64 `json:"embedding,omitempty"`
	EmbeddingText  string    `json:"embedding_text,omitempty"`
	EmbeddingDirty bool      `json:"embedding_dirty"`
}

// Score ranks an entry by how often and how recently it was mentioned:
// mention_count / (days_since_last_mentioned + 1).
func (e *Entry) Score(now time.Time) float64 {
	days := now.Sub(e.LastMentioned).Hours() / 24
	if days < 0 {
		days = 0
	}
	return float64(e.MentionCount) / (days + 1)
}

// Relation is a directed typed edge between two entries.
type Relation struct {
	SourceKey string       `json:"source_key"`
	TargetKey string       `json:"target_key"`
	Type      RelationType `json:"type"`
	CreatedAt time.Time    `json:"created_at,omitempty"`
}

// SearchResult is one hit from a search channel, with a score whose scale
// depends on the channel (cosine similarity, BM25-derived, fuzzy ratio).
// HybridSearch normalizes per channel before blending.
type SearchResult struct {
	Key   string
	Score float64
}
