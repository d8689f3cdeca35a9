package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a get or relation references a key that does
// not exist in the store.
var ErrNotFound = errors.New("entry not found")

// RelationsError is returned by Delete when the entry still has relations.
// The caller must remove them first — link breakage is always deliberate.
type RelationsError struct {
	Key       string
	Relations []Relation
}

func (e *RelationsError) Error() string {
	parts := make([]string, 0, len(e.Relations))
	for _, r := range e.Relations {
		parts = append(parts, fmt.Sprintf("%s -[%s]-> %s", r.SourceKey, r.Type, r.TargetKey))
	}
	return fmt.Sprintf("entry %q has %d relation(s): %s", e.Key, len(e.Relations), strings.Join(parts, ", "))
}

// HasRelations reports whether err is a delete-refused RelationsError,
// returning the blocking relations if so.
func HasRelations(err error) ([]Relation, bool) {
	var re *RelationsError
	if errors.As(err, &re) {
		return re.Relations, true
	}
	return nil, false
}
