package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Record is implemented by every synchronized entity.
type Record interface {
	RecordID() string
}

// NewID returns a client generated identifier usable before any
// persistence call succeeds.
func NewID() string {
	return uuid.NewString()
}

// ValidID reports whether id is a well-formed identifier.
func ValidID(id string) bool {
	return strings.TrimSpace(id) != "" && strings.TrimSpace(id) == id
}

// Dedupe keeps the first occurrence of every id and preserves order.
func Dedupe[T Record](records []T) []T {
	seen := make(map[string]struct{}, len(records))
	out := make([]T, 0, len(records))
	for _, r := range records {
		id := r.RecordID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, r)
	}
	return out
}

// MergeByID returns primary followed by every record of secondary whose id
// does not appear in primary. Ids present in both keep the primary copy.
func MergeByID[T Record](primary, secondary []T) []T {
	merged := Dedupe(primary)
	seen := make(map[string]struct{}, len(merged)+len(secondary))
	for _, r := range merged {
		seen[r.RecordID()] = struct{}{}
	}
	for _, r := range secondary {
		id := r.RecordID()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		merged = append(merged, r)
	}
	return merged
}

// IDs returns the ids of records in order.
func IDs[T Record](records []T) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.RecordID()
	}
	return out
}
