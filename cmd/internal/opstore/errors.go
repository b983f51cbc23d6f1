package opstore

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a point lookup or single-record removal
	// targets a record that does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrEmptyFilter is returned when a bulk removal is attempted with a
	// filter that constrains nothing.
	ErrEmptyFilter = errors.New("empty grant filter")

	// ErrConflict is the sentinel wrapped by ConflictError. Callers should
	// usually match with errors.As against *ConflictError to learn which
	// handles lost the race.
	ErrConflict = errors.New("concurrent removal detected")
)

// ConflictError reports that a batch deletion found one or more of its
// targets already gone, removed by another actor after they were read.
// The store commits nothing in that case; Keys lists the missing handles
// so the caller can drop them and retry the remainder.
type ConflictError struct {
	Keys []string
}

func (e *ConflictError) Error() string {
	if e == nil || len(e.Keys) == 0 {
		return ErrConflict.Error()
	}
	if len(e.Keys) == 1 {
		return fmt.Sprintf("%s: 1 record", ErrConflict.Error())
	}
	return fmt.Sprintf("%s: %d records", ErrConflict.Error(), len(e.Keys))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// conflictKeySet is a lookup helper used by backends when partitioning a
// requested batch into present and missing handles.
func conflictKeySet(requested []string, found map[string]struct{}) []string {
	missing := make([]string, 0, len(requested))
	for _, k := range requested {
		if _, ok := found[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// dedupeKeys returns keys with duplicates and blank entries removed,
// preserving first-seen order. Batch deletes treat a repeated handle as
// one target.
func dedupeKeys(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
