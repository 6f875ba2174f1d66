// Package reconcile merges local and cloud listings into one view with at most one
// record per canonical key.
package reconcile

import (
	"errors"
	"fmt"

	"github.com/mdreader/mdsync/internal/apperrors"
	"github.com/mdreader/mdsync/internal/identity"
)

// Source names the listing a record came from.
type Source string

// Listing sources.
const (
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
)

// Violation reports a record dropped because its key was already taken inside the same listing.
type Violation struct {
	Key    string
	Source Source
	// Index is the position of the dropped record in its listing.
	Index int
}

// Error implements the error interface.
func (v Violation) Error() string {
	return fmt.Sprintf("duplicate key %q in %s listing at index %d", v.Key, v.Source, v.Index)
}

// Unwrap lets callers match violations against apperrors.ErrDuplicateKey.
func (v Violation) Unwrap() error {
	return apperrors.ErrDuplicateKey
}

// Result is a merged listing plus the violations found while building it.
type Result[T any] struct {
	Items      []T
	Violations []Violation
}

// Err returns the violations as one error, or nil when there are none.
func (r Result[T]) Err() error {
	if len(r.Violations) == 0 {
		return nil
	}
	errs := make([]error, len(r.Violations))
	for i := range r.Violations {
		errs[i] = r.Violations[i]
	}
	return errors.Join(errs...)
}

// MergeFunc combines the local and cloud copies of the same record.
type MergeFunc[T any] func(local, cloud T) T

// Merge seeds the result with the local listing and overlays the cloud listing on it.
// Cloud records whose key is already present are merged into the local record; the
// rest are appended in cloud order. A key repeated within one listing keeps its first
// occurrence and is reported as a violation. Merge never mutates its inputs.
func Merge[T identity.Identified](local, cloud []T, merge MergeFunc[T]) Result[T] {
	res := Result[T]{Items: make([]T, 0, len(local)+len(cloud))}
	index := make(map[string]int, len(local)+len(cloud))

	for i, item := range local {
		key := identity.KeyOf(item)
		if _, dup := index[key]; dup {
			res.Violations = append(res.Violations, Violation{Key: key, Source: SourceLocal, Index: i})
			continue
		}
		index[key] = len(res.Items)
		res.Items = append(res.Items, item)
	}

	seenCloud := make(map[string]struct{}, len(cloud))
	for i, item := range cloud {
		key := identity.KeyOf(item)
		if _, dup := seenCloud[key]; dup {
			res.Violations = append(res.Violations, Violation{Key: key, Source: SourceCloud, Index: i})
			continue
		}
		seenCloud[key] = struct{}{}

		if pos, ok := index[key]; ok {
			res.Items[pos] = merge(res.Items[pos], item)
			continue
		}
		index[key] = len(res.Items)
		res.Items = append(res.Items, item)
	}

	return res
}
