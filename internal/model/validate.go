package model

import (
	"fmt"
	"regexp"
	"unicode/utf8"

	"github.com/mdreader/mdsync/internal/apperrors"
)

// Limits enforced by the cloud service. Local records are held to the same limits so
// that an offline edit can always be pushed later.
const (
	MaxWorkspaceNameLength = 100
	MaxDescriptionLength   = 500
	MaxTitleLength         = 200
	MaxContentBytes        = 10 << 20
	MaxTags                = 20
	MaxTagLength           = 50
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidID reports whether id can be used as a record id. Ids double as file names in
// the local store.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Validate checks the workspace against the service limits.
func (w Workspace) Validate() error {
	if !ValidID(w.ID) {
		return fmt.Errorf("%w: workspace id %q", apperrors.ErrInvalidInput, w.ID)
	}
	if n := utf8.RuneCountInString(w.Name); n == 0 || n > MaxWorkspaceNameLength {
		return fmt.Errorf("%w: workspace name must be 1-%d characters", apperrors.ErrInvalidInput, MaxWorkspaceNameLength)
	}
	if utf8.RuneCountInString(w.Description) > MaxDescriptionLength {
		return fmt.Errorf("%w: description exceeds %d characters", apperrors.ErrInvalidInput, MaxDescriptionLength)
	}
	if w.SyncStatus != "" && w.SyncStatus != StatusLocal && w.SyncStatus != StatusSynced {
		return fmt.Errorf("%w: workspace sync status %q", apperrors.ErrInvalidInput, w.SyncStatus)
	}
	return nil
}

// Validate checks the document against the service limits.
func (d Document) Validate() error {
	if !ValidID(d.ID) {
		return fmt.Errorf("%w: document id %q", apperrors.ErrInvalidInput, d.ID)
	}
	if d.WorkspaceID == "" {
		return fmt.Errorf("%w: document %s has no workspace", apperrors.ErrInvalidInput, d.ID)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("%w: document type %q", apperrors.ErrInvalidInput, d.Type)
	}
	if n := utf8.RuneCountInString(d.Title); n == 0 || n > MaxTitleLength {
		return fmt.Errorf("%w: title must be 1-%d characters", apperrors.ErrInvalidInput, MaxTitleLength)
	}
	if len(d.Content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d bytes", apperrors.ErrInvalidInput, MaxContentBytes)
	}
	if len(d.Tags) > MaxTags {
		return fmt.Errorf("%w: at most %d tags allowed", apperrors.ErrInvalidInput, MaxTags)
	}
	for _, tag := range d.Tags {
		if utf8.RuneCountInString(tag) > MaxTagLength {
			return fmt.Errorf("%w: tag %q exceeds %d characters", apperrors.ErrInvalidInput, tag, MaxTagLength)
		}
	}
	if d.Sync.Status != "" && !d.Sync.Status.Valid() {
		return fmt.Errorf("%w: sync status %q", apperrors.ErrInvalidInput, d.Sync.Status)
	}
	return nil
}
