// Package identity derives the canonical key that ties a local record to its cloud copy.
//
// A record that has been pushed carries both its original local id and the id the
// cloud assigned to it. The canonical key is the cloud id when one is known and the
// local id otherwise, so {id: A, cloudId: B} and {id: B} resolve to the same key.
package identity

// Identified is implemented by anything that carries a local id and an optional cloud id.
type Identified interface {
	Identity() (id, cloudID string)
}

// Key returns the canonical key for an (id, cloudID) pair.
func Key(id, cloudID string) string {
	if cloudID != "" {
		return cloudID
	}
	return id
}

// KeyOf returns the canonical key of an identified record.
func KeyOf(e Identified) string {
	return Key(e.Identity())
}

// Same reports whether two records refer to the same logical entity.
func Same(a, b Identified) bool {
	return KeyOf(a) == KeyOf(b)
}

// Matches reports whether ref names the record, either by local id, cloud id or key.
// It is used to resolve user-supplied references that may predate a cloud link.
func Matches(e Identified, ref string) bool {
	if ref == "" {
		return false
	}
	id, cloudID := e.Identity()
	return ref == id || (cloudID != "" && ref == cloudID)
}
