package model

import "slices"

// WorkspacePatch is a partial workspace update. Nil fields are left unchanged.
type WorkspacePatch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Icon        *string `json:"icon,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p WorkspacePatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Icon == nil
}

// Apply returns a copy of w with the patch applied.
func (p WorkspacePatch) Apply(w Workspace) Workspace {
	if p.Name != nil {
		w.Name = *p.Name
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.Icon != nil {
		w.Icon = *p.Icon
	}
	return w
}

// DocumentPatch is a partial document update. Nil fields are left unchanged.
type DocumentPatch struct {
	Title       *string   `json:"title,omitempty"`
	Content     *string   `json:"content,omitempty"`
	FolderID    *string   `json:"folderId,omitempty"`
	Starred     *bool     `json:"starred,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	YjsStateB64 *string   `json:"yjsStateB64,omitempty"`
	// ExpectedYjsVersion asks the cloud to reject the write if its CRDT version moved on.
	ExpectedYjsVersion *int64 `json:"expectedYjsVersion,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p DocumentPatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.FolderID == nil &&
		p.Starred == nil && p.Tags == nil && p.YjsStateB64 == nil
}

// Apply returns a copy of d with the patch applied.
func (p DocumentPatch) Apply(d Document) Document {
	d = d.Clone()
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Content != nil {
		d.Content = *p.Content
	}
	if p.FolderID != nil {
		d.FolderID = *p.FolderID
	}
	if p.Starred != nil {
		d.Starred = *p.Starred
	}
	if p.Tags != nil {
		d.Tags = slices.Clone(*p.Tags)
	}
	if p.YjsStateB64 != nil {
		d.Sync.YjsStateB64 = *p.YjsStateB64
	}
	return d
}

// PatchFromDocument builds a patch carrying every user editable field of d.
func PatchFromDocument(d Document) DocumentPatch {
	tags := slices.Clone(d.Tags)
	patch := DocumentPatch{
		Title:    &d.Title,
		Content:  &d.Content,
		FolderID: &d.FolderID,
		Starred:  &d.Starred,
		Tags:     &tags,
	}
	if d.Sync.YjsStateB64 != "" {
		patch.YjsStateB64 = &d.Sync.YjsStateB64
	}
	return patch
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}
