// Package gitdiff compares repository revisions at the object level,
// producing per-file change entries with line-accurate statistics that
// match the git CLI.
//
// go-git provides object access (references, trees, blobs); the git
// binary remains the oracle for change classification and numstat. A
// pure object-model fallback covers degenerate merge cases where the CLI
// reports nothing but the trees differ.
package gitdiff

import (
	"bytes"
	"unicode/utf8"
)

// DefaultMaxBytes is the content-capture ceiling per entry (950 KiB).
const DefaultMaxBytes = 950 * 1024

// Entry statuses.
const (
	StatusAdded    = "added"
	StatusModified = "modified"
	StatusDeleted  = "deleted"
	StatusRenamed  = "renamed"
)

// DiffEntry describes one changed file between two revisions. Field
// names on the wire match the original engine so existing consumers can
// decode either.
type DiffEntry struct {
	FilePath       string  `json:"filePath"`
	OldPath        *string `json:"oldPath,omitempty"`
	Status         string  `json:"status"`
	Additions      int     `json:"additions"`
	Deletions      int     `json:"deletions"`
	IsBinary       bool    `json:"isBinary"`
	OldSize        *int    `json:"oldSize,omitempty"`
	NewSize        *int    `json:"newSize,omitempty"`
	OldContent     *string `json:"oldContent,omitempty"`
	NewContent     *string `json:"newContent,omitempty"`
	ContentOmitted bool    `json:"contentOmitted"`
}

// DiffRefsOptions selects the revisions and repository for DiffRefs.
type DiffRefsOptions struct {
	Ref1 string `json:"ref1"`
	Ref2 string `json:"ref2"`
	// RepoFullName builds a GitHub URL when RepoURL is empty.
	RepoFullName string `json:"repoFullName,omitempty"`
	RepoURL      string `json:"repoUrl,omitempty"`
	// OriginPathOverride skips URL resolution and uses a local path.
	OriginPathOverride string `json:"originPathOverride,omitempty"`
	// IncludeContents defaults to true when nil.
	IncludeContents *bool `json:"includeContents,omitempty"`
	// MaxBytes defaults to DefaultMaxBytes when zero.
	MaxBytes int `json:"maxBytes,omitempty"`
}

func (o *DiffRefsOptions) includeContents() bool {
	return o.IncludeContents == nil || *o.IncludeContents
}

func (o *DiffRefsOptions) maxBytes() int {
	if o.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return o.MaxBytes
}

// DiffWorkspaceOptions selects the worktree for DiffWorkspace.
type DiffWorkspaceOptions struct {
	WorktreePath string `json:"worktreePath"`
	// IncludeContents defaults to true when nil.
	IncludeContents *bool `json:"includeContents,omitempty"`
	// MaxBytes defaults to DefaultMaxBytes when zero.
	MaxBytes int `json:"maxBytes,omitempty"`
}

func (o *DiffWorkspaceOptions) includeContents() bool {
	return o.IncludeContents == nil || *o.IncludeContents
}

func (o *DiffWorkspaceOptions) maxBytes() int {
	if o.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return o.MaxBytes
}

// isBinaryData reports whether blob content should be treated as binary:
// any NUL byte, or bytes that are not valid UTF-8. Applied in addition
// to the numstat indicator; the union wins.
func isBinaryData(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0 || !utf8.Valid(data)
}

func ptr[T any](v T) *T { return &v }
