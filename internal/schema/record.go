package schema

import (
	"time"
)

// ProviderType identifies the kind of external system a link points to.
type ProviderType string

const (
	// ProviderGitLab is a GitLab-compatible REST API.
	ProviderGitLab ProviderType = "gitlab"
)

// ObjectKind names one identifier group inside a link's keys.
type ObjectKind string

const (
	KindUser         ObjectKind = "user"
	KindProject      ObjectKind = "project"
	KindIssue        ObjectKind = "issue"
	KindMergeRequest ObjectKind = "merge_request"
	KindCommit       ObjectKind = "commit"
	KindNote         ObjectKind = "note"
)

// ObjectKinds lists every kind a link may carry.
var ObjectKinds = []ObjectKind{
	KindUser, KindProject, KindIssue, KindMergeRequest, KindCommit, KindNote,
}

// Valid reports whether k is a known object kind.
func (k ObjectKind) Valid() bool {
	for _, known := range ObjectKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Record is the base shape shared by every canonical row.
type Record struct {
	ID      int64 `json:"id"`
	GN      int64 `json:"gn"`
	Deleted bool  `json:"deleted"`

	Links    Links    `json:"external,omitempty"`
	Exchange Exchange `json:"exchange,omitempty"`

	ImportTime *time.Time `json:"itime,omitempty"`
	ExportTime *time.Time `json:"etime,omitempty"`

	CTime time.Time `json:"ctime"`
	MTime time.Time `json:"mtime"`
}

// Recorder is implemented by every row that embeds Record.
type Recorder interface {
	Base() *Record
}

// Base returns the embedded record. Rows embedding Record satisfy Recorder
// through this promoted method.
func (r *Record) Base() *Record {
	return r
}

// MarkImported sets the import timestamp.
func (r *Record) MarkImported(t time.Time) {
	r.ImportTime = &t
}

// MarkExported sets the export timestamp.
func (r *Record) MarkExported(t time.Time) {
	r.ExportTime = &t
}
