package storage

import (
	"encoding/json"

	"github.com/couchkeep/couchkeep/internal/blob"
)

// Revision is the public representation of a revision-tree node
// (spec.md §3).
type Revision struct {
	DocID          string
	RevID          string
	Deleted        bool
	Sequence       int64
	ParentSequence *int64
	Current        bool
	Missing        bool
	Body           json.RawMessage // nil for tombstones and compacted ancestors
	Attachments    []Attachment
}

// Attachment is the public representation of an attachment row
// (spec.md §3).
type Attachment struct {
	Filename      string
	ContentType   string
	Length        int64
	Encoding      string
	EncodedLength int64
	Revpos        int
	Key           blob.Key
}

func (r revRow) toRevision() Revision {
	return Revision{
		DocID:          r.DocID,
		RevID:          r.RevID,
		Deleted:        r.Deleted,
		Sequence:       r.Sequence,
		ParentSequence: r.ParentSequence,
		Current:        r.Current,
		Missing:        r.Missing,
		Body:           r.BodyJSON,
	}
}

func (a attachmentRow) toAttachment() Attachment {
	var key blob.Key
	copy(key[:], a.Key)
	return Attachment{
		Filename:      a.Filename,
		ContentType:   a.ContentType,
		Length:        a.Length,
		Encoding:      a.Encoding,
		EncodedLength: a.EncodedLength,
		Revpos:        a.Revpos,
		Key:           key,
	}
}

// GetOptions controls Get's attachment inclusion.
type GetOptions struct {
	IncludeAttachments bool
}

// ChangesOptions controls ChangesSince's output.
type ChangesOptions struct {
	IncludeConflicts bool
	IncludeBody      bool
	Filter           func(Revision) bool
}

// AllDocsOptions controls AllDocs' pagination/selection.
type AllDocsOptions struct {
	Offset     int
	Limit      int // 0 means unlimited
	Descending bool
	StartKey   string
	EndKey     string
	Keys       []string // explicit id list; empty means full scan
}

// AllDocsRow is one row of an AllDocs result; Error is set (and
// Revision zero) when an explicit key in Keys was not found.
type AllDocsRow struct {
	DocID    string
	Revision Revision
	Error    string // "not_found" when the requested doc id doesn't exist
}
