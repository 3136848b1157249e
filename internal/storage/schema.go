// Package storage is couchkeep's durable substrate: the revision tree,
// attachments, local docs, and checkpoints, backed by go.etcd.io/bbolt —
// the same embedded KV engine the teacher's pkg/storage/boltdb.go layers
// cluster state on, here repurposed to host the schema spec.md §6
// describes in relational terms as a set of buckets.
package storage

import "encoding/json"

// Bucket names. Each stands in for a table from spec.md §6.
var (
	bucketDocs          = []byte("docs")          // docID -> docRow
	bucketRevs          = []byte("revs")           // sequence(big-endian) -> revRow
	bucketRevsBySortKey = []byte("revs_by_sortkey") // docID\x00sortkey -> sequence
	bucketCurrentByDoc  = []byte("current_by_doc")  // docID\x00sequence -> revID
	bucketDocsBySeq     = []byte("docs_by_seq")     // sequence(be) -> docID; doc's most recent touch
	bucketLocalDocs     = []byte("localdocs")      // docID -> localDocRow
	bucketAttachments   = []byte("attachments")    // sequence(be)\x00filename -> attachmentRow
	bucketReplicators   = []byte("replicators")    // remote id -> checkpointRow
	bucketInfo          = []byte("info")           // key -> value
	bucketViews         = []byte("views")          // viewID -> viewRow (internal/views)
	bucketMaps          = []byte("maps")           // viewID\x00sequence\x00key -> value
)

var allBuckets = [][]byte{
	bucketDocs,
	bucketRevs,
	bucketRevsBySortKey,
	bucketCurrentByDoc,
	bucketDocsBySeq,
	bucketLocalDocs,
	bucketAttachments,
	bucketReplicators,
	bucketInfo,
	bucketViews,
	bucketMaps,
}

// docRow is the persisted row for the docs bucket.
type docRow struct {
	DocID       string `json:"doc_id"`
	LastSeq     int64  `json:"last_seq"` // current key of this doc's entry in bucketDocsBySeq
}

// revRow is the persisted row for the revs bucket, keyed by global
// sequence number.
type revRow struct {
	Sequence        int64           `json:"sequence"`
	DocID           string          `json:"doc_id"`
	RevID           string          `json:"rev_id"`
	ParentSequence  *int64          `json:"parent_sequence,omitempty"`
	Current         bool            `json:"current"`
	Deleted         bool            `json:"deleted"`
	Missing         bool            `json:"missing"`
	BodyJSON        json.RawMessage `json:"body_json,omitempty"`
	HasBody         bool            `json:"has_body"`
}

// attachmentRow is the persisted row for the attachments bucket, keyed by
// (sequence, filename).
type attachmentRow struct {
	Sequence       int64  `json:"sequence"`
	Filename       string `json:"filename"`
	ContentType    string `json:"content_type"`
	Length         int64  `json:"length"`
	Encoding       string `json:"encoding"` // "" (none) or "gzip"
	EncodedLength  int64  `json:"encoded_length"`
	Revpos         int    `json:"revpos"`
	Key            []byte `json:"key"` // 20-byte SHA-1
}

// localDocRow is the persisted row for the localdocs bucket.
type localDocRow struct {
	DocID string          `json:"doc_id"`
	RevID string          `json:"rev_id"`
	Body  json.RawMessage `json:"body"`
}

// checkpointRow is the persisted row for the replicators bucket.
type checkpointRow struct {
	Remote        string `json:"remote"`
	Push          bool   `json:"push"`
	LastSequence  string `json:"last_sequence"` // JSON-encoded {"seq": ...}
}
