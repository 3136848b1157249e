package storage

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/blob"
	"github.com/couchkeep/couchkeep/internal/revtree"
	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// ValidateBody checks the two body-level invariants from spec.md §3: it
// must be a JSON object, and no key may start with '_' other than
// _attachments, which Put and ForceInsert consume through
// attachBodyAttachments.
func ValidateBody(body json.RawMessage) error {
	if len(body) == 0 {
		return nil // tombstones carry no body
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return storeerr.Validation("document body must be a JSON object")
	}
	for k := range m {
		if strings.HasPrefix(k, "_") && k != "_attachments" {
			return storeerr.Validation(fmt.Sprintf("document body may not contain reserved key %q", k))
		}
	}
	return nil
}

func validateDocID(docID string) error {
	if docID == "" {
		return storeerr.Validation("document id must not be empty")
	}
	if strings.HasPrefix(docID, "_") && !strings.HasPrefix(docID, "_design/") && !strings.HasPrefix(docID, "_local/") {
		return storeerr.Validation(fmt.Sprintf("document id %q may not begin with '_' except _design/ and _local/", docID))
	}
	return nil
}

// inlineAttachment is the shape of an "_attachments" entry for an inline
// (base64 "data") or stub (copied from parent) attachment reference.
type inlineAttachment struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data,omitempty"`
	Stub        bool   `json:"stub,omitempty"`
	Follows     bool   `json:"follows,omitempty"`
	Digest      string `json:"digest,omitempty"`
	Length      int64  `json:"length,omitempty"`
	Revpos      int    `json:"revpos,omitempty"`
}

func extractAttachments(body json.RawMessage) (map[string]inlineAttachment, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var wrapper struct {
		Attachments map[string]inlineAttachment `json:"_attachments"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, storeerr.Validation("malformed _attachments")
	}
	return wrapper.Attachments, nil
}

// Put validates and inserts a new revision as a child of prevRevID (or as
// a new root if prevRevID is ""), per spec.md §4.C.
func (e *Engine) Put(docID string, body json.RawMessage, prevRevID string, deleted, allowConflict bool) (Revision, error) {
	if err := e.requireOpen(); err != nil {
		return Revision{}, err
	}
	if err := validateDocID(docID); err != nil {
		return Revision{}, err
	}
	if !deleted {
		if err := ValidateBody(body); err != nil {
			return Revision{}, err
		}
	} else {
		body = nil
	}

	var result Revision
	var winner Revision
	err := e.db.Update(func(tx *bolt.Tx) error {
		if _, err := getOrCreateDoc(tx, docID); err != nil {
			return err
		}

		var parent *revRow
		if prevRevID != "" {
			pr, err := findRevision(tx, docID, prevRevID)
			if err != nil {
				return err
			}
			if !pr.Current && !allowConflict {
				return storeerr.Conflict(fmt.Sprintf("revision %s is not a leaf", prevRevID))
			}
			parent = pr
		} else {
			leaf, err := findNonDeletedLeaf(tx, docID)
			if err != nil {
				return err
			}
			if leaf != nil {
				return storeerr.Conflict("document already has a non-deleted leaf revision")
			}
		}

		var parentID *revtree.ID
		var parentSeq *int64
		if parent != nil {
			pid, err := revtree.Parse(parent.RevID)
			if err != nil {
				return err
			}
			parentID = &pid
			seq := parent.Sequence
			parentSeq = &seq
		}

		newID := revtree.NewChild(parentID, body)

		seq, err := nextSequence(tx)
		if err != nil {
			return err
		}

		row := revRow{
			Sequence:       seq,
			DocID:          docID,
			RevID:          newID.String(),
			ParentSequence: parentSeq,
			Current:        true,
			Deleted:        deleted,
			BodyJSON:       body,
			HasBody:        !deleted,
		}
		if err := putRevRow(tx, row); err != nil {
			return err
		}

		if parent != nil {
			parent.Current = false
			if err := putRevRow(tx, *parent); err != nil {
				return err
			}
			if err := removeCurrent(tx, docID, parent.Sequence); err != nil {
				return err
			}
		}
		if err := addCurrent(tx, docID, seq, newID.String()); err != nil {
			return err
		}
		if err := touchDocSeq(tx, docID, seq); err != nil {
			return err
		}

		if !deleted {
			if err := e.attachBodyAttachments(tx, docID, seq, parentSeq, newID.Generation, body); err != nil {
				return err
			}
		}

		result = row.toRevision()
		w, err := computeWinner(tx, docID)
		if err != nil {
			return err
		}
		winner = w
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	e.notify(ChangeNotification{Revision: result, Winner: winner})
	return result, nil
}

// attachBodyAttachments stores inline attachment bytes and copies stub
// attachments forward from the parent sequence, per spec.md §4.C step 6.
func (e *Engine) attachBodyAttachments(tx *bolt.Tx, docID string, seq int64, parentSeq *int64, generation int, body json.RawMessage) error {
	atts, err := extractAttachments(body)
	if err != nil {
		return err
	}
	for name, meta := range atts {
		if meta.Stub {
			if parentSeq == nil {
				return storeerr.Validation(fmt.Sprintf("attachment %q stub has no parent revision to copy from", name))
			}
			parentAtt, err := getAttachmentRow(tx, *parentSeq, name)
			if err != nil {
				return storeerr.Validation(fmt.Sprintf("attachment %q stub references unknown parent attachment", name))
			}
			parentAtt.Sequence = seq
			if err := putAttachmentRow(tx, parentAtt); err != nil {
				return err
			}
			continue
		}
		if meta.Data == "" {
			continue // follows:true attachments are handled by the multipart reader, not here
		}
		raw, err := base64.StdEncoding.DecodeString(meta.Data)
		if err != nil {
			return storeerr.Validation(fmt.Sprintf("attachment %q has invalid base64 data", name))
		}
		// Installed through tx: blobs.Store would open a second bbolt
		// write transaction and block behind this one.
		w, err := e.blobs.OpenWriter()
		if err != nil {
			return err
		}
		if err = w.Append(raw); err == nil {
			err = w.Install(tx)
		}
		if err != nil {
			w.Cancel()
			return err
		}
		key := w.Key()
		row := attachmentRow{
			Sequence:    seq,
			Filename:    name,
			ContentType: meta.ContentType,
			Length:      int64(len(raw)),
			Revpos:      generation,
			Key:         key[:],
		}
		if err := putAttachmentRow(tx, row); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the named revision, or the document's winner if revID is
// empty. If the winner (or explicitly requested revision, when it is the
// winner) is a tombstone, storeerr.ErrDeleted is returned alongside the
// revision so callers can distinguish "deleted" from "never existed".
func (e *Engine) Get(docID, revID string, opts GetOptions) (Revision, error) {
	if err := e.requireOpen(); err != nil {
		return Revision{}, err
	}
	var rev Revision
	var retErr error
	err := e.db.View(func(tx *bolt.Tx) error {
		var row *revRow
		var err error
		if revID != "" {
			row, err = findRevision(tx, docID, revID)
			if err == nil && row.Deleted {
				w, werr := computeWinner(tx, docID)
				if werr != nil {
					return werr
				}
				if w.Sequence == row.Sequence {
					retErr = storeerr.ErrDeleted
				}
			}
		} else {
			w, werr := computeWinner(tx, docID)
			if werr != nil {
				return werr
			}
			rr, lerr := getRevRow(tx, w.Sequence)
			row, err = &rr, lerr
			if row.Deleted {
				retErr = storeerr.ErrDeleted
			}
		}
		if err != nil {
			return err
		}
		rev = row.toRevision()
		if opts.IncludeAttachments {
			atts, err := listAttachments(tx, row.Sequence)
			if err != nil {
				return err
			}
			rev.Attachments = atts
		}
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	return rev, retErr
}

// Delete inserts a tombstone child of prevRevID, per spec.md §4.C.
func (e *Engine) Delete(docID, prevRevID string) (Revision, error) {
	return e.Put(docID, nil, prevRevID, true, false)
}

// DeleteByID tombstones every current non-deleted leaf of docID in a
// single transaction, per spec.md §4.C.
func (e *Engine) DeleteByID(docID string) ([]Revision, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	var tombstones []Revision
	var winner Revision
	err := e.db.Update(func(tx *bolt.Tx) error {
		leaves, err := currentLeaves(tx, docID)
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			if leaf.Deleted {
				continue
			}
			id, err := revtree.Parse(leaf.RevID)
			if err != nil {
				return err
			}
			newID := revtree.ID{Generation: id.Generation + 1, Suffix: revtree.NextSuffix(id.Suffix, nil)}
			seq, err := nextSequence(tx)
			if err != nil {
				return err
			}
			parentSeq := leaf.Sequence
			row := revRow{
				Sequence:       seq,
				DocID:          docID,
				RevID:          newID.String(),
				ParentSequence: &parentSeq,
				Current:        true,
				Deleted:        true,
			}
			if err := putRevRow(tx, row); err != nil {
				return err
			}
			leaf.Current = false
			if err := putRevRow(tx, leaf); err != nil {
				return err
			}
			if err := removeCurrent(tx, docID, leaf.Sequence); err != nil {
				return err
			}
			if err := addCurrent(tx, docID, seq, newID.String()); err != nil {
				return err
			}
			if err := touchDocSeq(tx, docID, seq); err != nil {
				return err
			}
			tombstones = append(tombstones, row.toRevision())
		}
		if len(tombstones) > 0 {
			w, err := computeWinner(tx, docID)
			if err != nil {
				return err
			}
			winner = w
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range tombstones {
		e.notify(ChangeNotification{Revision: t, Winner: winner})
	}
	return tombstones, nil
}

// ForceInsertOptions configures ForceInsert's optional validation hook.
type ForceInsertOptions struct {
	// Validate, if non-nil, may reject the insert with a Forbidden error
	// before any row is written.
	Validate func(Revision) error
}

// ForceInsert inserts rev together with its ancestor chain (history,
// newest-to-oldest, including rev's own rev id), per spec.md §4.C. It is
// idempotent: re-applying an already-present (rev, history) pair leaves
// the store unchanged and returns success.
func (e *Engine) ForceInsert(docID string, body json.RawMessage, revID string, deleted bool, history []string, source string, opts ForceInsertOptions) (Revision, error) {
	if err := e.requireOpen(); err != nil {
		return Revision{}, err
	}
	if len(history) == 0 || history[0] != revID {
		return Revision{}, storeerr.Validation("history must start with the revision being inserted")
	}
	if !deleted {
		if err := ValidateBody(body); err != nil {
			return Revision{}, err
		}
	}

	var result Revision
	var winner Revision
	var notified bool
	err := e.db.Update(func(tx *bolt.Tx) error {
		if _, err := getOrCreateDoc(tx, docID); err != nil {
			return err
		}

		if existing, err := findRevision(tx, docID, revID); err == nil {
			// Idempotent: already present.
			result = existing.toRevision()
			w, werr := computeWinner(tx, docID)
			if werr != nil {
				return werr
			}
			winner = w
			return nil
		}

		if opts.Validate != nil {
			candidate := Revision{DocID: docID, RevID: revID, Deleted: deleted, Body: body}
			if err := opts.Validate(candidate); err != nil {
				return storeerr.Forbidden(err.Error())
			}
		}

		// Walk history oldest -> newest, attaching any missing ancestors.
		var parentSeq *int64
		var prevRow *revRow
		for i := len(history) - 1; i >= 0; i-- {
			revStr := history[i]
			id, err := revtree.Parse(revStr)
			if err != nil {
				return err
			}
			if parentSeq != nil {
				if err := revtree.ValidateChildGeneration(mustParseID(prevRow.RevID), id); err != nil {
					return err
				}
			}

			existing, err := findRevision(tx, docID, revStr)
			isNewest := i == 0
			if err == nil {
				// Already present; if this is the newest node and it was a
				// stub (missing), fill in its body now.
				if isNewest && existing.Missing {
					existing.BodyJSON = body
					existing.Missing = false
					existing.Deleted = deleted
					existing.HasBody = !deleted
					if err := putRevRow(tx, *existing); err != nil {
						return err
					}
				}
				if existing.Current {
					existing.Current = false
					if err := putRevRow(tx, *existing); err != nil {
						return err
					}
					if err := removeCurrent(tx, docID, existing.Sequence); err != nil {
						return err
					}
				}
				parentSeq = &existing.Sequence
				prevRow = existing
				continue
			}

			seq, err := nextSequence(tx)
			if err != nil {
				return err
			}
			row := revRow{
				Sequence:       seq,
				DocID:          docID,
				RevID:          revStr,
				ParentSequence: parentSeq,
				Current:        false,
				Missing:        !isNewest,
			}
			if isNewest {
				row.Deleted = deleted
				row.BodyJSON = body
				row.HasBody = !deleted
			}
			if err := putRevRow(tx, row); err != nil {
				return err
			}
			parentSeq = &row.Sequence
			cp := row
			prevRow = &cp
		}

		// The newest node in the chain becomes current.
		newestSeq := *parentSeq
		newest, err := getRevRow(tx, newestSeq)
		if err != nil {
			return err
		}
		newest.Current = true
		if err := putRevRow(tx, newest); err != nil {
			return err
		}
		if err := addCurrent(tx, docID, newestSeq, newest.RevID); err != nil {
			return err
		}
		if !deleted && newest.HasBody {
			id, _ := revtree.Parse(newest.RevID)
			if err := e.attachBodyAttachments(tx, docID, newestSeq, newest.ParentSequence, id.Generation, body); err != nil {
				return err
			}
		}
		if err := touchDocSeq(tx, docID, newestSeq); err != nil {
			return err
		}

		result = newest.toRevision()
		notified = true
		w, err := computeWinner(tx, docID)
		if err != nil {
			return err
		}
		winner = w
		return nil
	})
	if err != nil {
		return Revision{}, err
	}
	if notified {
		e.notify(ChangeNotification{Revision: result, Winner: winner, Source: source})
	}
	return result, nil
}

func mustParseID(s string) *revtree.ID {
	id, err := revtree.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// RevisionHistory returns the path from rev to its root, newest first.
func (e *Engine) RevisionHistory(docID, revID string) ([]Revision, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	var out []Revision
	err := e.db.View(func(tx *bolt.Tx) error {
		row, err := findRevision(tx, docID, revID)
		if err != nil {
			return err
		}
		for row != nil {
			out = append(out, row.toRevision())
			if row.ParentSequence == nil {
				break
			}
			parent, err := getRevRow(tx, *row.ParentSequence)
			if err != nil {
				return err
			}
			row = &parent
		}
		return nil
	})
	return out, err
}

// PossibleAncestors returns ancestor candidates of revID (local
// revisions of docID that have bodies, ranked by decreasing rev id),
// used by the puller to populate atts_since.
func (e *Engine) PossibleAncestors(docID, revID string, limit int) ([]Revision, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	target, err := revtree.Parse(revID)
	if err != nil {
		return nil, err
	}
	var candidates []revRow
	err = e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRevsBySortKey).Cursor()
		prefix := []byte(docID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			seq := decodeSequenceKey(v)
			row, err := getRevRow(tx, seq)
			if err != nil {
				return err
			}
			if !row.HasBody {
				continue
			}
			id, err := revtree.Parse(row.RevID)
			if err != nil {
				continue
			}
			if revtree.Less(id, target) {
				candidates = append(candidates, row)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, _ := revtree.Parse(candidates[i].RevID)
		b, _ := revtree.Parse(candidates[j].RevID)
		return revtree.Compare(a, b) > 0
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]Revision, len(candidates))
	for i, c := range candidates {
		out[i] = c.toRevision()
	}
	return out, nil
}

// ChangesSince streams documents whose most recent revision update has
// sequence > since, ordered by that sequence, per spec.md §4.C.
func (e *Engine) ChangesSince(since int64, opts ChangesOptions) ([]Revision, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	var out []Revision
	err := e.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDocsBySeq).Cursor()
		start := sequenceKey(since + 1)
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			docID := string(v)
			leaves, err := currentLeaves(tx, docID)
			if err != nil {
				return err
			}
			if len(leaves) == 0 {
				continue
			}
			if opts.IncludeConflicts {
				for _, l := range leaves {
					rev := l.toRevision()
					if opts.Filter == nil || opts.Filter(rev) {
						out = append(out, rev)
					}
				}
				continue
			}
			winner := pickWinner(leaves)
			rev := winner.toRevision()
			if opts.Filter == nil || opts.Filter(rev) {
				out = append(out, rev)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !opts.IncludeBody {
		for i := range out {
			out[i].Body = nil
		}
	}
	return out, nil
}

// AllDocs returns the winning revision per document, supporting
// pagination and an explicit id list, per spec.md §4.C.
func (e *Engine) AllDocs(opts AllDocsOptions) ([]AllDocsRow, error) {
	if err := e.requireOpen(); err != nil {
		return nil, err
	}
	var rows []AllDocsRow
	err := e.db.View(func(tx *bolt.Tx) error {
		var ids []string
		if len(opts.Keys) > 0 {
			ids = opts.Keys
		} else {
			c := tx.Bucket(bucketDocs).Cursor()
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				id := string(k)
				if opts.StartKey != "" && id < opts.StartKey {
					continue
				}
				if opts.EndKey != "" && id > opts.EndKey {
					continue
				}
				ids = append(ids, id)
			}
			sort.Strings(ids)
			if opts.Descending {
				for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
					ids[i], ids[j] = ids[j], ids[i]
				}
			}
		}

		for _, id := range ids {
			leaves, err := currentLeaves(tx, id)
			if err != nil {
				return err
			}
			if len(leaves) == 0 {
				rows = append(rows, AllDocsRow{DocID: id, Error: "not_found"})
				continue
			}
			winner := pickWinner(leaves)
			rows = append(rows, AllDocsRow{DocID: id, Revision: winner.toRevision()})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if opts.Offset > 0 && opts.Offset < len(rows) {
		rows = rows[opts.Offset:]
	} else if opts.Offset >= len(rows) {
		rows = nil
	}
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, nil
}

// --- internal helpers ---

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func nextSequence(tx *bolt.Tx) (int64, error) {
	b := tx.Bucket(bucketRevs)
	n, err := b.NextSequence()
	if err != nil {
		return 0, storeerr.Storage("allocate sequence", err)
	}
	return int64(n), nil
}

func getOrCreateDoc(tx *bolt.Tx, docID string) (docRow, error) {
	b := tx.Bucket(bucketDocs)
	v := b.Get([]byte(docID))
	if v != nil {
		var row docRow
		if err := json.Unmarshal(v, &row); err != nil {
			return docRow{}, storeerr.Storage("decode doc row", err)
		}
		return row, nil
	}
	row := docRow{DocID: docID}
	data, err := json.Marshal(row)
	if err != nil {
		return docRow{}, storeerr.Storage("encode doc row", err)
	}
	if err := b.Put([]byte(docID), data); err != nil {
		return docRow{}, storeerr.Storage("create doc row", err)
	}
	return row, nil
}

func putRevRow(tx *bolt.Tx, row revRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return storeerr.Storage("encode revision row", err)
	}
	if err := tx.Bucket(bucketRevs).Put(sequenceKey(row.Sequence), data); err != nil {
		return storeerr.Storage("write revision row", err)
	}
	id, err := revtree.Parse(row.RevID)
	if err != nil {
		return err
	}
	sortKey := []byte(row.DocID + "\x00" + revtree.SortKey(id))
	if err := tx.Bucket(bucketRevsBySortKey).Put(sortKey, sequenceKey(row.Sequence)); err != nil {
		return storeerr.Storage("index revision row", err)
	}
	return nil
}

func getRevRow(tx *bolt.Tx, seq int64) (revRow, error) {
	v := tx.Bucket(bucketRevs).Get(sequenceKey(seq))
	if v == nil {
		return revRow{}, storeerr.NotFound(fmt.Sprintf("no revision at sequence %d", seq))
	}
	var row revRow
	if err := json.Unmarshal(v, &row); err != nil {
		return revRow{}, storeerr.Storage("decode revision row", err)
	}
	return row, nil
}

func findRevision(tx *bolt.Tx, docID, revID string) (*revRow, error) {
	id, err := revtree.Parse(revID)
	if err != nil {
		return nil, err
	}
	sortKey := []byte(docID + "\x00" + revtree.SortKey(id))
	v := tx.Bucket(bucketRevsBySortKey).Get(sortKey)
	if v == nil {
		return nil, storeerr.NotFound(fmt.Sprintf("document %q has no revision %q", docID, revID))
	}
	seq := decodeSequenceKey(v)
	row, err := getRevRow(tx, seq)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func findNonDeletedLeaf(tx *bolt.Tx, docID string) (*revRow, error) {
	leaves, err := currentLeaves(tx, docID)
	if err != nil {
		return nil, err
	}
	for _, l := range leaves {
		if !l.Deleted {
			ll := l
			return &ll, nil
		}
	}
	return nil, nil
}

func currentLeaves(tx *bolt.Tx, docID string) ([]revRow, error) {
	c := tx.Bucket(bucketCurrentByDoc).Cursor()
	prefix := []byte(docID + "\x00")
	var out []revRow
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		seqBytes := k[len(prefix):]
		seq := decodeSequenceKey(seqBytes)
		row, err := getRevRow(tx, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func addCurrent(tx *bolt.Tx, docID string, seq int64, revID string) error {
	key := append([]byte(docID+"\x00"), sequenceKey(seq)...)
	return tx.Bucket(bucketCurrentByDoc).Put(key, []byte(revID))
}

func removeCurrent(tx *bolt.Tx, docID string, seq int64) error {
	key := append([]byte(docID+"\x00"), sequenceKey(seq)...)
	return tx.Bucket(bucketCurrentByDoc).Delete(key)
}

// touchDocSeq moves docID's entry in bucketDocsBySeq to newSeq, deleting
// its previous entry (tracked on the docs row) so each document
// contributes at most one key to the index at any time.
func touchDocSeq(tx *bolt.Tx, docID string, newSeq int64) error {
	docs := tx.Bucket(bucketDocs)
	v := docs.Get([]byte(docID))
	var row docRow
	if v != nil {
		if err := json.Unmarshal(v, &row); err != nil {
			return storeerr.Storage("decode doc row", err)
		}
	} else {
		row = docRow{DocID: docID}
	}

	byseq := tx.Bucket(bucketDocsBySeq)
	if row.LastSeq != 0 {
		if err := byseq.Delete(sequenceKey(row.LastSeq)); err != nil {
			return storeerr.Storage("remove stale changes index entry", err)
		}
	}
	if err := byseq.Put(sequenceKey(newSeq), []byte(docID)); err != nil {
		return storeerr.Storage("write changes index entry", err)
	}

	row.LastSeq = newSeq
	data, err := json.Marshal(row)
	if err != nil {
		return storeerr.Storage("encode doc row", err)
	}
	return docs.Put([]byte(docID), data)
}

// pickWinner selects the winning revision among a document's current
// leaves, per spec.md §3: the non-deleted leaf with the highest rev_id,
// or (if all are deleted) the deleted leaf with the highest rev_id.
func pickWinner(leaves []revRow) revRow {
	var bestLive, bestDeleted *revRow
	for i := range leaves {
		l := &leaves[i]
		id, err := revtree.Parse(l.RevID)
		if err != nil {
			continue
		}
		if l.Deleted {
			if bestDeleted == nil {
				bestDeleted = l
			} else {
				bid, _ := revtree.Parse(bestDeleted.RevID)
				if revtree.Less(bid, id) {
					bestDeleted = l
				}
			}
		} else {
			if bestLive == nil {
				bestLive = l
			} else {
				bid, _ := revtree.Parse(bestLive.RevID)
				if revtree.Less(bid, id) {
					bestLive = l
				}
			}
		}
	}
	if bestLive != nil {
		return *bestLive
	}
	if bestDeleted != nil {
		return *bestDeleted
	}
	return revRow{}
}

func computeWinner(tx *bolt.Tx, docID string) (Revision, error) {
	leaves, err := currentLeaves(tx, docID)
	if err != nil {
		return Revision{}, err
	}
	if len(leaves) == 0 {
		return Revision{}, storeerr.NotFound(fmt.Sprintf("document %q not found", docID))
	}
	return pickWinner(leaves).toRevision(), nil
}

func putAttachmentRow(tx *bolt.Tx, row attachmentRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return storeerr.Storage("encode attachment row", err)
	}
	key := attachmentKey(row.Sequence, row.Filename)
	if err := tx.Bucket(bucketAttachments).Put(key, data); err != nil {
		return storeerr.Storage("write attachment row", err)
	}
	return nil
}

func getAttachmentRow(tx *bolt.Tx, seq int64, filename string) (attachmentRow, error) {
	v := tx.Bucket(bucketAttachments).Get(attachmentKey(seq, filename))
	if v == nil {
		return attachmentRow{}, storeerr.NotFound(fmt.Sprintf("no attachment %q at sequence %d", filename, seq))
	}
	var row attachmentRow
	if err := json.Unmarshal(v, &row); err != nil {
		return attachmentRow{}, storeerr.Storage("decode attachment row", err)
	}
	return row, nil
}

func listAttachments(tx *bolt.Tx, seq int64) ([]Attachment, error) {
	c := tx.Bucket(bucketAttachments).Cursor()
	prefix := sequenceKey(seq)
	prefix = append(prefix, 0)
	var out []Attachment
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		var row attachmentRow
		if err := json.Unmarshal(v, &row); err != nil {
			return nil, storeerr.Storage("decode attachment row", err)
		}
		out = append(out, row.toAttachment())
	}
	return out, nil
}

func attachmentKey(seq int64, filename string) []byte {
	k := sequenceKey(seq)
	k = append(k, 0)
	k = append(k, []byte(filename)...)
	return k
}

// PutAttachmentStream records an attachment row for filename on an
// existing revision's sequence, pointing at a blob already installed
// under key. pkg/datastore.PutAttachment and pkg/replicator (for
// multipart "follows: true" parts) call it after installing the blob.
func (e *Engine) PutAttachmentStream(docID, revID, filename, contentType string, key blob.Key, length int64) error {
	if err := e.requireOpen(); err != nil {
		return err
	}
	return e.db.Update(func(tx *bolt.Tx) error {
		row, err := findRevision(tx, docID, revID)
		if err != nil {
			return err
		}
		id, err := revtree.Parse(row.RevID)
		if err != nil {
			return err
		}
		return putAttachmentRow(tx, attachmentRow{
			Sequence:    row.Sequence,
			Filename:    filename,
			ContentType: contentType,
			Length:      length,
			Revpos:      id.Generation,
			Key:         key[:],
		})
	})
}
