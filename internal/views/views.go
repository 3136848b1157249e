package views

import (
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/internal/storeerr"
)

var (
	bucketViews = []byte("views") // viewID -> viewRow
	bucketMaps  = []byte("maps")  // viewID\x00collatedKey\x00docID -> value
)

// Row is one emitted (key, value) pair from a map function.
type Row struct {
	DocID string
	Key   json.RawMessage
	Value json.RawMessage
}

// MapFunc emits zero or more rows for one current leaf revision of a
// document; Refresh calls it for every non-deleted current leaf, not
// only the winner. Deleted revisions are never passed to MapFunc.
type MapFunc func(doc storage.Revision) []Row

// Definition registers a named view backed by a map function.
type Definition struct {
	ID      string
	Name    string
	Version int
	Map     MapFunc
}

type viewRow struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Version      int    `json:"version"`
	LastSequence int64  `json:"lastsequence"`
}

// Engine indexes a storage.Engine's documents into named views, stored
// in the same bbolt database so index updates commit atomically with
// the revisions that produced them.
type Engine struct {
	store *storage.Engine
	defs  map[string]Definition
}

// New builds a view Engine over an already-open storage engine.
func New(store *storage.Engine) *Engine {
	return &Engine{store: store, defs: make(map[string]Definition)}
}

// Register adds or replaces a view definition. A version bump forces
// the next Refresh to rebuild the view from sequence zero.
func (e *Engine) Register(def Definition) error {
	e.defs[def.ID] = def
	return e.store.DB().Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketViews)
		if b == nil {
			return storeerr.Storage("views bucket not initialized", nil)
		}
		existing, err := getViewRow(b, def.ID)
		if err == nil && existing.Version == def.Version {
			return nil
		}
		if err := clearViewRows(tx, def.ID); err != nil {
			return err
		}
		return putViewRow(b, viewRow{ID: def.ID, Name: def.Name, Version: def.Version})
	})
}

// Refresh incrementally re-indexes def's view over every document
// touched since the view's last recorded sequence.
func (e *Engine) Refresh(viewID string) error {
	def, ok := e.defs[viewID]
	if !ok {
		return storeerr.NotFound(fmt.Sprintf("no view registered with id %q", viewID))
	}

	var lastSeq int64
	err := e.store.DB().View(func(tx *bolt.Tx) error {
		row, err := getViewRow(tx.Bucket(bucketViews), viewID)
		if err != nil {
			return err
		}
		lastSeq = row.LastSequence
		return nil
	})
	if err != nil {
		return err
	}

	changes, err := e.store.ChangesSince(lastSeq, storage.ChangesOptions{IncludeBody: true, IncludeConflicts: true})
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	// Group by document id before clearing: IncludeConflicts can surface
	// several leaf revisions for the same document in one batch, and
	// clearing per-revision would wipe out a sibling leaf's row added
	// earlier in this same pass.
	var docOrder []string
	byDoc := make(map[string][]storage.Revision, len(changes))
	for _, rev := range changes {
		if _, ok := byDoc[rev.DocID]; !ok {
			docOrder = append(docOrder, rev.DocID)
		}
		byDoc[rev.DocID] = append(byDoc[rev.DocID], rev)
	}

	return e.store.DB().Update(func(tx *bolt.Tx) error {
		maps := tx.Bucket(bucketMaps)
		views := tx.Bucket(bucketViews)
		maxSeq := lastSeq

		for _, docID := range docOrder {
			if err := clearDocRows(maps, viewID, docID); err != nil {
				return err
			}
			for _, rev := range byDoc[docID] {
				if !rev.Deleted {
					for _, row := range def.Map(rev) {
						if err := putMapRow(maps, viewID, row); err != nil {
							return err
						}
					}
				}
				if rev.Sequence > maxSeq {
					maxSeq = rev.Sequence
				}
			}
		}

		row, err := getViewRow(views, viewID)
		if err != nil {
			return err
		}
		row.LastSequence = maxSeq
		return putViewRow(views, row)
	})
}

// QueryOptions bounds a Query call.
type QueryOptions struct {
	StartKey json.RawMessage
	EndKey   json.RawMessage
	Limit    int
}

// Query returns rows from viewID whose collated key falls within
// [StartKey, EndKey] (collation order, per spec.md §6), ascending.
func (e *Engine) Query(viewID string, opts QueryOptions) ([]Row, error) {
	var start, end interface{}
	var err error
	if len(opts.StartKey) > 0 {
		if start, err = CollationKey(opts.StartKey); err != nil {
			return nil, storeerr.Validation("invalid start key")
		}
	}
	if len(opts.EndKey) > 0 {
		if end, err = CollationKey(opts.EndKey); err != nil {
			return nil, storeerr.Validation("invalid end key")
		}
	}

	var rows []Row
	err = e.store.DB().View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMaps).Cursor()
		prefix := []byte(viewID + "\x00")
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			row, rawKey, err := decodeMapRow(k, v, prefix)
			if err != nil {
				return err
			}
			keyVal, err := CollationKey(rawKey)
			if err != nil {
				continue
			}
			if start != nil && Compare(keyVal, start) < 0 {
				continue
			}
			if end != nil && Compare(keyVal, end) > 0 {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	sort.SliceStable(rows, func(i, j int) bool {
		a, _ := CollationKey(rows[i].Key)
		b, _ := CollationKey(rows[j].Key)
		return Compare(a, b) < 0
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return rows, err
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func getViewRow(b *bolt.Bucket, viewID string) (viewRow, error) {
	v := b.Get([]byte(viewID))
	if v == nil {
		return viewRow{ID: viewID}, storeerr.NotFound(fmt.Sprintf("view %q not registered", viewID))
	}
	var row viewRow
	if err := json.Unmarshal(v, &row); err != nil {
		return viewRow{}, storeerr.Storage("decode view row", err)
	}
	return row, nil
}

func putViewRow(b *bolt.Bucket, row viewRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return storeerr.Storage("encode view row", err)
	}
	return b.Put([]byte(row.ID), data)
}

// mapKey encodes viewID\x00collatedDocKey\x00docID so rows sort by
// (viewID, emitted key) and a document's stale rows can be found by
// scanning a docID-tagged sub-range.
func mapKey(viewID string, key json.RawMessage, docID string) []byte {
	return []byte(viewID + "\x00" + string(normalizeKeyBytes(key)) + "\x00" + docID)
}

// normalizeKeyBytes re-marshals key through encoding/json's map key
// sorting so two semantically-equal objects produce the same bytes;
// falls back to the raw bytes for non-object keys.
func normalizeKeyBytes(key json.RawMessage) json.RawMessage {
	var v interface{}
	if err := json.Unmarshal(key, &v); err != nil {
		return key
	}
	out, err := json.Marshal(v)
	if err != nil {
		return key
	}
	return out
}

func putMapRow(b *bolt.Bucket, viewID string, row Row) error {
	k := mapKey(viewID, row.Key, row.DocID)
	return b.Put(k, row.Value)
}

func decodeMapRow(k, v, prefix []byte) (Row, json.RawMessage, error) {
	rest := k[len(prefix):]
	// rest is "<key>\x00<docID>"; the key is JSON, which escapes control
	// characters and so holds no raw \x00, so splitting on the first
	// \x00 after prefix is unambiguous for our own encoder.
	idx := indexByte(rest, 0)
	if idx < 0 {
		return Row{}, nil, storeerr.Storage("malformed map row key", nil)
	}
	keyBytes := append([]byte(nil), rest[:idx]...)
	docID := string(rest[idx+1:])
	return Row{DocID: docID, Key: keyBytes, Value: append([]byte(nil), v...)}, keyBytes, nil
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

func clearDocRows(b *bolt.Bucket, viewID, docID string) error {
	c := b.Cursor()
	prefix := []byte(viewID + "\x00")
	suffix := []byte("\x00" + docID)
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		if hasSuffix(k, suffix) {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func clearViewRows(tx *bolt.Tx, viewID string) error {
	b := tx.Bucket(bucketMaps)
	c := b.Cursor()
	prefix := []byte(viewID + "\x00")
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func hasSuffix(b, suffix []byte) bool {
	return len(b) >= len(suffix) && string(b[len(b)-len(suffix):]) == string(suffix)
}
