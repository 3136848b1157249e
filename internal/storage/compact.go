package storage

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/blob"
	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// Compact reclaims space per spec.md §4.C: the body of every non-leaf,
// non-deleted revision is nulled out (its history remains for conflict
// resolution, but its content is gone), and any blob no longer referenced
// by a surviving attachment is removed from the blob store.
func (e *Engine) Compact() error {
	if err := e.requireOpen(); err != nil {
		return err
	}

	keep := make(map[blob.Key]struct{})

	err := e.db.Update(func(tx *bolt.Tx) error {
		revs := tx.Bucket(bucketRevs)
		c := revs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var row revRow
			if err := json.Unmarshal(v, &row); err != nil {
				return storeerr.Storage("decode revision row during compaction", err)
			}
			if row.Current || !row.HasBody {
				if err := collectAttachmentKeys(tx, row.Sequence, keep); err != nil {
					return err
				}
				continue
			}
			row.BodyJSON = nil
			row.HasBody = false
			data, err := json.Marshal(row)
			if err != nil {
				return storeerr.Storage("encode revision row during compaction", err)
			}
			if err := revs.Put(k, data); err != nil {
				return storeerr.Storage("write compacted revision row", err)
			}
			if err := deleteAttachmentsAt(tx, row.Sequence); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return e.blobs.GC(keep)
}

func collectAttachmentKeys(tx *bolt.Tx, seq int64, keep map[blob.Key]struct{}) error {
	atts, err := listAttachments(tx, seq)
	if err != nil {
		return err
	}
	for _, a := range atts {
		keep[a.Key] = struct{}{}
	}
	return nil
}

func deleteAttachmentsAt(tx *bolt.Tx, seq int64) error {
	b := tx.Bucket(bucketAttachments)
	c := b.Cursor()
	prefix := sequenceKey(seq)
	prefix = append(prefix, 0)
	var stale [][]byte
	for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return storeerr.Storage("remove compacted attachment row", err)
		}
	}
	return nil
}
