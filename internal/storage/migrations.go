package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// migration mirrors the teacher's cmd/warren-migrate migration style:
// numbered, idempotent, applied inside the single transaction that opens
// the store (spec.md §4.C: "any failure rolls back the store to closed").
type migration struct {
	version int
	apply   func(tx *bolt.Tx) error
}

var migrations = []migration{
	{version: 1, apply: migrateCreateCoreBuckets},
	{version: 2, apply: migrateCreateRevIndexBuckets},
	{version: 3, apply: migrateCreateAttachmentsBucket},
	{version: 4, apply: migrateCreateLocalDocsBucket},
	{version: 5, apply: migrateCreateReplicatorsBucket},
	{version: 6, apply: migrateCreateViewBuckets},
	{version: 100, apply: migrateLegacyCheckpointFormat},
	{version: 200, apply: migrateBackfillBlobFilenames},
}

var keyUserVersion = []byte("user_version")

func currentUserVersion(tx *bolt.Tx) int {
	b := tx.Bucket(bucketInfo)
	if b == nil {
		return 0
	}
	v := b.Get(keyUserVersion)
	if v == nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

func setUserVersion(tx *bolt.Tx, version int) error {
	b, err := tx.CreateBucketIfNotExists(bucketInfo)
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(version))
	return b.Put(keyUserVersion, buf)
}

// runMigrations applies every migration whose version exceeds the
// store's current user_version, in a single transaction. Any failure
// rolls the whole batch back, leaving the store as if Open had never
// been attempted (spec.md §4.C).
func runMigrations(db *bolt.DB) error {
	err := db.Update(func(tx *bolt.Tx) error {
		// info bucket must exist before we can read/write user_version.
		if _, err := tx.CreateBucketIfNotExists(bucketInfo); err != nil {
			return err
		}
		current := currentUserVersion(tx)
		for _, m := range migrations {
			if m.version <= current {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
			if err := setUserVersion(tx, m.version); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeerr.Storage("run schema migrations", err)
	}
	return nil
}

func migrateCreateCoreBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketDocs, bucketRevs} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func migrateCreateRevIndexBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketRevsBySortKey, bucketCurrentByDoc, bucketDocsBySeq} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

func migrateCreateAttachmentsBucket(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketAttachments)
	return err
}

func migrateCreateLocalDocsBucket(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketLocalDocs)
	return err
}

func migrateCreateReplicatorsBucket(tx *bolt.Tx) error {
	_, err := tx.CreateBucketIfNotExists(bucketReplicators)
	return err
}

func migrateCreateViewBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketViews, bucketMaps} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return err
		}
	}
	return nil
}

// migrateLegacyCheckpointFormat rewrites any replicators row whose
// last_sequence is a bare string (the legacy plain-text format) into the
// canonical {"seq": "<value>"} JSON object, per spec.md §4.C migration
// 100.
func migrateLegacyCheckpointFormat(tx *bolt.Tx) error {
	b := tx.Bucket(bucketReplicators)
	if b == nil {
		return nil
	}
	type update struct {
		key   []byte
		value []byte
	}
	var updates []update

	err := b.ForEach(func(k, v []byte) error {
		var row checkpointRow
		if err := json.Unmarshal(v, &row); err != nil {
			return nil
		}
		ls := row.LastSequence
		if ls == "" {
			return nil
		}
		var probe map[string]interface{}
		if err := json.Unmarshal([]byte(ls), &probe); err == nil {
			return nil // already canonical {"seq": ...}
		}
		// Legacy bare value (plain string or bare JSON scalar): wrap it.
		var raw interface{} = ls
		wrapped, err := json.Marshal(map[string]interface{}{"seq": raw})
		if err != nil {
			return err
		}
		row.LastSequence = string(wrapped)
		newVal, err := json.Marshal(row)
		if err != nil {
			return err
		}
		updates = append(updates, update{key: append([]byte(nil), k...), value: newVal})
		return nil
	})
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := b.Put(u.key, u.value); err != nil {
			return err
		}
	}
	return nil
}

// migrateBackfillBlobFilenames is a no-op under the bbolt schema: the
// blob_filenames index (internal/blob's bucketFilenames) is created
// lazily by blob.Open and every attachment already carries its key, so
// there is nothing to back-fill the way spec.md §4.C's SQL-era migration
// 200 had to. Kept as an explicit version bump so the migration table
// stays numbered the way spec.md names it.
func migrateBackfillBlobFilenames(tx *bolt.Tx) error {
	return nil
}
