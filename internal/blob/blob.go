// Package blob implements couchkeep's content-addressed attachment store:
// a SHA-1-keyed filename index persisted in bbolt plus plain files on disk,
// following the same bucket-per-concern, transactional layout
// pkg/storage/boltdb.go uses for warren's cluster state.
package blob

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// KeyLen is the fixed length of a blob key: a raw SHA-1 digest.
const KeyLen = sha1.Size

// Key is a content digest identifying a blob.
type Key [KeyLen]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// ParseKey decodes a hex-encoded key of exactly KeyLen bytes.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != KeyLen {
		return k, storeerr.Validation(fmt.Sprintf("invalid blob key %q", s))
	}
	copy(k[:], b)
	return k, nil
}

var bucketFilenames = []byte("blob_filenames")

// Store is a content-addressed, streaming-capable blob store. The bbolt
// filename index is the authoritative record of what exists; files on
// disk with no matching row are orphans tolerated until the next GC.
type Store struct {
	root string
	db   *bolt.DB
}

// Open opens (creating if absent) the blob_filenames bucket inside db and
// ensures root exists as a directory. db is the same handle the storage
// engine uses for its own buckets, so filename-index writes and the
// revision/attachment rows that reference them commit atomically together.
func Open(db *bolt.DB, root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, storeerr.Storage("create blob store root", err)
	}
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketFilenames)
		return err
	})
	if err != nil {
		return nil, storeerr.Storage("init blob filename bucket", err)
	}
	return &Store{root: root, db: db}, nil
}

func (s *Store) pathFor(filename string) string {
	return filepath.Join(s.root, filename)
}

// lookupFilename returns the filename registered for key, or "" if none.
func (s *Store) lookupFilename(tx *bolt.Tx, key Key) string {
	b := tx.Bucket(bucketFilenames)
	v := b.Get(key[:])
	if v == nil {
		return ""
	}
	return string(v)
}

// Store writes data to the blob store (if not already present under its
// digest) and returns the content key. Deduplicates: if data's SHA-1 is
// already registered, the existing filename is reused and no write occurs.
func (s *Store) Store(data []byte) (Key, error) {
	sum := sha1.Sum(data)
	key := Key(sum)

	var existing string
	err := s.db.View(func(tx *bolt.Tx) error {
		existing = s.lookupFilename(tx, key)
		return nil
	})
	if err != nil {
		return key, storeerr.Storage("look up blob filename", err)
	}
	if existing != "" {
		return key, nil
	}

	filename := uuid.NewString()
	dest := s.pathFor(filename)
	if err := os.WriteFile(dest, data, 0o640); err != nil {
		return key, storeerr.Storage("write blob file", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFilenames)
		if v := b.Get(key[:]); v != nil {
			// Lost a race with a concurrent Store of the same content; keep
			// the winner's filename and drop ours below.
			filename = string(v)
			return nil
		}
		return b.Put(key[:], []byte(filename))
	})
	if err != nil {
		os.Remove(dest)
		return key, storeerr.Storage("register blob filename", err)
	}
	if filename != filepath.Base(dest) {
		os.Remove(dest)
	}
	return key, nil
}

// Reader is a streaming handle on a stored blob's content.
type Reader struct {
	io.ReadCloser
	Length int64
}

// Read opens a streaming reader for the blob stored under key.
func (s *Store) Read(key Key) (*Reader, error) {
	var filename string
	err := s.db.View(func(tx *bolt.Tx) error {
		filename = s.lookupFilename(tx, key)
		return nil
	})
	if err != nil {
		return nil, storeerr.Storage("look up blob filename", err)
	}
	if filename == "" {
		return nil, storeerr.NotFound(fmt.Sprintf("no blob for key %s", key))
	}

	f, err := os.Open(s.pathFor(filename))
	if err != nil {
		return nil, storeerr.Storage("open blob file", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, storeerr.Storage("stat blob file", err)
	}
	return &Reader{ReadCloser: f, Length: info.Size()}, nil
}

// Has reports whether a blob for key is registered.
func (s *Store) Has(key Key) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = s.lookupFilename(tx, key) != ""
		return nil
	})
	return found, err
}

// GC walks the filename index, deleting rows whose key is not in
// keepKeys, then removes the corresponding files from disk. Files on disk
// with no remaining row (orphans from a rolled-back install) are also
// removed to keep the directory bounded.
func (s *Store) GC(keepKeys map[Key]struct{}) error {
	var toRemoveFiles []string

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFilenames)
		c := b.Cursor()
		var staleKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var key Key
			copy(key[:], k)
			if _, keep := keepKeys[key]; !keep {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
				toRemoveFiles = append(toRemoveFiles, string(v))
			}
		}
		for _, k := range staleKeys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeerr.Storage("gc blob filename index", err)
	}

	retained := make(map[string]struct{})
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFilenames)
		return b.ForEach(func(k, v []byte) error {
			retained[string(v)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return storeerr.Storage("list retained blob filenames", err)
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return storeerr.Storage("list blob store directory", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := retained[e.Name()]; !ok {
			_ = os.Remove(s.pathFor(e.Name()))
		}
	}
	for _, filename := range toRemoveFiles {
		if _, ok := retained[filename]; !ok {
			_ = os.Remove(s.pathFor(filename))
		}
	}
	return nil
}
