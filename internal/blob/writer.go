package blob

import (
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// Writer streams an attachment body into the blob store without holding
// the whole payload in memory: bytes are appended to a temp file while
// SHA-1 and MD5 digests run incrementally, and Install() only moves the
// sealed temp file into place and records its key inside a bbolt
// transaction. Callers must call Cancel if Install is never reached, so
// the temp file does not leak (mirrors the "writer must release temp
// file on drop/cancel" requirement in spec.md §4.B).
type Writer struct {
	store *Store

	tmpFile *os.File
	tmpPath string

	sha1h hash.Hash
	md5h  hash.Hash
	n     int64

	finished  bool
	installed bool
	key       Key
	md5sum    [md5.Size]byte
}

// OpenWriter opens a fresh temp file in the blob store's root (so the
// final rename stays within the same filesystem) ready to receive Append
// calls.
func (s *Store) OpenWriter() (*Writer, error) {
	tmp, err := os.CreateTemp(s.root, "upload-*.tmp")
	if err != nil {
		return nil, storeerr.Storage("create blob temp file", err)
	}
	return &Writer{
		store:   s,
		tmpFile: tmp,
		tmpPath: tmp.Name(),
		sha1h:   sha1.New(),
		md5h:    md5.New(),
	}, nil
}

// Append extends the writer's content, updating the running digests.
func (w *Writer) Append(p []byte) error {
	if w.finished {
		return storeerr.Storage("append to finished blob writer", nil)
	}
	n, err := w.tmpFile.Write(p)
	if err != nil {
		return storeerr.Storage("write blob temp file", err)
	}
	w.sha1h.Write(p[:n])
	w.md5h.Write(p[:n])
	w.n += int64(n)
	return nil
}

// ReadFrom streams all of r's content into the writer, a convenience for
// multipart part bodies (internal/multipart uses this directly).
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := w.Append(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, storeerr.Upstream(fmt.Sprintf("read attachment body: %v", err))
		}
	}
}

// Finish seals the digests. After Finish, Length/MD5/Key are available
// but the blob is not yet durable or visible to readers until Install.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	w.finished = true
	copy(w.key[:], w.sha1h.Sum(nil))
	copy(w.md5sum[:], w.md5h.Sum(nil))
	return nil
}

// Length returns the number of bytes appended so far.
func (w *Writer) Length() int64 { return w.n }

// Key returns the SHA-1 content key. Valid only after Finish.
func (w *Writer) Key() Key { return w.key }

// MD5 returns the MD5 digest of the content. Valid only after Finish.
func (w *Writer) MD5() [md5.Size]byte { return w.md5sum }

// Install assigns a filename, moves the temp file into the store under
// that name, and registers the key→filename row, all within tx so the
// blob only becomes visible to readers once tx commits. If a stale file
// already occupies the destination name (left over from a rolled-back
// prior attempt), it is removed first. Install is idempotent: if the key
// is already registered, the temp file is discarded and the existing
// filename wins, avoiding duplicate blobs for identical content.
func (w *Writer) Install(tx *bolt.Tx) error {
	if !w.finished {
		if err := w.Finish(); err != nil {
			return err
		}
	}
	if w.installed {
		return nil
	}

	b := tx.Bucket(bucketFilenames)
	if existing := b.Get(w.key[:]); existing != nil {
		w.installed = true
		w.closeTemp()
		os.Remove(w.tmpPath)
		return nil
	}

	filename := uuid.NewString()
	dest := w.store.pathFor(filename)

	if _, err := os.Stat(dest); err == nil {
		os.Remove(dest)
	}

	w.closeTemp()
	if err := os.Rename(w.tmpPath, dest); err != nil {
		return storeerr.Storage("install blob file", err)
	}
	if err := b.Put(w.key[:], []byte(filename)); err != nil {
		os.Remove(dest)
		return storeerr.Storage("register installed blob filename", err)
	}
	w.installed = true
	return nil
}

// Cancel releases the temp file without installing. Safe to call after a
// successful Install (no-op) or multiple times.
func (w *Writer) Cancel() {
	if w.installed {
		return
	}
	w.closeTemp()
	if w.tmpPath != "" {
		os.Remove(w.tmpPath)
		w.tmpPath = ""
	}
}

func (w *Writer) closeTemp() {
	if w.tmpFile != nil {
		w.tmpFile.Close()
		w.tmpFile = nil
	}
}
