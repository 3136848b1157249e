package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/blob"
	"github.com/couchkeep/couchkeep/internal/storeerr"
)

// State is a value in the storage engine's lifecycle state machine:
// Closed → Opening → Open → Closing → Closed, per spec.md §4.C.
type State int

const (
	StateClosed State = iota
	StateOpening
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Options configure Open.
type Options struct {
	// Dir is the directory the bbolt file and attachment blobs live under.
	Dir string
	// EncryptionKey optionally guards at-rest blob content. Re-opening an
	// already-Open engine with a different key is rejected per spec.md
	// §4.C; the key is otherwise opaque to this package (the actual
	// at-rest cipher is an external collaborator, named but not
	// implemented here — see spec.md §1 scope).
	EncryptionKey []byte
}

// Engine is couchkeep's durable storage engine: one bbolt database file
// holding the revision tree, attachments metadata, local docs, view
// state, and checkpoints, plus a co-located blob.Store for attachment
// bytes. The engine is synchronous and single-writer — bbolt itself
// serializes Update calls, so no additional write mutex is needed (see
// SPEC_FULL.md §5).
type Engine struct {
	mu    sync.Mutex
	state State

	dir           string
	encryptionKey []byte

	db    *bolt.DB
	blobs *blob.Store

	subscribers []func(ChangeNotification)
	subMu       sync.Mutex
}

// ChangeNotification is posted after a transaction commits (spec.md §4.D,
// §9 — replaces a singleton notification center with an explicit,
// caller-owned subscription list).
type ChangeNotification struct {
	Revision Revision
	Winner   Revision
	Source   string // non-empty when the change came from a remote pull
}

// New constructs an unopened Engine.
func New() *Engine {
	return &Engine{state: StateClosed}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers fn to be called (synchronously, after commit) for
// every ChangeNotification. Returns an unsubscribe function.
func (e *Engine) Subscribe(fn func(ChangeNotification)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.subscribers = append(e.subscribers, fn)
	idx := len(e.subscribers) - 1
	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		e.subscribers[idx] = nil
	}
}

func (e *Engine) notify(n ChangeNotification) {
	e.subMu.Lock()
	subs := append([]func(ChangeNotification){}, e.subscribers...)
	e.subMu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(n)
		}
	}
}

// Open transitions Closed → Opening → Open, opening (creating if absent)
// the bbolt file at opts.Dir/couchkeep.db, running schema migrations, and
// opening the co-located blob store. Re-opening an already-Open engine
// with a different EncryptionKey is rejected.
func (e *Engine) Open(opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateOpen {
		if !bytes.Equal(e.encryptionKey, opts.EncryptionKey) {
			return storeerr.Validation("cannot reopen an open store with a different encryption key")
		}
		return nil
	}
	if e.state != StateClosed {
		return storeerr.Storage(fmt.Sprintf("cannot open store in state %s", e.state), nil)
	}

	e.state = StateOpening
	e.dir = opts.Dir
	e.encryptionKey = opts.EncryptionKey

	dbPath := filepath.Join(opts.Dir, "couchkeep.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		e.state = StateClosed
		return storeerr.Storage("open bbolt database", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		e.state = StateClosed
		return err
	}

	blobs, err := blob.Open(db, filepath.Join(opts.Dir, "blobs"))
	if err != nil {
		db.Close()
		e.state = StateClosed
		return err
	}

	e.db = db
	e.blobs = blobs
	e.state = StateOpen
	return nil
}

// Close transitions Open → Closing → Closed, closing the underlying
// bbolt handle.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateClosed {
		return nil
	}
	if e.state != StateOpen {
		return storeerr.Storage(fmt.Sprintf("cannot close store in state %s", e.state), nil)
	}
	e.state = StateClosing
	err := e.db.Close()
	e.db = nil
	e.blobs = nil
	e.state = StateClosed
	if err != nil {
		return storeerr.Storage("close bbolt database", err)
	}
	return nil
}

// Delete removes the store's on-disk files. Only allowed from Closed, per
// spec.md §4.C's lifecycle rule.
func (e *Engine) Delete() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateClosed {
		return storeerr.Storage("cannot delete an open store", nil)
	}
	return deleteStoreFiles(e.dir)
}

func (e *Engine) requireOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateOpen {
		return storeerr.Storage(fmt.Sprintf("store is %s, not open", e.state), nil)
	}
	return nil
}

// Blobs exposes the co-located attachment blob store, used by
// pkg/datastore when streaming inline attachments and by
// internal/multipart when parsing pulled attachment parts.
func (e *Engine) Blobs() *blob.Store {
	return e.blobs
}

// DB exposes the underlying bbolt handle so internal/views can host its
// view/map index inside the same database file and commit alongside the
// revisions it indexes. Only valid while the engine is Open.
func (e *Engine) DB() *bolt.DB {
	return e.db
}

func sequenceKey(seq int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(seq))
	return k
}

func decodeSequenceKey(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

func deleteStoreFiles(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.Remove(filepath.Join(dir, "couchkeep.db")); err != nil && !os.IsNotExist(err) {
		return storeerr.Storage("delete bbolt database file", err)
	}
	if err := os.RemoveAll(filepath.Join(dir, "blobs")); err != nil {
		return storeerr.Storage("delete blob store directory", err)
	}
	return nil
}
