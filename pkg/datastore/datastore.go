// Package datastore is the public CRUD facade over internal/storage and
// internal/blob: the surface cmd/couchkeepd wires up for local callers
// and that pkg/replicator drives from the pull side. It adds the ambient
// concerns internal/storage deliberately leaves out — event publication
// and metrics — the way the teacher's higher-level packages layer those
// on top of its bare storage engine.
package datastore

import (
	"encoding/json"
	"io"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/internal/storeerr"
	"github.com/couchkeep/couchkeep/internal/views"
	"github.com/couchkeep/couchkeep/pkg/events"
	"github.com/couchkeep/couchkeep/pkg/metrics"
)

// Store wraps a storage.Engine with event publication and metrics.
type Store struct {
	engine *storage.Engine
	broker *events.Broker
	views  *views.Engine

	parentDir string
	dbName    string

	unsubscribe func()
}

// Open starts and opens a storage.Engine at dir and wires its change
// notifications into broker (may be nil to disable event publication).
func Open(dir string, encryptionKey []byte, broker *events.Broker) (*Store, error) {
	engine := storage.New()
	if err := engine.Open(storage.Options{Dir: dir, EncryptionKey: encryptionKey}); err != nil {
		return nil, err
	}

	clean := filepath.Clean(dir)
	s := &Store{
		engine:    engine,
		broker:    broker,
		parentDir: filepath.Dir(clean),
		dbName:    filepath.Base(clean),
	}
	if broker != nil {
		s.unsubscribe = engine.Subscribe(s.onChange)
	}

	s.views = views.New(engine)
	if err := s.views.Register(conflictsViewDefinition); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) onChange(n storage.ChangeNotification) {
	evtType := events.EventRevisionInserted
	if n.Revision.Deleted {
		evtType = events.EventRevisionDeleted
	}
	s.broker.Publish(&events.Event{
		Type:   evtType,
		DocID:  n.Revision.DocID,
		RevID:  n.Revision.RevID,
		Source: n.Source,
		Metadata: map[string]string{
			"winner_rev_id": n.Winner.RevID,
		},
	})
}

// Close shuts the underlying engine down.
func (s *Store) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	return s.engine.Close()
}

// Engine exposes the underlying storage engine for packages (views,
// replicator) that need lower-level access than this facade offers.
func (s *Store) Engine() *storage.Engine {
	return s.engine
}

// Put creates or updates a document, recording the write's duration.
func (s *Store) Put(docID string, body []byte, prevRevID string, deleted, allowConflict bool) (storage.Revision, error) {
	timer := metrics.NewTimer()
	rev, err := s.engine.Put(docID, body, prevRevID, deleted, allowConflict)
	timer.ObserveDuration(metrics.PutDuration)
	if err == nil {
		metrics.RevisionsTotal.Inc()
	}
	return rev, err
}

// Get fetches the current winning revision, or a specific revID when given.
func (s *Store) Get(docID, revID string, opts storage.GetOptions) (storage.Revision, error) {
	return s.engine.Get(docID, revID, opts)
}

// Delete tombstones the revision at prevRevID.
func (s *Store) Delete(docID, prevRevID string) (storage.Revision, error) {
	return s.engine.Delete(docID, prevRevID)
}

// History returns docID's revision chain, newest first, starting at revID.
func (s *Store) History(docID, revID string) ([]storage.Revision, error) {
	return s.engine.RevisionHistory(docID, revID)
}

// ChangesSince returns the feed of documents touched after since.
func (s *Store) ChangesSince(since int64, opts storage.ChangesOptions) ([]storage.Revision, error) {
	return s.engine.ChangesSince(since, opts)
}

// AllDocs lists documents by id order.
func (s *Store) AllDocs(opts storage.AllDocsOptions) ([]storage.AllDocsRow, error) {
	return s.engine.AllDocs(opts)
}

// PutAttachment stores data as a standalone attachment on an existing
// revision, timing the blob write.
func (s *Store) PutAttachment(docID, revID, filename, contentType string, data []byte) error {
	timer := metrics.NewTimer()
	w, err := s.engine.Blobs().OpenWriter()
	if err != nil {
		return err
	}
	if err := w.Append(data); err != nil {
		w.Cancel()
		return err
	}
	if err := w.Finish(); err != nil {
		w.Cancel()
		return err
	}
	timer.ObserveDuration(metrics.BlobWriteDuration)

	if _, err := s.engine.Get(docID, revID, storage.GetOptions{}); err != nil {
		w.Cancel()
		return err
	}

	if err := s.engine.DB().Update(func(tx *bolt.Tx) error {
		return w.Install(tx)
	}); err != nil {
		w.Cancel()
		return storeerr.Storage("install attachment blob", err)
	}

	return s.engine.PutAttachmentStream(docID, revID, filename, contentType, w.Key(), w.Length())
}

// GetAttachment returns a reader over filename's bytes as attached at revID.
func (s *Store) GetAttachment(docID, revID, filename string) (io.ReadCloser, storage.Attachment, error) {
	rev, err := s.engine.Get(docID, revID, storage.GetOptions{IncludeAttachments: true})
	if err != nil {
		return nil, storage.Attachment{}, err
	}
	for _, a := range rev.Attachments {
		if a.Filename == filename {
			r, err := s.engine.Blobs().Read(a.Key)
			if err != nil {
				return nil, storage.Attachment{}, err
			}
			return r, a, nil
		}
	}
	return nil, storage.Attachment{}, storeerr.NotFound(filename + " not found on " + docID + "/" + revID)
}

// GetAllDocumentIDs returns every document id currently stored,
// per spec.md §4.D.
func (s *Store) GetAllDocumentIDs() ([]string, error) {
	rows, err := s.engine.AllDocs(storage.AllDocsOptions{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.DocID
	}
	return ids, nil
}

// ExtensionDataFolder returns the filesystem path a side-loaded
// extension named name should use for its own data, namespaced
// alongside this store's data directory: <db_name>_extensions/<name>,
// per spec.md §4.D.
func (s *Store) ExtensionDataFolder(name string) string {
	return filepath.Join(s.parentDir, s.dbName+"_extensions", name)
}

// conflictsViewDefinition indexes every open (non-superseded) leaf
// revision keyed by [document id, revision id], so each leaf of a
// document gets its own row and ConflictedDocIDs can spot documents
// with more than one leaf without a full revision-tree scan.
var conflictsViewDefinition = views.Definition{
	ID:      "_conflicts",
	Name:    "conflicts",
	Version: 1,
	Map: func(rev storage.Revision) []views.Row {
		if !rev.Current {
			return nil
		}
		docIDKey, _ := json.Marshal([]string{rev.DocID, rev.RevID})
		revValue, _ := json.Marshal(rev.RevID)
		return []views.Row{{DocID: rev.DocID, Key: docIDKey, Value: revValue}}
	},
}

// ConflictedDocIDs lists documents with more than one open leaf
// revision, refreshing the backing view over anything written since
// the last call. Backs the admin surface's conflicted-documents
// listing, per SPEC_FULL.md §4.P.
func (s *Store) ConflictedDocIDs() ([]string, error) {
	if err := s.views.Refresh("_conflicts"); err != nil {
		return nil, err
	}
	rows, err := s.views.Query("_conflicts", views.QueryOptions{})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		if counts[row.DocID] == 0 {
			order = append(order, row.DocID)
		}
		counts[row.DocID]++
	}

	var conflicted []string
	for _, docID := range order {
		if counts[docID] > 1 {
			conflicted = append(conflicted, docID)
		}
	}
	return conflicted, nil
}

// Compact runs a compaction pass, recording its duration.
func (s *Store) Compact() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)
	err := s.engine.Compact()
	if err == nil && s.broker != nil {
		s.broker.Publish(&events.Event{Type: events.EventCompactionCompleted})
	}
	return err
}
