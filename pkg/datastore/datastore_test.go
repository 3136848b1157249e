package datastore

import (
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/pkg/events"
)

func openTestStore(t *testing.T, broker *events.Broker) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), nil, broker)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustGen(t *testing.T, revID string) int {
	t.Helper()
	n, err := strconv.Atoi(strings.SplitN(revID, "-", 2)[0])
	require.NoError(t, err)
	return n
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)

	rev, err := s.Put("doc1", []byte(`{"x":1}`), "", false, false)
	require.NoError(t, err)
	require.Equal(t, 1, mustGen(t, rev.RevID))

	got, err := s.Get("doc1", "", storage.GetOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(got.Body))
}

func TestPutPublishesEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s := openTestStore(t, broker)
	_, err := s.Put("doc1", []byte(`{}`), "", false, false)
	require.NoError(t, err)

	select {
	case evt := <-sub:
		require.Equal(t, events.EventRevisionInserted, evt.Type)
		require.Equal(t, "doc1", evt.DocID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := openTestStore(t, nil)
	rev, err := s.Put("doc1", []byte(`{}`), "", false, false)
	require.NoError(t, err)

	require.NoError(t, s.PutAttachment("doc1", rev.RevID, "note.txt", "text/plain", []byte("hello")))

	r, att, err := s.GetAttachment("doc1", rev.RevID, "note.txt")
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, "text/plain", att.ContentType)

	buf := make([]byte, att.Length)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestDeleteThenGetReturnsDeleted(t *testing.T) {
	s := openTestStore(t, nil)
	rev, err := s.Put("doc1", []byte(`{}`), "", false, false)
	require.NoError(t, err)

	_, err = s.Delete("doc1", rev.RevID)
	require.NoError(t, err)

	_, err = s.Get("doc1", "", storage.GetOptions{})
	require.Error(t, err)
}

func TestGetAllDocumentIDs(t *testing.T) {
	s := openTestStore(t, nil)
	_, err := s.Put("doc1", []byte(`{}`), "", false, false)
	require.NoError(t, err)
	_, err = s.Put("doc2", []byte(`{}`), "", false, false)
	require.NoError(t, err)

	ids, err := s.GetAllDocumentIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc1", "doc2"}, ids)
}

func TestExtensionDataFolder(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	got := s.ExtensionDataFolder("full_text_search")
	require.Equal(t, filepath.Join(filepath.Dir(filepath.Clean(dir)), filepath.Base(filepath.Clean(dir))+"_extensions", "full_text_search"), got)
}

func TestConflictedDocIDs(t *testing.T) {
	s := openTestStore(t, nil)

	rev, err := s.Put("doc1", []byte(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	_, err = s.Put("doc2", []byte(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	_, err = s.Put("doc1", []byte(`{"v":2}`), rev.RevID, false, false)
	require.NoError(t, err)

	_, err = s.Engine().ForceInsert("doc1", []byte(`{"v":"conflict"}`), "2-conflict",
		false, []string{"2-conflict", rev.RevID}, "", storage.ForceInsertOptions{})
	require.NoError(t, err)

	conflicted, err := s.ConflictedDocIDs()
	require.NoError(t, err)
	require.Equal(t, []string{"doc1"}, conflicted)
}
