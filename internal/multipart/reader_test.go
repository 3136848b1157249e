package multipart

import (
	"bytes"
	"mime/multipart"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/blob"
)

func openTestBlobStore(t *testing.T) *blob.Store {
	t.Helper()
	dir := t.TempDir()
	db, err := bolt.Open(dir+"/blobs.db", 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store, err := blob.Open(db, dir+"/blobs")
	require.NoError(t, err)
	return store
}

func TestParseBareJSON(t *testing.T) {
	doc, err := Parse("application/json", bytes.NewBufferString(`{"a":1}`), nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(doc.Body))
	require.Empty(t, doc.Attachments)
}

func TestParseMultipartBindsByFilename(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	docJSON := `{"_id":"doc1","_attachments":{"note.txt":{"content_type":"text/plain","follows":true,"length":5}}}`
	dp, err := mw.CreatePart(nil)
	require.NoError(t, err)
	_, err = dp.Write([]byte(docJSON))
	require.NoError(t, err)

	h := make(map[string][]string)
	h["Content-Disposition"] = []string{`attachment; filename="note.txt"`}
	ap, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = ap.Write([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, mw.Close())

	store := openTestBlobStore(t)
	contentType := "multipart/related; boundary=" + mw.Boundary()

	doc, err := Parse(contentType, &buf, store)
	require.NoError(t, err)
	require.Len(t, doc.Attachments, 1)
	require.Equal(t, "note.txt", doc.Attachments[0].Filename)
	require.Equal(t, int64(5), doc.Attachments[0].Length)
}

func TestParseMultipartSingleFallback(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	docJSON := `{"_id":"doc1","_attachments":{"blob.bin":{"content_type":"application/octet-stream","follows":true}}}`
	dp, err := mw.CreatePart(nil)
	require.NoError(t, err)
	_, err = dp.Write([]byte(docJSON))
	require.NoError(t, err)

	ap, err := mw.CreatePart(nil) // no filename, no digest match available
	require.NoError(t, err)
	_, err = ap.Write([]byte("xyz"))
	require.NoError(t, err)

	require.NoError(t, mw.Close())

	store := openTestBlobStore(t)
	contentType := "multipart/related; boundary=" + mw.Boundary()

	doc, err := Parse(contentType, &buf, store)
	require.NoError(t, err)
	require.Len(t, doc.Attachments, 1)
	require.Equal(t, "blob.bin", doc.Attachments[0].Filename)
}

func TestParseMultipartUnresolvableFails(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	docJSON := `{"_attachments":{"a.txt":{"follows":true},"b.txt":{"follows":true}}}`
	dp, err := mw.CreatePart(nil)
	require.NoError(t, err)
	_, err = dp.Write([]byte(docJSON))
	require.NoError(t, err)

	ap, err := mw.CreatePart(nil)
	require.NoError(t, err)
	_, err = ap.Write([]byte("only one part"))
	require.NoError(t, err)

	require.NoError(t, mw.Close())

	store := openTestBlobStore(t)
	contentType := "multipart/related; boundary=" + mw.Boundary()

	_, err = Parse(contentType, &buf, store)
	require.Error(t, err)
}
