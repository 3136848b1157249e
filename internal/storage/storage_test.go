package storage

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/couchkeep/couchkeep/internal/storeerr"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e := New()
	require.NoError(t, e.Open(Options{Dir: dir}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestPutCreateUpdateDelete(t *testing.T) {
	e := openTestEngine(t)

	rev1, err := e.Put("doc1", json.RawMessage(`{"a":1}`), "", false, false)
	require.NoError(t, err)
	require.Equal(t, 1, mustGen(t, rev1.RevID))
	require.True(t, rev1.Current)

	rev2, err := e.Put("doc1", json.RawMessage(`{"a":2}`), rev1.RevID, false, false)
	require.NoError(t, err)
	require.Equal(t, 2, mustGen(t, rev2.RevID))

	got, err := e.Get("doc1", "", GetOptions{})
	require.NoError(t, err)
	require.Equal(t, rev2.RevID, got.RevID)
	require.JSONEq(t, `{"a":2}`, string(got.Body))

	tomb, err := e.Delete("doc1", rev2.RevID)
	require.NoError(t, err)
	require.True(t, tomb.Deleted)

	_, err = e.Get("doc1", "", GetOptions{})
	require.True(t, storeerr.IsDeleted(err))

	explicit, err := e.Get("doc1", rev2.RevID, GetOptions{})
	require.NoError(t, err)
	require.Equal(t, rev2.RevID, explicit.RevID)
}

func TestPutRejectsConflictWithoutAllowConflict(t *testing.T) {
	e := openTestEngine(t)

	rev1, err := e.Put("doc1", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)

	_, err = e.Put("doc1", json.RawMessage(`{"x":1}`), "", false, false)
	require.True(t, storeerr.Is(err, storeerr.KindConflict))

	_, err = e.Put("doc1", json.RawMessage(`{"x":1}`), rev1.RevID, false, false)
	require.NoError(t, err)
}

func TestForceInsertCreatesConflictBranch(t *testing.T) {
	e := openTestEngine(t)

	rev1, err := e.Put("doc1", json.RawMessage(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	// A local child of rev1, so rev1 is no longer a leaf when the fork arrives.
	_, err = e.Put("doc1", json.RawMessage(`{"v":2}`), rev1.RevID, false, false)
	require.NoError(t, err)

	// Independently-applied remote history that forks from rev1.
	forked, err := e.ForceInsert("doc1", json.RawMessage(`{"v":"remote"}`), "2-bbbb", false,
		[]string{"2-bbbb", rev1.RevID}, "remote-a", ForceInsertOptions{})
	require.NoError(t, err)
	require.Equal(t, "2-bbbb", forked.RevID)

	leaves, err := currentLeavesPublic(e, "doc1")
	require.NoError(t, err)
	require.Len(t, leaves, 2)

	// Re-applying the same history must be a no-op, not an error.
	again, err := e.ForceInsert("doc1", json.RawMessage(`{"v":"remote"}`), "2-bbbb", false,
		[]string{"2-bbbb", rev1.RevID}, "remote-a", ForceInsertOptions{})
	require.NoError(t, err)
	require.Equal(t, forked.RevID, again.RevID)
}

func TestForceInsertFillsMissingAncestors(t *testing.T) {
	e := openTestEngine(t)

	// Insert a revision whose ancestors were never seen locally.
	rev, err := e.ForceInsert("doc2", json.RawMessage(`{"v":3}`), "3-ccc", false,
		[]string{"3-ccc", "2-bbb", "1-aaa"}, "remote-a", ForceInsertOptions{})
	require.NoError(t, err)
	require.Equal(t, "3-ccc", rev.RevID)

	hist, err := e.RevisionHistory("doc2", "3-ccc")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.Equal(t, "3-ccc", hist[0].RevID)
	require.Equal(t, "1-aaa", hist[2].RevID)
	require.True(t, hist[1].Missing)
	require.True(t, hist[2].Missing)
}

func TestDeleteByIDTombstonesAllLeaves(t *testing.T) {
	e := openTestEngine(t)

	rev1, err := e.Put("doc1", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)
	_, err = e.Put("doc1", json.RawMessage(`{"local":true}`), rev1.RevID, false, false)
	require.NoError(t, err)
	_, err = e.ForceInsert("doc1", json.RawMessage(`{"fork":true}`), "2-zzzz", false,
		[]string{"2-zzzz", rev1.RevID}, "remote", ForceInsertOptions{})
	require.NoError(t, err)

	tombstones, err := e.DeleteByID("doc1")
	require.NoError(t, err)
	require.Len(t, tombstones, 2)
	for _, ts := range tombstones {
		require.True(t, ts.Deleted)
	}
}

func TestPutWithInlineAttachment(t *testing.T) {
	e := openTestEngine(t)

	data := base64.StdEncoding.EncodeToString([]byte("hello attachment"))
	body := json.RawMessage(`{"_attachments":{"note.txt":{"content_type":"text/plain","data":"` + data + `"}}}`)

	rev, err := e.Put("doc1", body, "", false, false)
	require.NoError(t, err)

	got, err := e.Get("doc1", rev.RevID, GetOptions{IncludeAttachments: true})
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	require.Equal(t, "note.txt", got.Attachments[0].Filename)
	require.Equal(t, int64(len("hello attachment")), got.Attachments[0].Length)

	r, err := e.Blobs().Read(got.Attachments[0].Key)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, r.Length)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	require.Equal(t, "hello attachment", string(buf))
}

func TestChangesSinceOrdersByLatestTouch(t *testing.T) {
	e := openTestEngine(t)

	revA1, err := e.Put("a", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)
	_, err = e.Put("b", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)
	// Touch "a" again so it should sort after "b" in the feed.
	_, err = e.Put("a", json.RawMessage(`{"n":2}`), revA1.RevID, false, false)
	require.NoError(t, err)

	changes, err := e.ChangesSince(0, ChangesOptions{})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	require.Equal(t, "b", changes[0].DocID)
	require.Equal(t, "a", changes[1].DocID)
}

func TestAllDocsReturnsWinners(t *testing.T) {
	e := openTestEngine(t)

	_, err := e.Put("x", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)
	_, err = e.Put("y", json.RawMessage(`{}`), "", false, false)
	require.NoError(t, err)

	rows, err := e.AllDocs(AllDocsOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestCompactNullsAncestorBodies(t *testing.T) {
	e := openTestEngine(t)

	rev1, err := e.Put("doc1", json.RawMessage(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	_, err = e.Put("doc1", json.RawMessage(`{"v":2}`), rev1.RevID, false, false)
	require.NoError(t, err)

	require.NoError(t, e.Compact())

	hist, err := e.RevisionHistory("doc1", rev1.RevID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	require.Nil(t, hist[0].Body)
}

func mustGen(t *testing.T, revID string) int {
	t.Helper()
	for i, c := range revID {
		if c == '-' {
			n := 0
			for _, d := range revID[:i] {
				n = n*10 + int(d-'0')
			}
			return n
		}
	}
	return 0
}

func currentLeavesPublic(e *Engine, docID string) ([]Revision, error) {
	var out []Revision
	err := e.db.View(func(tx *bolt.Tx) error {
		leaves, err := currentLeaves(tx, docID)
		if err != nil {
			return err
		}
		for _, l := range leaves {
			out = append(out, l.toRevision())
		}
		return nil
	})
	return out, err
}
