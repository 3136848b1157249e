package views

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchkeep/couchkeep/internal/storage"
)

func openTestStorage(t *testing.T) *storage.Engine {
	t.Helper()
	e := storage.New()
	require.NoError(t, e.Open(storage.Options{Dir: t.TempDir()}))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func byTypeMap(doc storage.Revision) []Row {
	var body struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(doc.Body, &body); err != nil || body.Type == "" {
		return nil
	}
	key, _ := json.Marshal(body.Type)
	return []Row{{DocID: doc.DocID, Key: key, Value: json.RawMessage("null")}}
}

func TestViewRefreshAndQuery(t *testing.T) {
	store := openTestStorage(t)
	ve := New(store)
	require.NoError(t, ve.Register(Definition{ID: "by_type", Name: "by_type", Version: 1, Map: byTypeMap}))

	_, err := store.Put("doc1", json.RawMessage(`{"type":"cat"}`), "", false, false)
	require.NoError(t, err)
	_, err = store.Put("doc2", json.RawMessage(`{"type":"dog"}`), "", false, false)
	require.NoError(t, err)

	require.NoError(t, ve.Refresh("by_type"))

	rows, err := ve.Query("by_type", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestViewRefreshDropsStaleRowsOnUpdate(t *testing.T) {
	store := openTestStorage(t)
	ve := New(store)
	require.NoError(t, ve.Register(Definition{ID: "by_type", Name: "by_type", Version: 1, Map: byTypeMap}))

	rev1, err := store.Put("doc1", json.RawMessage(`{"type":"cat"}`), "", false, false)
	require.NoError(t, err)
	require.NoError(t, ve.Refresh("by_type"))

	_, err = store.Put("doc1", json.RawMessage(`{"type":"dog"}`), rev1.RevID, false, false)
	require.NoError(t, err)
	require.NoError(t, ve.Refresh("by_type"))

	rows, err := ve.Query("by_type", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var key string
	require.NoError(t, json.Unmarshal(rows[0].Key, &key))
	require.Equal(t, "dog", key)
}

func currentLeafMap(doc storage.Revision) []Row {
	if !doc.Current {
		return nil
	}
	key, _ := json.Marshal(doc.DocID)
	value, _ := json.Marshal(doc.RevID)
	return []Row{{DocID: doc.DocID, Key: key, Value: value}}
}

func TestViewRefreshKeepsSiblingLeavesWithinOneBatch(t *testing.T) {
	store := openTestStorage(t)
	ve := New(store)
	require.NoError(t, ve.Register(Definition{ID: "leaves", Name: "leaves", Version: 1, Map: currentLeafMap}))

	rev1, err := store.Put("doc1", json.RawMessage(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	_, err = store.Put("doc1", json.RawMessage(`{"v":2}`), rev1.RevID, false, false)
	require.NoError(t, err)

	// ForceInsert a second, independent branch off rev1 (already
	// non-current by this point): the replicator's equivalent of a
	// conflicting edit applied concurrently elsewhere.
	_, err = store.ForceInsert("doc1", json.RawMessage(`{"v":"conflict"}`), "2-conflict",
		false, []string{"2-conflict", rev1.RevID}, "", storage.ForceInsertOptions{})
	require.NoError(t, err)

	require.NoError(t, ve.Refresh("leaves"))

	rows, err := ve.Query("leaves", QueryOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 2, "both conflicting leaves should survive the same refresh batch")
}

func TestCompareCollationOrder(t *testing.T) {
	require.True(t, Compare(nil, false) < 0)
	require.True(t, Compare(false, true) < 0)
	require.True(t, Compare(true, float64(1)) < 0)
	require.True(t, Compare(float64(2), "a") < 0)
	require.True(t, Compare("a", []interface{}{}) < 0)
	require.True(t, Compare([]interface{}{}, map[string]interface{}{}) < 0)
}
