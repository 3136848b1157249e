package replicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/pkg/datastore"
)

// fakeRemote is a minimal CouchDB-compatible surface covering the
// subset of endpoints the pull replicator drives: a one-shot _changes
// response, _bulk_get, and _local checkpoint storage.
type fakeRemote struct {
	mu          sync.Mutex
	served      bool
	checkpoints map[string]json.RawMessage
}

func newFakeRemote() *httptest.Server {
	fr := &fakeRemote{checkpoints: make(map[string]json.RawMessage)}
	mux := http.NewServeMux()

	mux.HandleFunc("/db/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req bulkGetRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Docs) == 0 {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		resp := bulkGetResponse{}
		for _, d := range req.Docs {
			doc := map[string]interface{}{"_id": d.ID, "_rev": "1-abc"}
			raw, _ := json.Marshal(doc)
			resp.Results = append(resp.Results, struct {
				Docs []bulkGetResultEntry `json:"docs"`
			}{Docs: []bulkGetResultEntry{{OK: raw}}})
		}
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/db/_changes", func(w http.ResponseWriter, r *http.Request) {
		fr.mu.Lock()
		already := fr.served
		fr.served = true
		fr.mu.Unlock()

		if already {
			json.NewEncoder(w).Encode(changesFeedJSON(nil, `"2"`))
			return
		}
		json.NewEncoder(w).Encode(changesFeedJSON([]changeJSON{
			{Seq: json.RawMessage(`"1"`), ID: "doc1", Rev: "1-abc"},
		}, `"2"`))
	})

	mux.HandleFunc("/db/_local/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path
		switch r.Method {
		case http.MethodGet:
			fr.mu.Lock()
			seq, ok := fr.checkpoints[id]
			fr.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(map[string]json.RawMessage{"seq": seq})
		case http.MethodPut:
			var body map[string]json.RawMessage
			json.NewDecoder(r.Body).Decode(&body)
			fr.mu.Lock()
			fr.checkpoints[id] = body["seq"]
			fr.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
		}
	})

	return httptest.NewServer(mux)
}

type changeJSON struct {
	Seq json.RawMessage
	ID  string
	Rev string
}

func changesFeedJSON(cs []changeJSON, lastSeq string) map[string]interface{} {
	results := make([]map[string]interface{}, len(cs))
	for i, c := range cs {
		results[i] = map[string]interface{}{
			"seq": c.Seq,
			"id":  c.ID,
			"changes": []map[string]string{
				{"rev": c.Rev},
			},
		}
	}
	return map[string]interface{}{"results": results, "last_seq": json.RawMessage(lastSeq)}
}

func TestRunPullsAndCheckpoints(t *testing.T) {
	srv := newFakeRemote()
	defer srv.Close()

	store, err := datastore.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer store.Close()

	rep := New(Config{Remote: srv.URL + "/db", HTTPClient: srv.Client()}, store, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = rep.Run(ctx)
	require.NoError(t, err)

	require.Equal(t, int64(1), rep.revisionsPulled.Load())

	_, err = store.Engine().Get("doc1", "1-abc", storage.GetOptions{})
	require.NoError(t, err)

	status := rep.Status()
	require.Equal(t, "stopped", status.State)
}

func TestAttsSincePopulatesFromLocalAncestors(t *testing.T) {
	store, err := datastore.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer store.Close()

	rev, err := store.Put("doc1", []byte(`{"v":1}`), "", false, false)
	require.NoError(t, err)

	rep := New(Config{Remote: "http://example.invalid/db"}, store, nil)

	since := rep.attsSince("doc1", "2-newchild")
	require.Equal(t, []string{rev.RevID}, since)
}

func TestDispatchBulkGetPopulatesAttsSince(t *testing.T) {
	var gotAttsSince []string
	mux := http.NewServeMux()
	mux.HandleFunc("/db/_bulk_get", func(w http.ResponseWriter, r *http.Request) {
		var req bulkGetRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Docs) > 0 {
			gotAttsSince = req.Docs[0].AttsSince
		}
		doc := map[string]interface{}{"_id": "doc1", "_rev": "2-child"}
		raw, _ := json.Marshal(doc)
		resp := bulkGetResponse{Results: []struct {
			Docs []bulkGetResultEntry `json:"docs"`
		}{{Docs: []bulkGetResultEntry{{OK: raw}}}}}
		json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	store, err := datastore.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	defer store.Close()

	rev, err := store.Put("doc1", []byte(`{"v":1}`), "", false, false)
	require.NoError(t, err)

	rep := New(Config{Remote: srv.URL + "/db", HTTPClient: srv.Client()}, store, nil)
	rep.downloads = newBatcher(downloadsBatchSize, downloadsBatchWindow, func(batch []pulledRevision) {})

	err = rep.dispatchBulkGet(context.Background(), []pulledRevision{{DocID: "doc1", RevID: "2-child"}})
	require.NoError(t, err)
	require.Equal(t, []string{rev.RevID}, gotAttsSince)
}
