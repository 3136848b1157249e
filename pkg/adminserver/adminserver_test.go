package adminserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/replicator"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := datastore.Open(t.TempDir(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New("127.0.0.1:0", store, nil, nil)
}

func TestHandleStartRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/replication/start", nil)
	w := httptest.NewRecorder()
	s.handleStart(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleStartRejectsMissingRemote(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(startRequest{})
	req := httptest.NewRequest(http.MethodPost, "/replication/start", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleStart(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStartThenStatusThenStop(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer remote.Close()

	s := newTestServer(t)

	body, _ := json.Marshal(startRequest{Remote: remote.URL + "/db"})
	req := httptest.NewRequest(http.MethodPost, "/replication/start", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleStart(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	statusReq := httptest.NewRequest(http.MethodGet, "/replication/status", nil)
	statusW := httptest.NewRecorder()
	s.handleStatus(statusW, statusReq)
	require.Equal(t, http.StatusOK, statusW.Code)

	var status replicator.Status
	require.NoError(t, json.NewDecoder(statusW.Body).Decode(&status))

	stopReq := httptest.NewRequest(http.MethodPost, "/replication/stop", nil)
	stopW := httptest.NewRecorder()
	s.handleStop(stopW, stopReq)
	require.Equal(t, http.StatusOK, stopW.Code)
}

func TestHandleStopWithNoReplicationConfigured(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/replication/stop", nil)
	w := httptest.NewRecorder()
	s.handleStop(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleStatusIdleWithNoReplicationConfigured(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/replication/status", nil)
	w := httptest.NewRecorder()
	s.handleStatus(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var status replicator.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.Equal(t, "idle", status.State)
}

func TestHandleCompact(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/compact", nil)
	w := httptest.NewRecorder()
	s.handleCompact(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleConflictsRejectsWrongMethod(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/conflicts", nil)
	w := httptest.NewRecorder()
	s.handleConflicts(w, req)

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleConflictsListsConflictedDocs(t *testing.T) {
	s := newTestServer(t)

	rev, err := s.store.Put("doc1", json.RawMessage(`{"v":1}`), "", false, false)
	require.NoError(t, err)
	_, err = s.store.Put("doc1", json.RawMessage(`{"v":2}`), rev.RevID, false, false)
	require.NoError(t, err)
	_, err = s.store.Engine().ForceInsert("doc1", json.RawMessage(`{"v":"conflict"}`), "2-conflict",
		false, []string{"2-conflict", rev.RevID}, "", storage.ForceInsertOptions{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/conflicts", nil)
	w := httptest.NewRecorder()
	s.handleConflicts(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		DocIDs []string `json:"doc_ids"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, []string{"doc1"}, body.DocIDs)
}
