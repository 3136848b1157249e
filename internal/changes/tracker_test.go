package changes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_changes", r.URL.Path)
		require.Equal(t, "normal", r.URL.Query().Get("feed"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[{"seq":"1-abc","id":"doc1","changes":[{"rev":"1-x"}]}],"last_seq":"1-abc"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	feed, err := c.Fetch(context.Background(), Options{Limit: 100})
	require.NoError(t, err)
	require.Len(t, feed.Results, 1)
	require.Equal(t, "doc1", feed.Results[0].ID)
}

func TestFetchTerminalErrorStopsImmediately(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Fetch(context.Background(), Options{})
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":[],"last_seq":"2-def"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	feed, err := c.Fetch(context.Background(), Options{})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	var lastSeq string
	require.NoError(t, json.Unmarshal(feed.LastSeq, &lastSeq))
	require.Equal(t, "2-def", lastSeq)
}

func TestBuildURLEncodesNonStringSince(t *testing.T) {
	u, err := buildURL("http://remote/db", Options{Since: json.RawMessage(`[1,2]`)})
	require.NoError(t, err)
	require.Contains(t, u, "since=")
}
