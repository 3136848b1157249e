package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

type bulkGetRequestDoc struct {
	ID        string   `json:"id"`
	Rev       string   `json:"rev"`
	AttsSince []string `json:"atts_since,omitempty"`
}

type bulkGetRequest struct {
	Docs []bulkGetRequestDoc `json:"docs"`
}

type bulkGetResultEntry struct {
	OK    json.RawMessage `json:"ok,omitempty"`
	Error json.RawMessage `json:"error,omitempty"`
}

type bulkGetResponse struct {
	Results []struct {
		Docs []bulkGetResultEntry `json:"docs"`
	} `json:"results"`
}

type allDocsRequest struct {
	Keys []string `json:"keys"`
}

type allDocsRow struct {
	ID    string `json:"id"`
	Value struct {
		Rev     string `json:"rev"`
		Deleted bool   `json:"deleted"`
	} `json:"value"`
	Doc json.RawMessage `json:"doc"`
}

type allDocsResponse struct {
	Rows []allDocsRow `json:"rows"`
}

// revisionsField is CouchDB's compact `_revisions` encoding: a starting
// generation plus the suffix ids from newest to oldest.
type revisionsField struct {
	Start int      `json:"start"`
	IDs   []string `json:"ids"`
}

// parseHistory expands a pulled document's `_revisions` field (if
// present) into the full history list force_insert expects, newest
// first. A document pulled without `revs=true` history just has its
// own rev as a single-element history.
func parseHistory(doc json.RawMessage) (string, []string, error) {
	var wrapper struct {
		Rev       string          `json:"_rev"`
		Revisions *revisionsField `json:"_revisions"`
	}
	if err := json.Unmarshal(doc, &wrapper); err != nil {
		return "", nil, fmt.Errorf("decode pulled document: %w", err)
	}
	if wrapper.Revisions == nil || len(wrapper.Revisions.IDs) == 0 {
		return wrapper.Rev, []string{wrapper.Rev}, nil
	}
	history := make([]string, len(wrapper.Revisions.IDs))
	gen := wrapper.Revisions.Start
	for i, id := range wrapper.Revisions.IDs {
		history[i] = strconv.Itoa(gen) + "-" + id
		gen--
	}
	return wrapper.Rev, history, nil
}

// joinURL appends suffix (with its own leading query string, if any) to
// base's path.
func joinURL(base, suffix string) string {
	if base == "" {
		return suffix
	}
	if base[len(base)-1] == '/' && len(suffix) > 0 && suffix[0] == '/' {
		return base + suffix[1:]
	}
	if base[len(base)-1] != '/' && (len(suffix) == 0 || suffix[0] != '/') {
		return base + "/" + suffix
	}
	return base + suffix
}

// probeBulkGet implements spec.md §4.G step 1: POST an empty-body
// request to _bulk_get and classify the remote's support for it from
// the status code alone.
func probeBulkGet(ctx context.Context, client *http.Client, baseURL string) bool {
	body, _ := json.Marshal(bulkGetRequest{})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(baseURL, "_bulk_get"), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return false
	case http.StatusMethodNotAllowed:
		return true
	default:
		return false
	}
}

func postJSON(ctx context.Context, client *http.Client, url string, reqBody, respBody interface{}) (*http.Response, error) {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return resp, fmt.Errorf("remote returned status %d", resp.StatusCode)
	}
	if respBody != nil {
		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return resp, fmt.Errorf("decode response body: %w", err)
		}
	}
	return resp, nil
}
