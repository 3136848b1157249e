// Package changes implements a one-shot consumer of a remote CouchDB
// _changes feed, per spec.md §4.E: issue one GET, classify failures as
// transient or terminal, and retry transient ones with exponential
// backoff via github.com/cenkalti/backoff/v4.
package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/couchkeep/couchkeep/pkg/log"
)

// Change is one entry of the _changes feed's "results" array.
type Change struct {
	Seq     json.RawMessage `json:"seq"`
	ID      string          `json:"id"`
	Deleted bool            `json:"deleted"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
}

// Feed is the decoded shape of a full _changes response.
type Feed struct {
	Results []Change        `json:"results"`
	LastSeq json.RawMessage `json:"last_seq"`
}

// Options configures a single Fetch call.
type Options struct {
	// Since is the opaque sequence to resume from; nil means from the
	// beginning.
	Since json.RawMessage
	// Limit bounds the number of changes the remote returns; the
	// replicator uses a short-of-limit response as its "caught up"
	// signal (spec.md §4.G step 9).
	Limit int
	// Heartbeat, when >= 15s, is sent as the feed's heartbeat parameter.
	Heartbeat time.Duration
	Style     string // "all_docs" or ""
	Filter    string
	DocIDs    []string
}

// Client fetches one _changes response, retrying transient failures.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string // e.g. "http://remote/db"
}

// NewClient builds a Client with a sane default HTTP client, following
// the teacher's pattern of a single shared *http.Client per component
// rather than the zero-value default transport.
func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 0}, // the feed itself bounds via heartbeat/ctx
		BaseURL:    baseURL,
	}
}

// maxAttempts bounds the exponential backoff retry loop: 200ms doubling
// to a 300s ceiling, 6 attempts total, per spec.md §4.E.
const maxAttempts = 6

func buildURL(baseURL string, opts Options) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = joinPath(u.Path, "_changes")

	q := u.Query()
	q.Set("feed", "normal")
	if opts.Heartbeat >= 15*time.Second {
		q.Set("heartbeat", strconv.FormatInt(opts.Heartbeat.Milliseconds(), 10))
	}
	if len(opts.Since) > 0 {
		q.Set("since", sequenceQueryValue(opts.Since))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Style != "" {
		q.Set("style", opts.Style)
	}
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	if len(opts.DocIDs) > 0 {
		ids, err := json.Marshal(opts.DocIDs)
		if err != nil {
			return "", err
		}
		q.Set("doc_ids", string(ids))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sequenceQueryValue formats an opaque sequence ID for the URL: bare for
// JSON strings (after unquoting), JSON-encoded (then percent-escaped by
// url.Values.Encode) for arrays/objects/numbers, per spec.md §4.E.
func sequenceQueryValue(seq json.RawMessage) string {
	var s string
	if err := json.Unmarshal(seq, &s); err == nil {
		return s
	}
	return string(seq)
}

func joinPath(base, suffix string) string {
	if base == "" {
		return suffix
	}
	if base[len(base)-1] == '/' {
		return base + suffix[1:]
	}
	return base + suffix
}

// Fetch issues one _changes GET, retrying transient failures (network
// errors, 5xx) with exponential backoff up to maxAttempts. Terminal
// failures (4xx other than a retried auth challenge) return immediately.
func (c *Client) Fetch(ctx context.Context, opts Options) (Feed, error) {
	target, err := buildURL(c.BaseURL, opts)
	if err != nil {
		return Feed{}, err
	}

	var feed Feed
	attempt := 0

	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(err)
		}

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			log.Logger.Warn().Err(err).Int("attempt", attempt).Msg("changes feed request failed")
			return err // network error: transient, retry
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("changes feed returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("changes feed returned terminal status %d", resp.StatusCode))
		}

		var f Feed
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			// A connection closed mid-body after "{"results":" is
			// indistinguishable from any other truncated-JSON decode
			// error here; treat as transient per spec.md §4.E.
			return fmt.Errorf("decode changes feed body: %w", err)
		}
		feed = f
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 300 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // bounded by maxAttempts via the tries wrapper below

	boWithCtx := backoff.WithContext(backoff.WithMaxRetries(bo, maxAttempts-1), ctx)

	if err := backoff.Retry(op, boWithCtx); err != nil {
		return Feed{}, fmt.Errorf("fetch changes feed: %w", err)
	}
	return feed, nil
}
