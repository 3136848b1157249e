// Package replicator implements couchkeep's pull replicator: the
// incremental, checkpointed sync loop that pulls revisions from a remote
// CouchDB-compatible database into a local pkg/datastore.Store, per
// spec.md §4.G.
package replicator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/couchkeep/couchkeep/internal/changes"
	"github.com/couchkeep/couchkeep/internal/multipart"
	"github.com/couchkeep/couchkeep/internal/storage"
	"github.com/couchkeep/couchkeep/internal/storeerr"
	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/events"
	"github.com/couchkeep/couchkeep/pkg/log"
	"github.com/couchkeep/couchkeep/pkg/metrics"
)

// State is a replicator run's position in the lifecycle spec.md §4.G
// names: Idle -> Starting -> Running -> (Draining -> Stopped) | (Error -> Stopped).
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDraining
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateError:
		return "error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// downloadsBatchSize and downloadsBatchWindow implement spec.md §4.G
// step 2's "accumulate up to N=200 revisions or 1s, then flush".
const (
	downloadsBatchSize   = 200
	downloadsBatchWindow = time.Second
	changeFeedLimit      = 200
	bulkGetBatchSize     = 50
	allDocsBatchSize     = 50
	// attsSinceLimit bounds how many local ancestor revisions are offered
	// per pulled revision (spec.md §4.G step 6's atts_since).
	attsSinceLimit = 10
	// kChangeQueueThreshold is the downloads-batcher depth at which the
	// change tracker's polling loop pauses (spec.md §4.G backpressure).
	kChangeQueueThreshold = 500
)

// Config configures one replication run.
type Config struct {
	// Remote is the source database's base URL, e.g. "http://host:5984/db".
	Remote string
	// HTTPClient is used for every outbound request; callers compose an
	// interceptor chain into its Transport via pkg/interceptor.NewChain.
	HTTPClient *http.Client
	// FilterName is passed to the remote _changes feed as its filter.
	// FilterParams only feeds the checkpoint ID; it is not sent to the
	// remote.
	FilterName   string
	FilterParams map[string]string
	// DocIDs restricts replication to this set of document ids.
	DocIDs []string
	// Heartbeat is the _changes feed heartbeat; 0 uses 5 minutes.
	Heartbeat time.Duration
	// MaxOpenConnections bounds concurrent in-flight HTTP requests
	// during dispatch (spec.md §4.G step 6; default 12).
	MaxOpenConnections int
}

func (c Config) maxOpenConnections() int {
	if c.MaxOpenConnections > 0 {
		return c.MaxOpenConnections
	}
	return 12
}

// Status is a snapshot of a replicator's progress, exposed to
// pkg/adminserver.
type Status struct {
	State           string
	CheckpointID    string
	LastCheckpoint  json.RawMessage
	RevisionsPulled int64
	Errors          int64
	LastError       string
}

// Replicator drives one configured pull replication.
type Replicator struct {
	cfg          Config
	store        *datastore.Store
	broker       *events.Broker
	checkpointID string

	changesClient *changes.Client

	mu    sync.Mutex
	state State

	cancel context.CancelFunc

	pending          *pendingSequences
	downloads        *batcher[pulledRevision]
	bulkGetSupported bool

	inFlight        atomic.Int32
	revisionsPulled atomic.Int64
	errorCount      atomic.Int64
	lastErr         atomic.Value // string
}

// pulledRevision is one change queued for download, per spec.md §4.G
// step 4.
type pulledRevision struct {
	DocID      string
	RevID      string
	Deleted    bool
	Conflicted bool
	FakeSeq    int64
	RemoteSeq  json.RawMessage

	// Populated once downloaded.
	Body        json.RawMessage
	Attachments []multipart.Attachment
}

// New builds a Replicator. cfg.Remote identifies which checkpoint this
// run resumes from/advances (spec.md §4.G step 8).
func New(cfg Config, store *datastore.Store, broker *events.Broker) *Replicator {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	r := &Replicator{
		cfg:           cfg,
		store:         store,
		broker:        broker,
		checkpointID:  deriveCheckpointID(cfg.Remote, cfg.FilterName, cfg.FilterParams, cfg.DocIDs),
		changesClient: &changes.Client{HTTPClient: cfg.HTTPClient, BaseURL: cfg.Remote},
		pending:       newPendingSequences(),
		state:         StateIdle,
	}
	r.lastErr.Store("")
	return r
}

// State returns the replicator's current lifecycle state.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Replicator) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Status snapshots the replicator's progress for the admin surface.
func (r *Replicator) Status() Status {
	cp, _ := r.store.Engine().GetCheckpoint(r.checkpointID)
	return Status{
		State:           r.State().String(),
		CheckpointID:    r.checkpointID,
		LastCheckpoint:  cp.LastSequence,
		RevisionsPulled: r.revisionsPulled.Load(),
		Errors:          r.errorCount.Load(),
		LastError:       r.lastErr.Load().(string),
	}
}

// Stop requests a graceful shutdown: no new HTTP requests are issued,
// in-flight ones are cancelled through the run's context, queues are
// drained, and a final
// checkpoint is attempted (spec.md §5 "Cancellation").
func (r *Replicator) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes one full replication pass: probes capability, starts
// from the last checkpoint, polls the remote's _changes feed until it
// reports a short page (caught up), dispatches downloads under
// MaxOpenConnections, and checkpoints as the contiguous prefix of
// completed revisions advances. It blocks until caught up, ctx is
// cancelled, or Stop is called.
func (r *Replicator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	r.setState(StateStarting)
	r.bulkGetSupported = probeBulkGet(ctx, r.cfg.HTTPClient, r.cfg.Remote)
	log.Logger.Info().Bool("bulk_get", r.bulkGetSupported).Str("remote", r.cfg.Remote).Msg("replicator starting")

	cp, err := r.store.Engine().GetCheckpoint(r.checkpointID)
	if err != nil {
		r.setState(StateError)
		return fmt.Errorf("load checkpoint: %w", err)
	}
	since := cp.LastSequence

	heartbeat := r.cfg.Heartbeat
	if heartbeat == 0 {
		heartbeat = 5 * time.Minute
	}

	sem := make(chan struct{}, r.cfg.maxOpenConnections())
	var wg sync.WaitGroup

	r.downloads = newBatcher(downloadsBatchSize, downloadsBatchWindow, func(batch []pulledRevision) {
		r.flushDownloads(batch)
	})

	r.publish(events.EventReplicationStarted, "")
	r.setState(StateRunning)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			r.drain()
			r.setState(StateStopped)
			return ctx.Err()
		default:
		}

		for r.downloads.Len() > kChangeQueueThreshold {
			select {
			case <-ctx.Done():
				wg.Wait()
				r.drain()
				r.setState(StateStopped)
				return ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
		}

		feed, err := r.changesClient.Fetch(ctx, changes.Options{
			Since:     since,
			Limit:     changeFeedLimit,
			Heartbeat: heartbeat,
			Filter:    r.cfg.FilterName,
			DocIDs:    r.cfg.DocIDs,
		})
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				r.drain()
				r.setState(StateStopped)
				return ctx.Err()
			}
			r.recordError(err)
			r.setState(StateError)
			return fmt.Errorf("fetch changes feed: %w", err)
		}
		since = feed.LastSeq

		queued := r.inboxFlush(feed.Results)
		r.dispatch(ctx, sem, &wg, queued)

		if len(feed.Results) < changeFeedLimit {
			break
		}
	}

	wg.Wait()
	r.drain()
	r.setState(StateStopped)
	r.publish(events.EventReplicationStopped, "")
	return nil
}

// inboxFlush implements spec.md §4.G step 5: skip revisions already
// present locally and assign the rest a fake local sequence; dispatch
// then buckets them by strategy.
func (r *Replicator) inboxFlush(changeList []changes.Change) []pulledRevision {
	var queued []pulledRevision
	for _, c := range changeList {
		if len(c.Changes) == 0 {
			continue
		}
		revID := c.Changes[0].Rev
		if r.alreadyPresent(c.ID, revID) {
			continue
		}
		pr := pulledRevision{
			DocID:      c.ID,
			RevID:      revID,
			Deleted:    c.Deleted,
			Conflicted: len(c.Changes) > 1,
			RemoteSeq:  c.Seq,
		}
		pr.FakeSeq = r.pending.Add(c.Seq)
		queued = append(queued, pr)
	}
	return queued
}

func (r *Replicator) alreadyPresent(docID, revID string) bool {
	_, err := r.store.Engine().Get(docID, revID, storage.GetOptions{})
	return err == nil || storeerr.IsDeleted(err)
}

func generationOf(revID string) int {
	gen := 0
	for _, c := range revID {
		if c == '-' {
			break
		}
		if c < '0' || c > '9' {
			return 0
		}
		gen = gen*10 + int(c-'0')
	}
	return gen
}

// dispatch implements spec.md §4.G step 6: route each queued revision to
// bulk-get, _all_docs, or a single GET, bounded by sem's capacity
// (max_open_connections).
func (r *Replicator) dispatch(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, queued []pulledRevision) {
	var bulkGetQueue, allDocsQueue, singleQueue []pulledRevision

	for _, pr := range queued {
		switch {
		case r.bulkGetSupported:
			bulkGetQueue = append(bulkGetQueue, pr)
		case generationOf(pr.RevID) == 1 && !pr.Deleted && !pr.Conflicted:
			allDocsQueue = append(allDocsQueue, pr)
		default:
			singleQueue = append(singleQueue, pr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for len(bulkGetQueue) > 0 {
		n := bulkGetBatchSize
		if n > len(bulkGetQueue) {
			n = len(bulkGetQueue)
		}
		batch := bulkGetQueue[:n]
		bulkGetQueue = bulkGetQueue[n:]
		r.runBounded(g, sem, wg, func() error { return r.dispatchBulkGet(gctx, batch) })
	}
	for len(allDocsQueue) > 0 {
		n := allDocsBatchSize
		if n > len(allDocsQueue) {
			n = len(allDocsQueue)
		}
		batch := allDocsQueue[:n]
		allDocsQueue = allDocsQueue[n:]
		r.runBounded(g, sem, wg, func() error { return r.dispatchAllDocs(gctx, batch) })
	}
	for _, pr := range singleQueue {
		pr := pr
		r.runBounded(g, sem, wg, func() error { return r.dispatchSingle(gctx, pr) })
	}

	if err := g.Wait(); err != nil {
		r.recordError(err)
	}
}

func (r *Replicator) runBounded(g *errgroup.Group, sem chan struct{}, wg *sync.WaitGroup, fn func() error) {
	wg.Add(1)
	g.Go(func() error {
		defer wg.Done()
		sem <- struct{}{}
		r.inFlight.Add(1)
		defer func() {
			<-sem
			r.inFlight.Add(-1)
		}()
		if err := fn(); err != nil {
			log.Logger.Warn().Err(err).Msg("replicator dispatch failed, will retry on next poll")
			return nil // transient per-item failures don't abort the run (spec.md §4.G step 10)
		}
		return nil
	})
}

// attsSince looks up the local ancestors already held for docID that
// are older than revID, so the remote can skip re-sending attachment
// data unchanged since those ancestors (spec.md §4.G step 6).
func (r *Replicator) attsSince(docID, revID string) []string {
	ancestors, err := r.store.Engine().PossibleAncestors(docID, revID, attsSinceLimit)
	if err != nil || len(ancestors) == 0 {
		return nil
	}
	ids := make([]string, len(ancestors))
	for i, a := range ancestors {
		ids[i] = a.RevID
	}
	return ids
}

func (r *Replicator) dispatchBulkGet(ctx context.Context, batch []pulledRevision) error {
	byKey := make(map[string]*pulledRevision, len(batch))
	req := bulkGetRequest{Docs: make([]bulkGetRequestDoc, len(batch))}
	for i, pr := range batch {
		req.Docs[i] = bulkGetRequestDoc{ID: pr.DocID, Rev: pr.RevID, AttsSince: r.attsSince(pr.DocID, pr.RevID)}
		byKey[pr.DocID+"\x00"+pr.RevID] = &batch[i]
	}

	var resp bulkGetResponse
	url := joinURL(r.cfg.Remote, "_bulk_get?latest=true&revs=true&attachments=true")
	if _, err := postJSON(ctx, r.cfg.HTTPClient, url, req, &resp); err != nil {
		return err
	}

	for _, result := range resp.Results {
		for _, entry := range result.Docs {
			if entry.Error != nil || entry.OK == nil {
				continue
			}
			revID, _, err := parseHistory(entry.OK)
			if err != nil {
				continue
			}
			var idOnly struct {
				ID string `json:"_id"`
			}
			json.Unmarshal(entry.OK, &idOnly)
			pr, ok := byKey[idOnly.ID+"\x00"+revID]
			if !ok {
				continue
			}
			pr.Body = entry.OK
			r.downloads.Add(*pr)
		}
	}
	return nil
}

func (r *Replicator) dispatchAllDocs(ctx context.Context, batch []pulledRevision) error {
	byID := make(map[string]*pulledRevision, len(batch))
	req := allDocsRequest{Keys: make([]string, len(batch))}
	for i, pr := range batch {
		req.Keys[i] = pr.DocID
		byID[pr.DocID] = &batch[i]
	}

	var resp allDocsResponse
	url := joinURL(r.cfg.Remote, "_all_docs?include_docs=true")
	if _, err := postJSON(ctx, r.cfg.HTTPClient, url, req, &resp); err != nil {
		return err
	}

	var requeue []pulledRevision
	matched := make(map[string]bool)
	for _, row := range resp.Rows {
		pr, ok := byID[row.ID]
		if !ok || row.Doc == nil {
			continue
		}
		var probe struct {
			Rev         string          `json:"_rev"`
			Attachments json.RawMessage `json:"_attachments"`
		}
		json.Unmarshal(row.Doc, &probe)
		if probe.Rev != pr.RevID || probe.Attachments != nil {
			requeue = append(requeue, *pr)
			continue
		}
		matched[row.ID] = true
		pr.Body = row.Doc
		r.downloads.Add(*pr)
	}
	for _, pr := range batch {
		if !matched[pr.DocID] {
			requeue = append(requeue, pr)
		}
	}
	for _, pr := range requeue {
		if err := r.dispatchSingle(ctx, pr); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replicator) dispatchSingle(ctx context.Context, pr pulledRevision) error {
	url := fmt.Sprintf("%s?rev=%s&latest=true&revs=true&attachments=true", joinURL(r.cfg.Remote, pr.DocID), pr.RevID)
	if since := r.attsSince(pr.DocID, pr.RevID); len(since) > 0 {
		encoded, err := json.Marshal(since)
		if err == nil {
			url += "&atts_since=" + neturl.QueryEscape(string(encoded))
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		log.Logger.Warn().Str("doc_id", pr.DocID).Str("rev_id", pr.RevID).Msg("remote forbade pulling revision, skipping")
		r.pending.Complete(pr.FakeSeq)
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	doc, err := multipart.Parse(resp.Header.Get("Content-Type"), resp.Body, r.store.Engine().Blobs())
	if err != nil {
		return err
	}
	pr.Body = doc.Body
	pr.Attachments = doc.Attachments
	r.downloads.Add(pr)
	return nil
}

// flushDownloads implements spec.md §4.G step 7: sort by fake sequence
// and force-insert each revision in order.
func (r *Replicator) flushDownloads(batch []pulledRevision) {
	sort.Slice(batch, func(i, j int) bool { return batch[i].FakeSeq < batch[j].FakeSeq })

	for _, pr := range batch {
		_, history, err := parseHistory(pr.Body)
		if err != nil {
			r.recordError(err)
			r.pending.Complete(pr.FakeSeq)
			for _, att := range pr.Attachments {
				att.Writer.Cancel()
			}
			continue
		}

		// The pulled JSON carries _id, _rev, _revisions and similar
		// metadata that the storage engine keeps outside the body; only
		// _attachments is passed on for ForceInsert to consume.
		var fields map[string]json.RawMessage
		if json.Unmarshal(pr.Body, &fields) == nil {
			for k := range fields {
				if strings.HasPrefix(k, "_") && k != "_attachments" {
					delete(fields, k)
				}
			}
			pr.Body, _ = json.Marshal(fields)
		}

		_, err = r.store.Engine().ForceInsert(pr.DocID, pr.Body, pr.RevID, pr.Deleted, history, r.cfg.Remote, storage.ForceInsertOptions{})
		if err != nil {
			r.recordError(err)
			r.pending.Complete(pr.FakeSeq)
			for _, att := range pr.Attachments {
				att.Writer.Cancel()
			}
			continue
		}

		for _, att := range pr.Attachments {
			if err := r.installStreamedAttachment(pr.DocID, pr.RevID, att); err != nil {
				r.recordError(err)
			}
		}

		r.revisionsPulled.Add(1)
		metrics.ReplicationRevisionsPulled.WithLabelValues(r.cfg.Remote).Inc()
		r.pending.Complete(pr.FakeSeq)
		r.maybeCheckpoint()
	}
}

func (r *Replicator) installStreamedAttachment(docID, revID string, att multipart.Attachment) error {
	if err := r.store.Engine().DB().Update(func(tx *bolt.Tx) error {
		return att.Writer.Install(tx)
	}); err != nil {
		att.Writer.Cancel()
		return err
	}
	return r.store.Engine().PutAttachmentStream(docID, revID, att.Filename, att.ContentType, att.Writer.Key(), att.Writer.Length())
}

// maybeCheckpoint persists the checkpoint both locally and to the
// remote's _local/<checkpoint_id> document whenever the contiguous
// completed prefix has advanced (spec.md §4.G step 8).
func (r *Replicator) maybeCheckpoint() {
	seq := r.pending.CheckpointableSeq()
	if seq == nil {
		return
	}
	if err := r.store.Engine().PutCheckpoint(r.checkpointID, seq); err != nil {
		r.recordError(err)
		return
	}
	r.publish(events.EventReplicationCheckpoint, string(seq))
	metrics.ReplicationCheckpointSeq.WithLabelValues(r.cfg.Remote).Set(float64(time.Now().Unix()))

	go r.putRemoteCheckpoint(seq)
}

func (r *Replicator) putRemoteCheckpoint(seq json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	url := joinURL(r.cfg.Remote, r.checkpointID)
	body, _ := json.Marshal(map[string]json.RawMessage{"seq": seq})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("remote checkpoint PUT failed, will retry on next advance")
		return
	}
	resp.Body.Close()
}

// drain implements spec.md §4.G step 9's "flushes batchers, writes a
// final checkpoint".
func (r *Replicator) drain() {
	r.setState(StateDraining)
	if r.downloads != nil {
		r.downloads.Flush()
	}
	r.maybeCheckpoint()
}

func (r *Replicator) recordError(err error) {
	r.errorCount.Add(1)
	r.lastErr.Store(err.Error())
	metrics.ReplicationErrorsTotal.WithLabelValues(r.cfg.Remote, "transient").Inc()
	log.Logger.Error().Err(err).Str("remote", r.cfg.Remote).Msg("replicator error")
}

func (r *Replicator) publish(t events.EventType, note string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:   t,
		Source: r.cfg.Remote,
		Metadata: map[string]string{
			"checkpoint_id": r.checkpointID,
			"note":          note,
		},
	})
}
