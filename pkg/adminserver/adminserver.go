// Package adminserver exposes a small JSON HTTP API for controlling a
// running couchkeepd instance's pull replication and compaction, secured
// the way the teacher's pkg/ingress/proxy.go serves HTTPS: a plain
// http.Server over a tls.Config built by pkg/security. The teacher's
// cluster control plane is a generated gRPC service; generating one here
// would require a protoc run this exercise can't perform, so the admin
// surface is grounded on the teacher's other network-facing pattern
// instead (see DESIGN.md).
package adminserver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/couchkeep/couchkeep/pkg/datastore"
	"github.com/couchkeep/couchkeep/pkg/events"
	"github.com/couchkeep/couchkeep/pkg/interceptor"
	"github.com/couchkeep/couchkeep/pkg/log"
	"github.com/couchkeep/couchkeep/pkg/metrics"
	"github.com/couchkeep/couchkeep/pkg/replicator"
)

// Server is the admin HTTP API: replication lifecycle control and
// on-demand compaction for one datastore.Store.
type Server struct {
	store  *datastore.Store
	broker *events.Broker

	httpServer *http.Server

	mu  sync.Mutex
	rep *replicator.Replicator
}

// New builds a Server. tlsConfig may be nil to serve plaintext (local
// development only); production deployments pass the mTLS config
// pkg/security.TLSConfig builds.
func New(addr string, store *datastore.Store, broker *events.Broker, tlsConfig *tls.Config) *Server {
	s := &Server{store: store, broker: broker}

	mux := http.NewServeMux()
	mux.HandleFunc("/replication/start", s.withMetrics("/replication/start", s.handleStart))
	mux.HandleFunc("/replication/stop", s.withMetrics("/replication/stop", s.handleStop))
	mux.HandleFunc("/replication/status", s.withMetrics("/replication/status", s.handleStatus))
	mux.HandleFunc("/compact", s.withMetrics("/compact", s.handleCompact))
	mux.HandleFunc("/conflicts", s.withMetrics("/conflicts", s.handleConflicts))
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		TLSConfig:    tlsConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves the admin API until ctx is cancelled, mirroring the
// teacher's ingress.Proxy.Start shutdown pattern.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if s.httpServer.TLSConfig != nil {
			serveErr = s.httpServer.ServeTLS(listener, "", "")
		} else {
			serveErr = s.httpServer.Serve(listener)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- serveErr
		}
	}()

	log.Logger.Info().Str("addr", s.httpServer.Addr).Bool("tls", s.httpServer.TLSConfig != nil).Msg("admin server listening")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

type startRequest struct {
	Remote             string            `json:"remote"`
	FilterName         string            `json:"filter_name"`
	FilterParams       map[string]string `json:"filter_params"`
	DocIDs             []string          `json:"doc_ids"`
	HeartbeatMS        int64             `json:"heartbeat_ms"`
	MaxOpenConnections int               `json:"max_open_connections"`
	BasicAuthUser      string            `json:"basic_auth_user"`
	BasicAuthPassword  string            `json:"basic_auth_password"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Remote == "" {
		writeError(w, http.StatusBadRequest, "remote is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rep != nil && s.rep.State() == replicator.StateRunning {
		writeError(w, http.StatusConflict, "a replication is already running")
		return
	}

	httpClient := &http.Client{}
	if req.BasicAuthUser != "" {
		httpClient.Transport = interceptor.NewChain(nil, &interceptor.BasicAuthInterceptor{
			Username: req.BasicAuthUser,
			Password: req.BasicAuthPassword,
		})
	}

	s.rep = replicator.New(replicator.Config{
		Remote:             req.Remote,
		HTTPClient:         httpClient,
		FilterName:         req.FilterName,
		FilterParams:       req.FilterParams,
		DocIDs:             req.DocIDs,
		Heartbeat:          time.Duration(req.HeartbeatMS) * time.Millisecond,
		MaxOpenConnections: req.MaxOpenConnections,
	}, s.store, s.broker)

	rep := s.rep
	go func() {
		if err := rep.Run(context.Background()); err != nil {
			log.Logger.Error().Err(err).Str("remote", req.Remote).Msg("replication run ended with error")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	s.mu.Lock()
	rep := s.rep
	s.mu.Unlock()
	if rep == nil {
		writeError(w, http.StatusNotFound, "no replication configured")
		return
	}
	rep.Stop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rep := s.rep
	s.mu.Unlock()
	if rep == nil {
		writeJSON(w, http.StatusOK, replicator.Status{State: replicator.StateIdle.String()})
		return
	}
	writeJSON(w, http.StatusOK, rep.Status())
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	if err := s.store.Compact(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "compacted"})
}

// handleConflicts lists documents with more than one open leaf revision,
// per SPEC_FULL.md §4.P.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	docIDs, err := s.store.ConflictedDocIDs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"doc_ids": docIDs})
}

func (s *Server) withMetrics(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rw, r)
		metrics.AdminRequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", rw.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
