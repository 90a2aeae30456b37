// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/absmach/fluxmq-replica/replication"
)

const maxEventSize = 64 * 1024

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Replicator is the view of the replication node the server needs.
type Replicator interface {
	NodeID() string
	Leader() string
	IsLeader() bool
	Queues() []string
	Stats() map[string]string
	Submit(ctx context.Context, e cluster.Event) (replication.Receipt, error)
	DeclareQueue(queue string) error
	RemoveQueue(queue string) error
}

// Server provides health, ownership introspection and the event forwarding
// endpoint used by followers.
type Server struct {
	config   Config
	registry *cluster.Registry
	node     Replicator
	logger   *slog.Logger
	server   *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. node may be nil when replication
// is disabled.
func New(cfg Config, registry *cluster.Registry, node Replicator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		node:     node,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /cluster/status", s.handleClusterStatus)
	mux.HandleFunc("GET /queues/{name}", s.handleQueue)
	if s.node != nil {
		mux.HandleFunc("POST "+replication.EventsPath, s.handleEvent)
		mux.HandleFunc("PUT /queues/{name}", s.handleDeclareQueue)
		mux.HandleFunc("DELETE /queues/{name}", s.handleRemoveQueue)
	}
	return mux
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("starting health check server", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady reports ready once ownership can be arbitrated: the registry
// exists and, when replicated, a leader is known.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "registry not initialized"})
		return
	}
	if s.node != nil && s.node.Leader() == "" {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "no replication leader"})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// ClusterStatusResponse represents replication health information.
type ClusterStatusResponse struct {
	NodeID       string   `json:"node_id"`
	Replicated   bool     `json:"replicated"`
	IsLeader     bool     `json:"is_leader"`
	Leader       string   `json:"leader,omitempty"`
	RaftState    string   `json:"raft_state,omitempty"`
	AppliedIndex string   `json:"applied_index,omitempty"`
	Queues       []string `json:"queues,omitempty"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	var resp ClusterStatusResponse
	if s.registry != nil {
		resp.NodeID = string(s.registry.Self())
	}

	if s.node != nil {
		stats := s.node.Stats()
		resp.Replicated = true
		resp.NodeID = s.node.NodeID()
		resp.IsLeader = s.node.IsLeader()
		resp.Leader = s.node.Leader()
		resp.RaftState = stats["state"]
		resp.AppliedIndex = stats["applied_index"]
		resp.Queues = s.node.Queues()
	}

	writeJSON(w, http.StatusOK, resp)
}

// QueueResponse describes the local ownership view of one queue.
type QueueResponse struct {
	Queue           string             `json:"queue"`
	State           cluster.Ownership  `json:"state"`
	Members         []cluster.MemberID `json:"members"`
	Owner           cluster.MemberID   `json:"owner,omitempty"`
	DeliveryEnabled bool               `json:"delivery_enabled"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not initialized")
		return
	}
	qc, ok := s.registry.Lookup(name)
	if !ok {
		writeError(w, http.StatusNotFound, "queue not found")
		return
	}

	members := qc.Members()
	resp := QueueResponse{
		Queue:           name,
		State:           qc.State(),
		Members:         members,
		DeliveryEnabled: qc.Gate().Enabled(),
	}
	if resp.Members == nil {
		resp.Members = []cluster.MemberID{}
	}
	if len(members) > 0 {
		resp.Owner = members[0]
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvent accepts a membership event forwarded by a follower and
// replicates it through the local leader.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := cluster.DecodeEvent(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	receipt, err := s.node.Submit(r.Context(), e)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, receipt)
	case errors.Is(err, replication.ErrNotLeader):
		writeError(w, http.StatusMisdirectedRequest, err.Error())
	default:
		s.logger.Error("forwarded event failed",
			slog.String("queue", e.QueueName()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleDeclareQueue replicates a queue declaration. Leader only.
func (s *Server) handleDeclareQueue(w http.ResponseWriter, r *http.Request) {
	s.queueOp(w, r.PathValue("name"), "declare", s.node.DeclareQueue)
}

// handleRemoveQueue replicates a queue removal. Leader only.
func (s *Server) handleRemoveQueue(w http.ResponseWriter, r *http.Request) {
	s.queueOp(w, r.PathValue("name"), "remove", s.node.RemoveQueue)
}

func (s *Server) queueOp(w http.ResponseWriter, name, op string, fn func(string) error) {
	err := fn(name)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, replication.ErrNotLeader):
		writeError(w, http.StatusMisdirectedRequest, err.Error())
	case errors.Is(err, cluster.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("queue operation failed",
			slog.String("queue", name),
			slog.String("op", op),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
