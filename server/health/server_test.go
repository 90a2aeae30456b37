// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/absmach/fluxmq-replica/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockReplicator implements Replicator for testing.
type mockReplicator struct {
	leader    string
	isLeader  bool
	submitted []cluster.Event
	submitErr error
	declared  []string
	removed   []string
	queueErr  error
}

func (m *mockReplicator) NodeID() string   { return "node-1" }
func (m *mockReplicator) Leader() string   { return m.leader }
func (m *mockReplicator) IsLeader() bool   { return m.isLeader }
func (m *mockReplicator) Queues() []string { return []string{"orders"} }
func (m *mockReplicator) Stats() map[string]string {
	return map[string]string{"state": "Leader", "applied_index": "12"}
}

func (m *mockReplicator) Submit(_ context.Context, e cluster.Event) (replication.Receipt, error) {
	if m.submitErr != nil {
		return replication.Receipt{}, m.submitErr
	}
	m.submitted = append(m.submitted, e)
	return replication.Receipt{Index: uint64(len(m.submitted)), Outcome: cluster.Applied}, nil
}

func (m *mockReplicator) DeclareQueue(queue string) error {
	if m.queueErr != nil {
		return m.queueErr
	}
	m.declared = append(m.declared, queue)
	return nil
}

func (m *mockReplicator) RemoveQueue(queue string) error {
	if m.queueErr != nil {
		return m.queueErr
	}
	m.removed = append(m.removed, queue)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := New(Config{}, cluster.NewRegistry("node-1"), nil, testLogger())

	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)

	rec = do(t, s.Handler(), http.MethodPost, "/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		registry *cluster.Registry
		node     Replicator
		want     int
	}{
		{name: "standalone", registry: cluster.NewRegistry("node-1"), want: http.StatusOK},
		{name: "no registry", want: http.StatusServiceUnavailable},
		{name: "no leader", registry: cluster.NewRegistry("node-1"), node: &mockReplicator{}, want: http.StatusServiceUnavailable},
		{name: "leader known", registry: cluster.NewRegistry("node-1"), node: &mockReplicator{leader: "node-2"}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, tt.registry, tt.node, testLogger())
			rec := do(t, s.Handler(), http.MethodGet, "/ready", "")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestClusterStatusEndpoint(t *testing.T) {
	t.Run("standalone", func(t *testing.T) {
		s := New(Config{}, cluster.NewRegistry("node-1"), nil, testLogger())
		rec := do(t, s.Handler(), http.MethodGet, "/cluster/status", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ClusterStatusResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "node-1", resp.NodeID)
		assert.False(t, resp.Replicated)
	})

	t.Run("replicated", func(t *testing.T) {
		node := &mockReplicator{leader: "node-1", isLeader: true}
		s := New(Config{}, cluster.NewRegistry("node-1"), node, testLogger())
		rec := do(t, s.Handler(), http.MethodGet, "/cluster/status", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp ClusterStatusResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.True(t, resp.Replicated)
		assert.True(t, resp.IsLeader)
		assert.Equal(t, "Leader", resp.RaftState)
		assert.Equal(t, "12", resp.AppliedIndex)
		assert.Equal(t, []string{"orders"}, resp.Queues)
	})
}

func TestQueueEndpoint(t *testing.T) {
	reg := cluster.NewRegistry("node-1")
	reg.Declare("orders")
	_, err := reg.Apply(cluster.MemberSubscribed{Queue: "orders", Member: "node-1"})
	require.NoError(t, err)
	_, err = reg.Apply(cluster.MemberSubscribed{Queue: "orders", Member: "node-2"})
	require.NoError(t, err)
	reg.Declare("idle")

	s := New(Config{}, reg, nil, testLogger())

	rec := do(t, s.Handler(), http.MethodGet, "/queues/orders", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "orders", resp.Queue)
	assert.Equal(t, cluster.SharedOwner, resp.State)
	assert.Equal(t, []cluster.MemberID{"node-1", "node-2"}, resp.Members)
	assert.Equal(t, cluster.MemberID("node-1"), resp.Owner)
	assert.True(t, resp.DeliveryEnabled)

	rec = do(t, s.Handler(), http.MethodGet, "/queues/idle", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"UNSUBSCRIBED"`)
	assert.Contains(t, rec.Body.String(), `"members":[]`)

	rec = do(t, s.Handler(), http.MethodGet, "/queues/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventEndpoint(t *testing.T) {
	body, err := cluster.EncodeEvent(cluster.MemberSubscribed{Queue: "orders", Member: "node-2"})
	require.NoError(t, err)

	t.Run("disabled without replication", func(t *testing.T) {
		s := New(Config{}, cluster.NewRegistry("node-1"), nil, testLogger())
		rec := do(t, s.Handler(), http.MethodPost, replication.EventsPath, string(body))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("leader accepts", func(t *testing.T) {
		node := &mockReplicator{isLeader: true}
		s := New(Config{}, cluster.NewRegistry("node-1"), node, testLogger())
		rec := do(t, s.Handler(), http.MethodPost, replication.EventsPath, string(body))
		require.Equal(t, http.StatusOK, rec.Code)

		var receipt replication.Receipt
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&receipt))
		assert.Equal(t, uint64(1), receipt.Index)
		assert.Equal(t, cluster.Applied, receipt.Outcome)
		assert.Equal(t, []cluster.Event{cluster.MemberSubscribed{Queue: "orders", Member: "node-2"}}, node.submitted)
	})

	t.Run("follower redirects", func(t *testing.T) {
		node := &mockReplicator{submitErr: replication.ErrNotLeader}
		s := New(Config{}, cluster.NewRegistry("node-1"), node, testLogger())
		rec := do(t, s.Handler(), http.MethodPost, replication.EventsPath, string(body))
		assert.Equal(t, http.StatusMisdirectedRequest, rec.Code)
	})

	t.Run("bad event", func(t *testing.T) {
		s := New(Config{}, cluster.NewRegistry("node-1"), &mockReplicator{}, testLogger())
		rec := do(t, s.Handler(), http.MethodPost, replication.EventsPath, `{"type":"moved"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("apply failure", func(t *testing.T) {
		node := &mockReplicator{submitErr: errors.New("disk full")}
		s := New(Config{}, cluster.NewRegistry("node-1"), node, testLogger())
		rec := do(t, s.Handler(), http.MethodPost, replication.EventsPath, string(body))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestQueueAdminEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		queueErr error
		want     int
	}{
		{name: "declare", method: http.MethodPut, want: http.StatusNoContent},
		{name: "remove", method: http.MethodDelete, want: http.StatusNoContent},
		{name: "declare on follower", method: http.MethodPut, queueErr: replication.ErrNotLeader, want: http.StatusMisdirectedRequest},
		{name: "remove missing", method: http.MethodDelete, queueErr: cluster.ErrQueueNotFound, want: http.StatusNotFound},
		{name: "apply failure", method: http.MethodDelete, queueErr: errors.New("raft apply failed"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &mockReplicator{queueErr: tt.queueErr}
			s := New(Config{}, cluster.NewRegistry("node-1"), node, testLogger())

			rec := do(t, s.Handler(), tt.method, "/queues/orders", "")
			assert.Equal(t, tt.want, rec.Code)
			if tt.queueErr != nil {
				return
			}
			if tt.method == http.MethodPut {
				assert.Equal(t, []string{"orders"}, node.declared)
			} else {
				assert.Equal(t, []string{"orders"}, node.removed)
			}
		})
	}

	t.Run("disabled without replication", func(t *testing.T) {
		s := New(Config{}, cluster.NewRegistry("node-1"), nil, testLogger())
		rec := do(t, s.Handler(), http.MethodPut, "/queues/orders", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestListenAndShutdown(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, cluster.NewRegistry("node-1"), nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Listen(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
