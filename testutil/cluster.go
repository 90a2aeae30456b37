// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/absmach/fluxmq-replica/replication"
	"github.com/absmach/fluxmq-replica/server/health"
	"github.com/stretchr/testify/require"
)

// TestCluster is a set of replicated nodes on loopback ports.
type TestCluster struct {
	t       *testing.T
	Nodes   []*TestNode
	mu      sync.RWMutex
	stopped bool
}

// TestNode is one member of a TestCluster.
type TestNode struct {
	ID       string
	Registry *cluster.Registry
	Node     *replication.Node
	Health   *health.Server
	RaftAddr string
	APIAddr  string
	DataDir  string

	sink   *StateRecorder
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// StateRecorder is a StateSink that keeps every notification.
type StateRecorder struct {
	mu     sync.Mutex
	states map[string][]cluster.Ownership
}

func newStateRecorder() *StateRecorder {
	return &StateRecorder{states: make(map[string][]cluster.Ownership)}
}

func (r *StateRecorder) ReplicaState(queue string, state cluster.Ownership) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[queue] = append(r.states[queue], state)
}

// States returns the notifications received for queue.
func (r *StateRecorder) States(queue string) []cluster.Ownership {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.Ownership(nil), r.states[queue]...)
}

// Sink returns the node's notification recorder.
func (n *TestNode) Sink() *StateRecorder {
	return n.sink
}

func allocateUniquePort(t *testing.T, used map[int]struct{}) int {
	t.Helper()

	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if _, exists := used[port]; exists {
			continue
		}
		used[port] = struct{}{}
		return port
	}
}

// NewTestCluster prepares nodeCount nodes. Call Start to run them.
func NewTestCluster(t *testing.T, nodeCount int) *TestCluster {
	require.True(t, nodeCount > 0, "nodeCount must be positive")

	tc := &TestCluster{t: t, Nodes: make([]*TestNode, nodeCount)}

	used := make(map[int]struct{})
	for i := range nodeCount {
		tc.Nodes[i] = &TestNode{
			ID:       fmt.Sprintf("node-%d", i),
			RaftAddr: fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, used)),
			APIAddr:  fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(t, used)),
			DataDir:  t.TempDir(),
		}
	}

	t.Cleanup(tc.Stop)
	return tc
}

// Start launches every node and bootstraps the group with all of them.
func (tc *TestCluster) Start() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	peers := make([]replication.Peer, 0, len(tc.Nodes))
	for _, n := range tc.Nodes {
		peers = append(peers, replication.Peer{ID: n.ID, RaftAddr: n.RaftAddr, APIAddr: n.APIAddr})
	}

	for _, n := range tc.Nodes {
		if err := tc.startNode(n, peers); err != nil {
			return fmt.Errorf("start %s: %w", n.ID, err)
		}
	}
	return nil
}

func (tc *TestCluster) startNode(n *TestNode, peers []replication.Peer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil)).With(slog.String("node", n.ID))

	n.sink = newStateRecorder()
	n.Registry = cluster.NewRegistry(cluster.MemberID(n.ID),
		cluster.WithLogger(logger),
		cluster.WithSinks(n.sink))

	node, err := replication.NewNode(replication.Config{
		NodeID:           n.ID,
		BindAddr:         n.RaftAddr,
		DataDir:          n.DataDir,
		Peers:            peers,
		Bootstrap:        true,
		HeartbeatTimeout: 200 * time.Millisecond,
		ElectionTimeout:  200 * time.Millisecond,
		ApplyTimeout:     5 * time.Second,
		LogLevel:         "error",
	}, n.Registry, logger)
	if err != nil {
		return err
	}
	n.Node = node

	n.Health = health.New(health.Config{Address: n.APIAddr, ShutdownTimeout: time.Second}, n.Registry, node, logger)
	n.ctx, n.cancel = context.WithCancel(context.Background())
	n.done = make(chan struct{})
	go func() {
		defer close(n.done)
		if err := n.Health.Listen(n.ctx); err != nil {
			tc.t.Logf("health server on %s: %v", n.ID, err)
		}
	}()

	if err := node.Bootstrap(); err != nil {
		return err
	}
	tc.t.Logf("Started node %s (raft %s, api %s)", n.ID, n.RaftAddr, n.APIAddr)
	return nil
}

// Stop stops all nodes.
func (tc *TestCluster) Stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.stopped {
		return
	}
	for _, n := range tc.Nodes {
		tc.stopNode(n)
	}
	tc.stopped = true
}

func (tc *TestCluster) stopNode(n *TestNode) {
	if n.cancel != nil {
		n.cancel()
		select {
		case <-n.done:
		case <-time.After(2 * time.Second):
			tc.t.Logf("health server stop timeout on %s", n.ID)
		}
		n.cancel = nil
	}
	if n.Node != nil {
		if err := n.Node.Shutdown(); err != nil {
			tc.t.Logf("shutdown %s: %v", n.ID, err)
		}
	}
}

// KillNode stops a single node.
func (tc *TestCluster) KillNode(id string) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	for _, n := range tc.Nodes {
		if n.ID == id {
			tc.stopNode(n)
			return nil
		}
	}
	return fmt.Errorf("node %s not found", id)
}

// GetNode returns a node by ID.
func (tc *TestCluster) GetNode(id string) *TestNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	for _, n := range tc.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// GetLeader returns the current Raft leader, if any.
func (tc *TestCluster) GetLeader() *TestNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	for _, n := range tc.Nodes {
		if n.Node != nil && n.Node.IsLeader() {
			return n
		}
	}
	return nil
}

// GetFollower returns any node that is not the leader.
func (tc *TestCluster) GetFollower() *TestNode {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	for _, n := range tc.Nodes {
		if n.Node != nil && !n.Node.IsLeader() {
			return n
		}
	}
	return nil
}

// WaitForLeader waits until a leader is elected and every node knows it.
func (tc *TestCluster) WaitForLeader(timeout time.Duration) (*TestNode, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if leader := tc.GetLeader(); leader != nil && tc.allSee(leader.ID) {
			tc.t.Logf("Leader elected: %s", leader.ID)
			return leader, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	return nil, fmt.Errorf("no leader elected within %v", timeout)
}

func (tc *TestCluster) allSee(leader string) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	for _, n := range tc.Nodes {
		if n.Node == nil || n.Node.Leader() != leader {
			return false
		}
	}
	return true
}

// WaitForMembers waits until every node reports members for queue.
func (tc *TestCluster) WaitForMembers(queue string, members []cluster.MemberID, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if tc.membersMatch(queue, members) {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("members of %s did not converge to %v within %v", queue, members, timeout)
}

func (tc *TestCluster) membersMatch(queue string, want []cluster.MemberID) bool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	for _, n := range tc.Nodes {
		got, ok := n.Registry.Members(queue)
		if !ok || len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
	}
	return true
}

// Owners returns the IDs of the nodes that consider themselves owner of queue.
func (tc *TestCluster) Owners(queue string) []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var owners []string
	for _, n := range tc.Nodes {
		if state, ok := n.Registry.Ownership(queue); ok && state.IsOwner() {
			owners = append(owners, n.ID)
		}
	}
	return owners
}
