// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "fluxmq-replica/replication"

var (
	// ErrNotLeader is returned when an operation needs the Raft leader.
	ErrNotLeader = errors.New("not leader")
	// ErrNoLeader is returned when no leader is known.
	ErrNoLeader = errors.New("no leader elected")
	// ErrUnknownPeer is returned when the leader has no API address configured.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Peer is another member of the replication group.
type Peer struct {
	ID       string
	RaftAddr string
	APIAddr  string
}

// Config contains configuration for a replication node.
type Config struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	DataDir       string
	Peers         []Peer
	Bootstrap     bool

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	// Forwarding to the leader trips a breaker after ForwardFailureThreshold
	// consecutive failures and retries after ForwardResetTimeout.
	ForwardFailureThreshold uint32
	ForwardResetTimeout     time.Duration

	// LogLevel is the hclog level of the Raft library.
	LogLevel string
}

func (c *Config) setDefaults() {
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 1 * time.Second
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 3 * time.Second
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = 8192
	}
	if c.ApplyTimeout == 0 {
		c.ApplyTimeout = 5 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Receipt describes a committed membership event.
type Receipt struct {
	Index   uint64          `json:"index"`
	Outcome cluster.Outcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// Err maps the rejection reason back to its sentinel error.
func (r Receipt) Err() error {
	if r.Outcome != cluster.Rejected {
		return nil
	}
	switch r.Reason {
	case cluster.ErrNotOwner.Error():
		return cluster.ErrNotOwner
	case cluster.ErrNotSubscribed.Error():
		return cluster.ErrNotSubscribed
	default:
		return errors.New(r.Reason)
	}
}

// Node replicates membership events through Raft and applies them to the
// local registry. Any node may publish; followers forward to the leader.
type Node struct {
	cfg      Config
	registry *cluster.Registry

	raft      *raft.Raft
	fsm       *FSM
	db        *badger.DB
	logStore  *BadgerLogStore
	stable    *BadgerStableStore
	snapshots raft.SnapshotStore
	transport *raft.NetworkTransport
	forwarder *Forwarder

	done   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	tracer trace.Tracer
	logger *slog.Logger
}

// NewNode opens the Raft storage under cfg.DataDir and starts Raft.
func NewNode(cfg Config, registry *cluster.Registry, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	cfg.setDefaults()

	n := &Node{
		cfg:      cfg,
		registry: registry,
		fsm:      NewFSM(registry, logger),
		forwarder: NewForwarder(cfg.ApplyTimeout,
			WithBreaker(cfg.ForwardFailureThreshold, cfg.ForwardResetTimeout),
			WithForwarderLogger(logger)),
		done:   make(chan struct{}),
		tracer: otel.Tracer(tracerName),
		logger: logger,
	}

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(filepath.Join(raftDir, "log"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open raft badger db: %w", err)
	}
	n.db = db
	n.logStore = NewBadgerLogStore(db)
	n.stable = NewBadgerStableStore(db)

	hlog := hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})

	snapshots, err := raft.NewFileSnapshotStoreWithLogger(filepath.Join(raftDir, "snapshots"), 3, hlog.Named("snapshots"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}
	n.snapshots = snapshots

	advertise, err := advertiseAddr(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, advertise, 3, 10*time.Second, hlog.Named("transport"))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}
	n.transport = transport

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	if raftCfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
		raftCfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout
	}
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hlog

	r, err := raft.NewRaft(raftCfg, n.fsm, n.logStore, n.stable, n.snapshots, transport)
	if err != nil {
		transport.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}
	n.raft = r

	n.wg.Add(1)
	go n.monitorLeadership()

	logger.Info("replication node created",
		slog.String("node_id", cfg.NodeID),
		slog.String("bind_addr", cfg.BindAddr),
		slog.String("raft_addr", string(transport.LocalAddr())))

	return n, nil
}

func advertiseAddr(cfg Config) (net.Addr, error) {
	addr := cfg.AdvertiseAddr
	if addr == "" {
		addr = cfg.BindAddr
	}
	tcp, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve advertise address: %w", err)
	}
	if tcp.Port == 0 {
		// Let the transport advertise the port it actually bound.
		return nil, nil
	}
	return tcp, nil
}

// Bootstrap forms a new cluster from the configured peers. It is a no-op
// when Raft state already exists.
func (n *Node) Bootstrap() error {
	hasState, err := raft.HasExistingState(n.logStore, n.stable, n.snapshots)
	if err != nil {
		return fmt.Errorf("failed to check existing state: %w", err)
	}
	if hasState {
		n.logger.Info("raft already bootstrapped, skipping")
		return nil
	}

	servers := []raft.Server{{
		ID:      raft.ServerID(n.cfg.NodeID),
		Address: n.transport.LocalAddr(),
	}}
	for _, p := range n.cfg.Peers {
		if p.ID == n.cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(p.ID),
			Address: raft.ServerAddress(p.RaftAddr),
		})
	}

	if err := n.raft.BootstrapCluster(raft.Configuration{Servers: servers}).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap raft: %w", err)
	}

	n.logger.Info("raft bootstrapped", slog.Int("peer_count", len(servers)))
	return nil
}

// Publish replicates e and returns the local outcome once this node has
// applied it. On a follower the event is forwarded to the leader.
func (n *Node) Publish(ctx context.Context, e cluster.Event) (cluster.Result, error) {
	if e == nil {
		return cluster.Result{}, cluster.ErrUnknownEvent
	}

	ctx, span := n.tracer.Start(ctx, "replication.publish", trace.WithAttributes(
		attribute.String("queue", e.QueueName()),
		attribute.String("event", string(e.Type())),
		attribute.String("member", string(e.Subscriber())),
		attribute.Bool("leader", n.IsLeader()),
	))
	defer span.End()

	res, err := n.publish(ctx, e)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return cluster.Result{}, err
	}
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	return res, nil
}

func (n *Node) publish(ctx context.Context, e cluster.Event) (cluster.Result, error) {
	op, err := membershipOp(e)
	if err != nil {
		return cluster.Result{}, err
	}

	if n.IsLeader() {
		res, _, err := n.apply(op)
		if err != nil {
			return cluster.Result{}, err
		}
		return res.Result, res.Error
	}

	addr, err := n.leaderAPI()
	if err != nil {
		return cluster.Result{}, err
	}
	receipt, err := n.forwarder.Forward(ctx, addr, e)
	if err != nil {
		return cluster.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ApplyTimeout)
	defer cancel()
	res, ok, err := n.fsm.WaitApplied(ctx, receipt.Index)
	if err != nil {
		return cluster.Result{}, fmt.Errorf("waiting for index %d: %w", receipt.Index, err)
	}
	if !ok {
		// Applied through a snapshot; only the current verdict is known.
		state, _ := n.registry.Ownership(e.QueueName())
		return cluster.Result{Outcome: receipt.Outcome, Reason: receipt.Err(), Before: state, After: state}, nil
	}
	return res.Result, res.Error
}

// Submit applies e on the leader and returns the commit receipt. It backs
// the forwarding endpoint and fails with ErrNotLeader on followers.
func (n *Node) Submit(ctx context.Context, e cluster.Event) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if !n.IsLeader() {
		return Receipt{}, ErrNotLeader
	}
	op, err := membershipOp(e)
	if err != nil {
		return Receipt{}, err
	}
	res, index, err := n.apply(op)
	if err != nil {
		return Receipt{}, err
	}
	if res.Error != nil {
		return Receipt{}, res.Error
	}

	r := Receipt{Index: index, Outcome: res.Result.Outcome}
	if res.Result.Reason != nil {
		r.Reason = res.Result.Reason.Error()
	}
	return r, nil
}

// DeclareQueue replicates a queue declaration. Leader only.
func (n *Node) DeclareQueue(queue string) error {
	return n.applyQueueOp(&Operation{Type: OpDeclareQueue, Queue: queue})
}

// RemoveQueue replicates a queue removal. Leader only.
func (n *Node) RemoveQueue(queue string) error {
	return n.applyQueueOp(&Operation{Type: OpRemoveQueue, Queue: queue})
}

func (n *Node) applyQueueOp(op *Operation) error {
	if !n.IsLeader() {
		return ErrNotLeader
	}
	res, _, err := n.apply(op)
	if err != nil {
		return err
	}
	return res.Error
}

func (n *Node) apply(op *Operation) (*ApplyResult, uint64, error) {
	data, err := encodeOp(op)
	if err != nil {
		return nil, 0, err
	}

	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, 0, fmt.Errorf("%w: %w", ErrNotLeader, err)
		}
		return nil, 0, fmt.Errorf("raft apply failed: %w", err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	return res, future.Index(), nil
}

func (n *Node) leaderAPI() (string, error) {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	for _, p := range n.cfg.Peers {
		if p.ID == string(id) && p.APIAddr != "" {
			return p.APIAddr, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownPeer, id)
}

// IsLeader reports whether this node is the Raft leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the current leader's node ID.
func (n *Node) Leader() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// NodeID returns this node's Raft ID.
func (n *Node) NodeID() string {
	return n.cfg.NodeID
}

// Queues returns the queues present in the replicated state.
func (n *Node) Queues() []string {
	return n.fsm.Queues()
}

// WaitForLeader blocks until a leader is elected or ctx ends.
func (n *Node) WaitForLeader(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if n.Leader() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Stats returns Raft stats for monitoring.
func (n *Node) Stats() map[string]string {
	return n.raft.Stats()
}

// Shutdown stops Raft and closes its storage.
func (n *Node) Shutdown() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("shutting down replication node")

	var errs []error
	if err := n.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
	}
	close(n.done)
	n.wg.Wait()

	if err := n.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transport close: %w", err))
	}
	if err := n.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("raft db close: %w", err))
	}
	return errors.Join(errs...)
}

func (n *Node) monitorLeadership() {
	defer n.wg.Done()

	ch := n.raft.LeaderCh()
	for {
		select {
		case <-n.done:
			return
		case isLeader := <-ch:
			if isLeader {
				n.logger.Info("became leader")
			} else {
				n.logger.Info("lost leadership")
			}
		}
	}
}
