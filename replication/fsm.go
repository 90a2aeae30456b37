// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/s2"
)

// resultWindow is how many recent apply results are kept for followers
// waiting on forwarded events.
const resultWindow = 1024

// FSM applies committed operations to the local queue registry. Every node
// applies the same operations in the same order, so all replicas agree on
// member lists while each derives its own ownership verdict.
type FSM struct {
	registry *cluster.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	queues  map[string]struct{}
	results map[uint64]ApplyResult
	applied uint64
	waitCh  chan struct{}
}

var _ raft.FSM = (*FSM)(nil)

// NewFSM creates an FSM over registry.
func NewFSM(registry *cluster.Registry, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		registry: registry,
		logger:   logger,
		queues:   make(map[string]struct{}),
		results:  make(map[uint64]ApplyResult),
		waitCh:   make(chan struct{}),
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var op Operation
	if err := json.Unmarshal(l.Data, &op); err != nil {
		f.logger.Error("failed to unmarshal operation",
			slog.String("error", err.Error()))
		res := &ApplyResult{Error: err}
		f.complete(l.Index, *res)
		return res
	}

	var res *ApplyResult
	switch op.Type {
	case OpMembership:
		res = f.applyMembership(&op)
	case OpDeclareQueue:
		res = f.applyDeclare(&op)
	case OpRemoveQueue:
		res = f.applyRemove(&op)
	default:
		res = &ApplyResult{Error: fmt.Errorf("unknown operation type: %s", op.Type)}
	}

	f.complete(l.Index, *res)
	return res
}

func (f *FSM) applyMembership(op *Operation) *ApplyResult {
	e, err := cluster.DecodeEvent(op.Event)
	if err != nil {
		return &ApplyResult{Error: err}
	}

	// Events may name queues this node never declared locally; the member
	// list must still be tracked so the view stays identical everywhere.
	f.track(e.QueueName())
	res, err := f.registry.Apply(e)
	return &ApplyResult{Result: res, Error: err}
}

func (f *FSM) applyDeclare(op *Operation) *ApplyResult {
	if op.Queue == "" {
		return &ApplyResult{Error: fmt.Errorf("declare queue: empty name")}
	}
	f.track(op.Queue)
	qc, _ := f.registry.Declare(op.Queue)
	state := qc.State()
	return &ApplyResult{Result: cluster.Result{Outcome: cluster.Applied, Before: state, After: state}}
}

func (f *FSM) applyRemove(op *Operation) *ApplyResult {
	f.mu.Lock()
	delete(f.queues, op.Queue)
	f.mu.Unlock()

	before, _ := f.registry.Ownership(op.Queue)
	if !f.registry.Remove(op.Queue) {
		return &ApplyResult{Error: fmt.Errorf("%w: %s", cluster.ErrQueueNotFound, op.Queue)}
	}
	return &ApplyResult{Result: cluster.Result{Outcome: cluster.Applied, Before: before, After: cluster.Unsubscribed}}
}

func (f *FSM) track(queue string) {
	f.registry.Declare(queue)

	f.mu.Lock()
	f.queues[queue] = struct{}{}
	f.mu.Unlock()
}

func (f *FSM) complete(index uint64, res ApplyResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.results[index] = res
	if index > resultWindow {
		delete(f.results, index-resultWindow)
	}
	if index > f.applied {
		f.applied = index
	}
	close(f.waitCh)
	f.waitCh = make(chan struct{})
}

// AppliedIndex returns the last log index this FSM applied.
func (f *FSM) AppliedIndex() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied
}

// WaitApplied blocks until the entry at index has been applied locally and
// returns the local result. The result is gone once the entry falls out of
// the recent window, in which case ok is false.
func (f *FSM) WaitApplied(ctx context.Context, index uint64) (res ApplyResult, ok bool, err error) {
	for {
		f.mu.Lock()
		if f.applied >= index {
			res, ok = f.results[index]
			f.mu.Unlock()
			return res, ok, nil
		}
		wait := f.waitCh
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return ApplyResult{}, false, ctx.Err()
		case <-wait:
		}
	}
}

// Queues returns the queues known to the replicated state, sorted.
func (f *FSM) Queues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	queues := make([]string, 0, len(f.queues))
	for q := range f.queues {
		queues = append(queues, q)
	}
	slices.Sort(queues)
	return queues
}

// Snapshot captures the member list of every known queue.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	data := SnapshotData{
		Queues:    make(map[string][]cluster.MemberID),
		Timestamp: time.Now(),
	}
	for _, q := range f.Queues() {
		members, ok := f.registry.Members(q)
		if !ok {
			continue
		}
		data.Queues[q] = members
	}

	f.logger.Info("creating snapshot", slog.Int("queues", len(data.Queues)))
	return &Snapshot{data: data, logger: f.logger}, nil
}

// Restore replaces the FSM state with a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	f.logger.Info("restoring from snapshot")

	compressed, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	raw, err := s2.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("failed to decompress snapshot: %w", err)
	}

	var data SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		f.logger.Error("failed to decode snapshot",
			slog.String("error", err.Error()))
		return err
	}

	for _, q := range f.Queues() {
		if _, ok := data.Queues[q]; !ok {
			f.registry.Remove(q)
			f.mu.Lock()
			delete(f.queues, q)
			f.mu.Unlock()
		}
	}
	for q, members := range data.Queues {
		f.track(q)
		f.registry.Reset(q, members)
	}

	f.logger.Info("snapshot restored", slog.Int("queues", len(data.Queues)))
	return nil
}

// SnapshotData is the serialized replicated state.
type SnapshotData struct {
	Queues    map[string][]cluster.MemberID `json:"queues"`
	Timestamp time.Time                     `json:"timestamp"`
}

// Snapshot implements raft.FSMSnapshot.
type Snapshot struct {
	data   SnapshotData
	logger *slog.Logger
}

// Persist writes the s2-compressed snapshot to sink.
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	raw, err := json.Marshal(s.data)
	if err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if _, err := sink.Write(s2.Encode(nil, raw)); err != nil {
		sink.Cancel()
		s.logger.Error("failed to write snapshot",
			slog.String("error", err.Error()))
		return err
	}

	return sink.Close()
}

// Release is a no-op.
func (s *Snapshot) Release() {}
