// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"log/slog"
	"slices"
	"strings"
)

// QueueReplica tracks, for one replicated queue, the order in which cluster
// members subscribed to it and derives this node's ownership from that order.
//
// The member at the front of the list owns the queue. Every replica applies
// the same events in the same order, so every node reaches the same verdict
// without further coordination.
//
// QueueReplica is not safe for concurrent use. Callers serialize access,
// see QueueContext.
type QueueReplica struct {
	queue   string
	self    MemberID
	members []MemberID
	sink    StateSink
	logger  *slog.Logger
}

// NewQueueReplica creates an empty replica for queue as seen by self.
// A nil sink discards notifications; a nil logger uses slog.Default().
func NewQueueReplica(queue string, self MemberID, sink StateSink, logger *slog.Logger) *QueueReplica {
	if sink == nil {
		sink = SinkFunc(func(string, Ownership) {})
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &QueueReplica{
		queue:  queue,
		self:   self,
		sink:   sink,
		logger: logger,
	}
}

// Queue returns the queue name.
func (r *QueueReplica) Queue() string {
	return r.queue
}

// Self returns the local member ID.
func (r *QueueReplica) Self() MemberID {
	return r.self
}

// Subscribe appends member to the back of the member list.
// The caller guarantees a member does not subscribe twice without an
// unsubscribe in between.
func (r *QueueReplica) Subscribe(member MemberID) Result {
	before := r.State()
	r.members = append(r.members, member)
	return r.update(before)
}

// Unsubscribe removes every occurrence of member, keeping the relative order
// of the others. It is rejected with ErrNotSubscribed if member is absent.
func (r *QueueReplica) Unsubscribe(member MemberID) Result {
	before := r.State()

	kept := slices.DeleteFunc(r.members, func(m MemberID) bool { return m == member })
	if len(kept) == len(r.members) {
		return r.reject(before, ErrNotSubscribed)
	}
	r.members = kept

	return r.update(before)
}

// Resubscribe moves the current owner from the front to the back of the
// member list, handing the queue to the next member in line. It is rejected
// with ErrNotOwner unless member is at the front.
func (r *QueueReplica) Resubscribe(member MemberID) Result {
	before := r.State()
	if len(r.members) == 0 || r.members[0] != member {
		return r.reject(before, ErrNotOwner)
	}

	copy(r.members, r.members[1:])
	r.members[len(r.members)-1] = member

	return r.update(before)
}

// Reset replaces the member list, as when restoring from a snapshot.
func (r *QueueReplica) Reset(members []MemberID) Result {
	before := r.State()
	r.members = slices.Clone(members)
	return r.update(before)
}

// State derives the ownership verdict from the member list.
func (r *QueueReplica) State() Ownership {
	if r.IsOwner() {
		if len(r.members) > 1 {
			return SharedOwner
		}
		return SoleOwner
	}
	if r.IsSubscriber(r.self) {
		return Subscribed
	}
	return Unsubscribed
}

// IsOwner reports whether the local member is at the front of the list.
func (r *QueueReplica) IsOwner() bool {
	return len(r.members) > 0 && r.members[0] == r.self
}

// IsSubscriber reports whether member appears anywhere in the list.
// Lists are bounded by cluster size, so a linear scan is fine.
func (r *QueueReplica) IsSubscriber(member MemberID) bool {
	return slices.Contains(r.members, member)
}

// Members returns a copy of the member list, front first.
func (r *QueueReplica) Members() []MemberID {
	return slices.Clone(r.members)
}

// String renders the replica as "queue(STATE): a *self c".
func (r *QueueReplica) String() string {
	var b strings.Builder
	b.WriteString(r.queue)
	b.WriteByte('(')
	b.WriteString(r.State().String())
	b.WriteString("):")
	for _, m := range r.members {
		b.WriteByte(' ')
		if m == r.self {
			b.WriteByte('*')
		}
		b.WriteString(string(m))
	}
	return b.String()
}

func (r *QueueReplica) update(before Ownership) Result {
	after := r.State()

	if r.logger.Enabled(context.Background(), slog.LevelDebug) {
		r.logger.Debug("queue replica updated",
			slog.String("replica", r.String()),
			slog.String("was", before.String()))
	}

	if before != after {
		r.sink.ReplicaState(r.queue, after)
	}

	return Result{Outcome: Applied, Before: before, After: after}
}

func (r *QueueReplica) reject(state Ownership, reason error) Result {
	return Result{Outcome: Rejected, Reason: reason, Before: state, After: state}
}
