// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	self MemberID = "self"
	b    MemberID = "b"
	c    MemberID = "c"
)

// recordingSink captures every notification.
type recordingSink struct {
	states []Ownership
}

func (s *recordingSink) ReplicaState(_ string, state Ownership) {
	s.states = append(s.states, state)
}

func newTestReplica() (*QueueReplica, *recordingSink) {
	sink := &recordingSink{}
	return NewQueueReplica("orders", self, sink, nil), sink
}

// expectedState is the reference definition of the ownership verdict.
func expectedState(members []MemberID, me MemberID) Ownership {
	if len(members) > 0 && members[0] == me {
		if len(members) == 1 {
			return SoleOwner
		}
		return SharedOwner
	}
	if slices.Contains(members, me) {
		return Subscribed
	}
	return Unsubscribed
}

func TestQueueReplica_InitialState(t *testing.T) {
	r, sink := newTestReplica()

	assert.Equal(t, Unsubscribed, r.State())
	assert.False(t, r.IsOwner())
	assert.False(t, r.IsSubscriber(self))
	assert.Empty(t, r.Members())
	assert.Empty(t, sink.states)
}

func TestQueueReplica_SubscribeSelfThenOther(t *testing.T) {
	r, sink := newTestReplica()

	res := r.Subscribe(self)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Unsubscribed, res.Before)
	assert.Equal(t, SoleOwner, res.After)
	assert.Equal(t, []Ownership{SoleOwner}, sink.states)

	res = r.Subscribe(b)
	assert.True(t, res.Changed())
	assert.Equal(t, SharedOwner, r.State())
	assert.Equal(t, []Ownership{SoleOwner, SharedOwner}, sink.states)

	// A third member does not change the verdict, so no notification.
	res = r.Subscribe(c)
	assert.False(t, res.Changed())
	assert.Equal(t, SharedOwner, r.State())
	assert.Len(t, sink.states, 2)
}

func TestQueueReplica_SubscribeBehindOther(t *testing.T) {
	r, sink := newTestReplica()

	r.Subscribe(b)
	assert.Equal(t, Unsubscribed, r.State())
	assert.Empty(t, sink.states)

	r.Subscribe(self)
	assert.Equal(t, Subscribed, r.State())
	assert.True(t, r.IsSubscriber(self))
	assert.False(t, r.IsOwner())
	assert.Equal(t, []Ownership{Subscribed}, sink.states)
}

func TestQueueReplica_UnsubscribeSoleOwner(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(self)

	res := r.Unsubscribe(self)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, Unsubscribed, r.State())
	assert.Empty(t, r.Members())
	assert.Equal(t, []Ownership{SoleOwner, Unsubscribed}, sink.states)
}

func TestQueueReplica_UnsubscribeFrontPromotesNext(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(b)
	r.Subscribe(self)
	r.Subscribe(c)
	require.Equal(t, Subscribed, r.State())

	r.Unsubscribe(b)
	assert.Equal(t, []MemberID{self, c}, r.Members())
	assert.Equal(t, SharedOwner, r.State())
	assert.Equal(t, []Ownership{Subscribed, SharedOwner}, sink.states)

	r.Unsubscribe(c)
	assert.Equal(t, SoleOwner, r.State())
}

func TestQueueReplica_UnsubscribeOtherIrrelevantToSelf(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(b)
	r.Subscribe(c)
	r.Subscribe(self)

	r.Unsubscribe(b)
	assert.Equal(t, []MemberID{c, self}, r.Members())
	assert.Equal(t, Subscribed, r.State())
	assert.Equal(t, []Ownership{Subscribed}, sink.states)
}

func TestQueueReplica_UnsubscribeRemovesAllOccurrences(t *testing.T) {
	r, _ := newTestReplica()
	r.Subscribe(b)
	r.Subscribe(self)
	r.Subscribe(b)
	r.Subscribe(c)

	r.Unsubscribe(b)
	assert.Equal(t, []MemberID{self, c}, r.Members())
	assert.False(t, r.IsSubscriber(b))
}

func TestQueueReplica_UnsubscribeAbsentIsRejected(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(self)
	r.Subscribe(b)

	first := r.Unsubscribe(b)
	require.Equal(t, Applied, first.Outcome)
	notifications := len(sink.states)

	second := r.Unsubscribe(b)
	assert.Equal(t, Rejected, second.Outcome)
	assert.ErrorIs(t, second.Err(), ErrNotSubscribed)
	assert.False(t, second.Changed())
	assert.Equal(t, []MemberID{self}, r.Members())
	assert.Len(t, sink.states, notifications)
}

func TestQueueReplica_ResubscribeOwnerRotates(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(self)
	r.Subscribe(b)
	require.Equal(t, SharedOwner, r.State())

	res := r.Resubscribe(self)
	assert.Equal(t, Applied, res.Outcome)
	assert.NoError(t, res.Err())
	assert.Equal(t, []MemberID{b, self}, r.Members())
	assert.Equal(t, SharedOwner, res.Before)
	assert.Equal(t, Subscribed, res.After)
	assert.Equal(t, []Ownership{SoleOwner, SharedOwner, Subscribed}, sink.states)
}

func TestQueueReplica_ResubscribeSoleOwnerKeepsQueue(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(self)

	res := r.Resubscribe(self)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, SoleOwner, r.State())
	assert.Equal(t, []MemberID{self}, r.Members())
	assert.Len(t, sink.states, 1)
}

func TestQueueReplica_ResubscribeNonOwnerIsRejected(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(b)
	r.Subscribe(self)
	notifications := len(sink.states)

	res := r.Resubscribe(self)
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrNotOwner)
	assert.Equal(t, []MemberID{b, self}, r.Members())
	assert.Equal(t, Subscribed, r.State())
	assert.Len(t, sink.states, notifications)
}

func TestQueueReplica_ResubscribeOnEmptyIsRejected(t *testing.T) {
	r, sink := newTestReplica()

	res := r.Resubscribe(self)
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrNotOwner)
	assert.Empty(t, r.Members())
	assert.Empty(t, sink.states)
}

func TestQueueReplica_ResubscribeOtherOwner(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(b)
	r.Subscribe(self)

	r.Resubscribe(b)
	assert.Equal(t, []MemberID{self, b}, r.Members())
	assert.Equal(t, SharedOwner, r.State())
	assert.Equal(t, []Ownership{Subscribed, SharedOwner}, sink.states)
}

func TestQueueReplica_Reset(t *testing.T) {
	r, sink := newTestReplica()
	r.Subscribe(b)

	members := []MemberID{self, c}
	res := r.Reset(members)
	assert.Equal(t, Applied, res.Outcome)
	assert.Equal(t, SharedOwner, r.State())
	assert.Equal(t, []Ownership{SharedOwner}, sink.states)

	// The replica owns its copy.
	members[0] = b
	assert.Equal(t, []MemberID{self, c}, r.Members())

	res = r.Reset([]MemberID{self, b})
	assert.False(t, res.Changed())
	assert.Len(t, sink.states, 1)
}

func TestQueueReplica_MembersReturnsCopy(t *testing.T) {
	r, _ := newTestReplica()
	r.Subscribe(self)

	members := r.Members()
	members[0] = b

	assert.True(t, r.IsOwner())
}

func TestQueueReplica_String(t *testing.T) {
	r, _ := newTestReplica()
	assert.Equal(t, "orders(UNSUBSCRIBED):", r.String())

	r.Subscribe(b)
	r.Subscribe(self)
	assert.Equal(t, "orders(SUBSCRIBED): b *self", r.String())
}

func TestQueueReplica_NilSink(t *testing.T) {
	r := NewQueueReplica("orders", self, nil, nil)

	assert.NotPanics(t, func() {
		r.Subscribe(self)
		r.Unsubscribe(self)
	})
	assert.Equal(t, Unsubscribed, r.State())
}

func TestQueueReplica_RandomSequencesMatchReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	pool := []MemberID{self, b, c, "d"}

	for run := 0; run < 200; run++ {
		r, sink := newTestReplica()
		var model []MemberID
		notifications := 0

		for step := 0; step < 50; step++ {
			m := pool[rng.Intn(len(pool))]
			before := expectedState(model, self)

			var res Result
			switch rng.Intn(3) {
			case 0:
				if slices.Contains(model, m) {
					continue
				}
				res = r.Subscribe(m)
				model = append(model, m)
			case 1:
				res = r.Unsubscribe(m)
				model = slices.DeleteFunc(model, func(x MemberID) bool { return x == m })
			case 2:
				res = r.Resubscribe(m)
				if len(model) > 0 && model[0] == m {
					model = append(model[1:], m)
				}
			}

			want := expectedState(model, self)
			require.Equal(t, want, r.State(), "run %d step %d", run, step)
			require.True(t, slices.Equal(model, r.Members()), "run %d step %d", run, step)
			require.Equal(t, want, res.After)
			if want != before {
				notifications++
			}
			require.Len(t, sink.states, notifications)
		}
	}
}

func TestOwnership_Text(t *testing.T) {
	for _, o := range []Ownership{Unsubscribed, Subscribed, SoleOwner, SharedOwner} {
		text, err := o.MarshalText()
		require.NoError(t, err)

		var got Ownership
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, o, got)
	}

	var o Ownership
	assert.Error(t, o.UnmarshalText([]byte("LEADER")))
	_, err := Ownership(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Ownership(9)", Ownership(9).String())
}

func TestOwnership_IsOwner(t *testing.T) {
	assert.False(t, Unsubscribed.IsOwner())
	assert.False(t, Subscribed.IsOwner())
	assert.True(t, SoleOwner.IsOwner())
	assert.True(t, SharedOwner.IsOwner())
}
