// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxmq-replica/pkg/lockedmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_DeclareOnce(t *testing.T) {
	r := NewRegistry(self)

	qc, created := r.Declare("orders")
	require.True(t, created)
	require.NotNil(t, qc)

	again, created := r.Declare("orders")
	assert.False(t, created)
	assert.Same(t, qc, again)
}

func TestRegistry_ConcurrentDeclareSingleWinner(t *testing.T) {
	r := NewRegistry(self)

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		contexts = make(map[*QueueContext]struct{})
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qc, ok := r.Declare("orders")
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			contexts[qc] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, contexts, 1)
}

func TestRegistry_ApplyUnknownQueue(t *testing.T) {
	r := NewRegistry(self)

	_, err := r.Apply(MemberSubscribed{Queue: "missing", Member: self})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	_, err = r.Apply(nil)
	assert.ErrorIs(t, err, ErrUnknownEvent)

	state, ok := r.Ownership("missing")
	assert.False(t, ok)
	assert.Equal(t, Unsubscribed, state)
}

func TestRegistry_ApplyDrivesGateAndSinks(t *testing.T) {
	sink := &recordingSink{}
	r := NewRegistry(self, WithSinks(sink))
	qc, _ := r.Declare("orders")

	res, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	assert.Equal(t, SoleOwner, res.After)
	assert.True(t, qc.Gate().Enabled())

	_, err = r.Apply(MemberSubscribed{Queue: "orders", Member: b})
	require.NoError(t, err)
	_, err = r.Apply(MemberResubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)

	assert.False(t, qc.Gate().Enabled())
	assert.Equal(t, []Ownership{SoleOwner, SharedOwner, Subscribed}, sink.states)

	state, ok := r.Ownership("orders")
	require.True(t, ok)
	assert.Equal(t, Subscribed, state)

	members, ok := r.Members("orders")
	require.True(t, ok)
	assert.Equal(t, []MemberID{b, self}, members)
	assert.Equal(t, "orders(SUBSCRIBED): b *self", qc.String())
}

func TestRegistry_RejectionIsLoggedAndReturned(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	r := NewRegistry(self, WithLogger(logger))
	r.Declare("orders")

	res, err := r.Apply(MemberResubscribed{Queue: "orders", Member: b})
	require.NoError(t, err)
	assert.Equal(t, Rejected, res.Outcome)
	assert.ErrorIs(t, res.Err(), ErrNotOwner)
	assert.Contains(t, buf.String(), "membership event rejected")
	assert.Contains(t, buf.String(), "queue=orders")
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry(self)
	qc, _ := r.Declare("orders")
	_, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	require.True(t, qc.Gate().Enabled())

	assert.True(t, r.Remove("orders"))
	assert.False(t, r.Remove("orders"))
	assert.False(t, qc.Gate().Enabled())

	_, ok := r.Lookup("orders")
	assert.False(t, ok)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(self)

	res := r.Reset("orders", []MemberID{self, b})
	assert.Equal(t, SharedOwner, res.After)

	qc, ok := r.Lookup("orders")
	require.True(t, ok)
	assert.True(t, qc.Gate().Enabled())
}

func TestRegistry_RotationUsesYieldFunc(t *testing.T) {
	r := NewRegistry(self, WithRotation(10*time.Millisecond))

	yielded := make(chan string, 1)
	r.SetYieldFunc(func(queue string) error {
		res, err := r.Apply(MemberResubscribed{Queue: queue, Member: r.Self()})
		if err != nil {
			return err
		}
		yielded <- queue
		return res.Err()
	})

	r.Declare("orders")
	_, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	_, err = r.Apply(MemberSubscribed{Queue: "orders", Member: b})
	require.NoError(t, err)

	select {
	case q := <-yielded:
		assert.Equal(t, "orders", q)
	case <-time.After(time.Second):
		t.Fatal("queue was not yielded")
	}

	members, _ := r.Members("orders")
	assert.Equal(t, []MemberID{b, self}, members)
	state, _ := r.Ownership("orders")
	assert.Equal(t, Subscribed, state)
}

func TestRegistry_ShardedMap(t *testing.T) {
	r := NewRegistry(self, WithMap(lockedmap.NewSharded[*QueueContext](4)))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			queue := fmt.Sprintf("q-%d", i)
			r.Declare(queue)
			_, err := r.Apply(MemberSubscribed{Queue: queue, Member: self})
			assert.NoError(t, err)
			_, err = r.Apply(MemberSubscribed{Queue: queue, Member: b})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		state, ok := r.Ownership(fmt.Sprintf("q-%d", i))
		require.True(t, ok)
		assert.Equal(t, SharedOwner, state)
	}
}

func TestRegistry_ConcurrentEventsSameQueue(t *testing.T) {
	r := NewRegistry(self)
	r.Declare("orders")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := MemberID(fmt.Sprintf("m-%d", i))
			_, _ = r.Apply(MemberSubscribed{Queue: "orders", Member: m})
			_, _ = r.Apply(MemberUnsubscribed{Queue: "orders", Member: m})
		}(i)
	}
	wg.Wait()

	members, ok := r.Members("orders")
	require.True(t, ok)
	assert.Empty(t, members)
}

func TestRegistry_GateFollowsRedeclaredQueue(t *testing.T) {
	var declared []string
	r := NewRegistry(self, WithDeclareHooks(func(queue string, _ *QueueContext) {
		declared = append(declared, queue)
	}))
	gate := r.Gate("orders")
	assert.False(t, gate.Enabled())

	r.Declare("orders")
	_, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	assert.True(t, gate.Enabled())

	require.True(t, r.Remove("orders"))
	assert.False(t, gate.Enabled())
	assert.False(t, r.Remove("orders"))

	r.Declare("orders")
	res, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	assert.Equal(t, SoleOwner, res.After)
	assert.True(t, gate.Enabled())
	assert.Equal(t, []string{"orders", "orders"}, declared)
}

func TestRegistry_ConcurrentRemoveAndDeclare(t *testing.T) {
	r := NewRegistry(self)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Remove("orders")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Declare("orders")
			}
		}()
	}
	wg.Wait()

	// Whatever context survived must still have a live gate.
	qc, _ := r.Declare("orders")
	_, err := r.Apply(MemberSubscribed{Queue: "orders", Member: self})
	require.NoError(t, err)
	assert.Equal(t, SoleOwner, qc.State())
	assert.True(t, qc.Gate().Enabled())
}
