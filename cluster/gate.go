// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// YieldFunc asks the cluster to rotate ownership of queue away from this
// node, typically by broadcasting a MemberResubscribed event for the local member.
type YieldFunc func(queue string) error

// DeliveryGate turns ownership verdicts into local delivery enablement.
//
// Delivery is enabled while this node is SoleOwner or SharedOwner. With a
// non-zero quantum, a SharedOwner keeps the queue for at most one quantum:
// the gate then closes and calls the yield function so the next subscriber
// gets its turn.
type DeliveryGate struct {
	queue   string
	quantum time.Duration
	yield   YieldFunc
	logger  *slog.Logger

	enabled atomic.Bool

	mu       sync.Mutex
	state    Ownership
	gen      uint64
	timer    *time.Timer
	onChange func(enabled bool)
	stopped  bool
}

// NewDeliveryGate creates a closed gate for queue. Rotation is disabled when
// quantum is zero or yield is nil.
func NewDeliveryGate(queue string, quantum time.Duration, yield YieldFunc, logger *slog.Logger) *DeliveryGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryGate{
		queue:   queue,
		quantum: quantum,
		yield:   yield,
		logger:  logger,
	}
}

// Enabled reports whether the local delivery loop may hand out messages.
func (g *DeliveryGate) Enabled() bool {
	return g.enabled.Load()
}

// State returns the last verdict the gate received.
func (g *DeliveryGate) State() Ownership {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// OnChange registers fn to be called whenever enablement flips.
// fn runs synchronously and must not block.
func (g *DeliveryGate) OnChange(fn func(enabled bool)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

func (g *DeliveryGate) ReplicaState(_ string, state Ownership) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}

	g.state = state
	g.gen++
	g.stopTimerLocked()
	if state == SharedOwner && g.quantum > 0 && g.yield != nil {
		g.armLocked()
	}
	flipped := g.setLocked(state.IsOwner())
	fn := g.onChange
	g.mu.Unlock()

	notify(fn, flipped, state.IsOwner())
}

// Stop closes the gate and cancels any pending rotation.
func (g *DeliveryGate) Stop() {
	g.mu.Lock()
	g.stopped = true
	g.gen++
	g.stopTimerLocked()
	flipped := g.setLocked(false)
	fn := g.onChange
	g.mu.Unlock()

	notify(fn, flipped, false)
}

// setLocked updates enablement and reports whether it flipped.
func (g *DeliveryGate) setLocked(enabled bool) bool {
	return g.enabled.Swap(enabled) != enabled
}

func notify(fn func(bool), flipped, enabled bool) {
	if flipped && fn != nil {
		fn(enabled)
	}
}

func (g *DeliveryGate) armLocked() {
	gen := g.gen
	g.timer = time.AfterFunc(g.quantum, func() { g.expire(gen) })
}

func (g *DeliveryGate) stopTimerLocked() {
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

func (g *DeliveryGate) expire(gen uint64) {
	g.mu.Lock()
	if g.stopped || gen != g.gen || g.state != SharedOwner {
		g.mu.Unlock()
		return
	}
	g.timer = nil
	// Stop delivering before handing over so the next owner never overlaps.
	flipped := g.setLocked(false)
	fn := g.onChange
	g.mu.Unlock()

	notify(fn, flipped, false)

	if err := g.yield(g.queue); err != nil {
		g.logger.Warn("failed to yield queue ownership",
			slog.String("queue", g.queue),
			slog.String("error", err.Error()))

		g.mu.Lock()
		flipped = false
		if !g.stopped && gen == g.gen {
			g.armLocked()
			flipped = g.setLocked(true)
		}
		g.mu.Unlock()

		notify(fn, flipped, true)
	}
}
