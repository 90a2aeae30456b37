// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxmq-replica/pkg/lockedmap"
)

// ErrQueueNotFound is returned when an event targets an undeclared queue.
var ErrQueueNotFound = errors.New("queue not found")

// QueueContext holds the replicated state of one queue on this node.
// Its mutex serializes every transition of the replica, so the member list
// update, the verdict recomputation and the sink notification happen as
// one step.
type QueueContext struct {
	mu      sync.Mutex
	replica *QueueReplica
	gate    *DeliveryGate
}

// Gate returns the delivery gate driven by this queue's ownership.
func (qc *QueueContext) Gate() *DeliveryGate {
	return qc.gate
}

// State returns the current ownership verdict.
func (qc *QueueContext) State() Ownership {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.replica.State()
}

// Members returns the member list, front first.
func (qc *QueueContext) Members() []MemberID {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.replica.Members()
}

// String renders the underlying replica.
func (qc *QueueContext) String() string {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.replica.String()
}

func (qc *QueueContext) apply(e Event) Result {
	qc.mu.Lock()
	defer qc.mu.Unlock()

	switch ev := e.(type) {
	case MemberSubscribed:
		return qc.replica.Subscribe(ev.Member)
	case MemberUnsubscribed:
		return qc.replica.Unsubscribe(ev.Member)
	case MemberResubscribed:
		return qc.replica.Resubscribe(ev.Member)
	default:
		panic(fmt.Sprintf("unhandled membership event %T", e))
	}
}

func (qc *QueueContext) reset(members []MemberID) Result {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.replica.Reset(members)
}

// Registry routes membership events to the replica of the queue they name.
// Lookups go through a shared locked map; each replica is then mutated under
// its own QueueContext lock, never while the map lock is held.
type Registry struct {
	self    MemberID
	queues  lockedmap.Map[string, *QueueContext]
	sinks   []StateSink
	quantum time.Duration
	yield   atomic.Pointer[YieldFunc]
	metrics *Metrics
	hooks   []DeclareHook
	logger  *slog.Logger
}

// DeclareHook is called each time a queue context is created, including
// when a queue comes back after Remove. It runs outside any registry lock.
type DeclareHook func(queue string, qc *QueueContext)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSinks adds sinks notified after the delivery gate on every ownership change.
func WithSinks(sinks ...StateSink) Option {
	return func(r *Registry) {
		r.sinks = append(r.sinks, sinks...)
	}
}

// WithRotation makes shared owners yield their queue after quantum.
// The yield function is installed later with SetYieldFunc.
func WithRotation(quantum time.Duration) Option {
	return func(r *Registry) {
		r.quantum = quantum
	}
}

// WithMetrics records transitions and rejections.
func WithMetrics(m *Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithDeclareHooks adds hooks run whenever a queue context is created.
func WithDeclareHooks(hooks ...DeclareHook) Option {
	return func(r *Registry) {
		r.hooks = append(r.hooks, hooks...)
	}
}

// WithMap replaces the default single-lock map, for example with a
// lockedmap.Sharded when lookups contend.
func WithMap(m lockedmap.Map[string, *QueueContext]) Option {
	return func(r *Registry) {
		if m != nil {
			r.queues = m
		}
	}
}

// NewRegistry creates a registry for the local member self.
func NewRegistry(self MemberID, opts ...Option) *Registry {
	r := &Registry{
		self:   self,
		queues: lockedmap.New[string, *QueueContext](),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Self returns the local member ID.
func (r *Registry) Self() MemberID {
	return r.self
}

// SetYieldFunc installs the function used by delivery gates to hand
// shared queues over to the next subscriber.
func (r *Registry) SetYieldFunc(fn YieldFunc) {
	if fn == nil {
		r.yield.Store(nil)
		return
	}
	r.yield.Store(&fn)
}

func (r *Registry) yieldQueue(queue string) error {
	fn := r.yield.Load()
	if fn == nil {
		return errors.New("no yield function installed")
	}
	return (*fn)(queue)
}

// Declare creates the replica for queue if it does not exist yet.
// Returns the queue context and whether it was created by this call.
func (r *Registry) Declare(queue string) (*QueueContext, bool) {
	if qc, ok := r.queues.Lookup(queue); ok {
		return qc, false
	}

	var yield YieldFunc
	if r.quantum > 0 {
		yield = r.yieldQueue
	}
	gate := NewDeliveryGate(queue, r.quantum, yield, r.logger)

	sinks := make(MultiSink, 0, len(r.sinks)+1)
	sinks = append(sinks, gate)
	sinks = append(sinks, r.sinks...)

	qc := &QueueContext{
		replica: NewQueueReplica(queue, r.self, sinks, r.logger),
		gate:    gate,
	}
	if r.queues.Add(queue, qc) {
		r.logger.Debug("queue replica declared", slog.String("queue", queue))
		for _, hook := range r.hooks {
			hook(queue, qc)
		}
		return qc, true
	}

	// Lost the race with another Declare; use the winner.
	existing, _ := r.queues.Lookup(queue)
	return existing, false
}

// Remove drops the replica for queue and closes its delivery gate.
func (r *Registry) Remove(queue string) bool {
	qc, ok := r.queues.Take(queue)
	if !ok {
		return false
	}
	qc.gate.Stop()
	r.record(queue, Result{Outcome: Applied, Before: qc.State(), After: Unsubscribed})

	r.logger.Debug("queue replica removed", slog.String("queue", queue))
	return true
}

// Gate returns a delivery gate view of queue that follows the queue across
// Remove and re-declaration. It is closed while the queue is not declared.
func (r *Registry) Gate(queue string) *QueueGate {
	return &QueueGate{registry: r, queue: queue}
}

// QueueGate resolves the current context of a queue on every check.
type QueueGate struct {
	registry *Registry
	queue    string
}

// Enabled reports whether the queue's current delivery gate is open.
func (g *QueueGate) Enabled() bool {
	qc, ok := g.registry.queues.Lookup(g.queue)
	return ok && qc.gate.Enabled()
}

// Lookup returns the context of a declared queue.
func (r *Registry) Lookup(queue string) (*QueueContext, bool) {
	return r.queues.Lookup(queue)
}

// Apply routes e to its queue's replica.
func (r *Registry) Apply(e Event) (Result, error) {
	if e == nil {
		return Result{}, ErrUnknownEvent
	}

	qc, ok := r.queues.Lookup(e.QueueName())
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrQueueNotFound, e.QueueName())
	}

	res := qc.apply(e)
	r.record(e.QueueName(), res)

	if res.Outcome == Rejected {
		r.logger.Warn("membership event rejected",
			slog.String("queue", e.QueueName()),
			slog.String("event", string(e.Type())),
			slog.String("member", string(e.Subscriber())),
			slog.String("reason", res.Reason.Error()))
	}

	return res, nil
}

// Reset replaces the member list of queue, declaring it if needed.
func (r *Registry) Reset(queue string, members []MemberID) Result {
	qc, _ := r.Declare(queue)
	res := qc.reset(members)
	r.record(queue, res)
	return res
}

// Ownership returns the local verdict for queue.
func (r *Registry) Ownership(queue string) (Ownership, bool) {
	qc, ok := r.queues.Lookup(queue)
	if !ok {
		return Unsubscribed, false
	}
	return qc.State(), true
}

// Members returns the member list of queue, front first.
func (r *Registry) Members(queue string) ([]MemberID, bool) {
	qc, ok := r.queues.Lookup(queue)
	if !ok {
		return nil, false
	}
	return qc.Members(), true
}

func (r *Registry) record(queue string, res Result) {
	if r.metrics == nil {
		return
	}
	if res.Outcome == Rejected {
		r.metrics.RecordRejection(queue, res.Reason)
		return
	}
	if res.Changed() {
		r.metrics.RecordTransition(queue, res.Before, res.After)
	}
}
