// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxmq-replica/queue"
)

const (
	defaultBatchSize = 100
	fallbackInterval = 100 * time.Millisecond
)

// ErrConsumerExists is returned when adding a consumer name twice.
var ErrConsumerExists = errors.New("consumer already exists")

// Gate reports whether this node may deliver from a queue right now.
type Gate interface {
	Enabled() bool
}

// DeliverFn hands a message to a consumer.
type DeliverFn func(ctx context.Context, consumer string, msg queue.QueuedMessage) error

// Dispatcher moves messages from a queue to its local consumers while the
// gate is open. Consumers are served round-robin, one message per turn.
type Dispatcher struct {
	queueName   string
	distributor queue.Distributor
	gate        Gate
	deliver     DeliverFn
	batchSize   int
	logger      *slog.Logger

	mu        sync.Mutex
	consumers []*queue.Consumer
	next      int

	// dispatchMu keeps a single pass running at a time, so consumer
	// positions have one writer.
	dispatchMu sync.Mutex

	notifyCh chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBatchSize caps the messages delivered by one Dispatch call.
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher for queueName. A nil gate is always open.
func NewDispatcher(queueName string, distributor queue.Distributor, gate Gate, deliver DeliverFn, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queueName:   queueName,
		distributor: distributor,
		gate:        gate,
		deliver:     deliver,
		batchSize:   defaultBatchSize,
		logger:      slog.Default(),
		notifyCh:    make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// AddConsumer registers a consumer. Acquiring consumers take messages off
// the queue; the others only browse.
func (d *Dispatcher) AddConsumer(name string, acquire bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if slices.ContainsFunc(d.consumers, func(c *queue.Consumer) bool { return c.Name == name }) {
		return ErrConsumerExists
	}
	d.consumers = append(d.consumers, queue.NewConsumer(name, acquire))
	d.Notify()
	return nil
}

// RemoveConsumer unregisters a consumer and reports whether it was present.
func (d *Dispatcher) RemoveConsumer(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.consumers)
	d.consumers = slices.DeleteFunc(d.consumers, func(c *queue.Consumer) bool { return c.Name == name })
	if len(d.consumers) == n {
		return false
	}
	if r, ok := d.distributor.(interface{ Release(string) bool }); ok {
		r.Release(name)
	}
	return true
}

// Consumers returns the registered consumer names.
func (d *Dispatcher) Consumers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]string, 0, len(d.consumers))
	for _, c := range d.consumers {
		names = append(names, c.Name)
	}
	return names
}

// Start runs the delivery loop until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	// Ticker as fallback in case notifications are missed or the gate reopens.
	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-d.notifyCh:
			d.run(ctx)
		case <-ticker.C:
			d.run(ctx)
		}
	}
}

// Stop ends the delivery loop.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Notify signals that messages are available or the gate changed.
func (d *Dispatcher) Notify() {
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	if _, err := d.Dispatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("dispatch stopped", slog.String("queue", d.queueName), slog.String("error", err.Error()))
	}
}

// Dispatch delivers up to the batch size of messages and returns how many
// were handed to consumers. It stops early once the gate closes or no
// consumer has anything left to receive.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	delivered := 0
	for delivered < d.batchSize {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}
		if !d.open() {
			return delivered, nil
		}

		consumers, start := d.snapshot()
		if len(consumers) == 0 {
			return delivered, nil
		}

		progressed := false
		for i := range consumers {
			c := consumers[(start+i)%len(consumers)]
			msg, ok := d.distributor.NextMessage(c)
			if !ok {
				continue
			}
			d.advance(start + i + 1)
			progressed = true

			if c.AllowsAcquired() && !d.distributor.Allocate(c.Name, msg) {
				d.logger.Warn("message allocation refused",
					slog.String("queue", d.queueName),
					slog.String("consumer", c.Name),
					slog.String("message_id", msg.ID))
				break
			}
			if err := d.deliver(ctx, c.Name, msg); err != nil {
				d.logger.Warn("delivery failed",
					slog.String("queue", d.queueName),
					slog.String("consumer", c.Name),
					slog.String("message_id", msg.ID),
					slog.String("error", err.Error()))
				break
			}
			delivered++
			break
		}
		if !progressed {
			return delivered, nil
		}
	}
	return delivered, nil
}

func (d *Dispatcher) open() bool {
	return d.gate == nil || d.gate.Enabled()
}

func (d *Dispatcher) snapshot() ([]*queue.Consumer, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.consumers), d.next
}

func (d *Dispatcher) advance(next int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.consumers) > 0 {
		d.next = next % len(d.consumers)
	}
}
