// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/absmach/fluxmq-replica/config"
	"github.com/absmach/fluxmq-replica/pkg/lockedmap"
	"github.com/absmach/fluxmq-replica/queue"
	"github.com/absmach/fluxmq-replica/queue/delivery"
	"github.com/absmach/fluxmq-replica/replication"
)

// publishFunc orders a membership event and returns the local outcome.
type publishFunc func(ctx context.Context, e cluster.Event) (cluster.Result, error)

type localQueue struct {
	name       string
	messages   *queue.MemoryMessages
	dispatcher *delivery.Dispatcher
}

// app wires the registry, replication and per-queue delivery together.
type app struct {
	cfg      *config.Config
	self     cluster.MemberID
	registry *cluster.Registry
	node     *replication.Node
	publish  publishFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu     sync.RWMutex
	queues map[string]*localQueue
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	self := cluster.MemberID(cfg.Node.ID)

	metrics, err := cluster.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	opts := []cluster.Option{
		cluster.WithLogger(logger),
		cluster.WithMetrics(metrics),
		cluster.WithSinks(cluster.NewLoggingSink(self, logger)),
		cluster.WithRotation(cfg.Ownership.RotationQuantum),
	}
	if cfg.Ownership.ShardedMap {
		opts = append(opts, cluster.WithMap(lockedmap.NewSharded[*cluster.QueueContext](cfg.Ownership.MapShards)))
	}

	a := &app{
		cfg:    cfg,
		self:   self,
		queues: make(map[string]*localQueue, len(cfg.Queues)),
		logger: logger,
	}
	opts = append(opts, cluster.WithDeclareHooks(a.wireGate))
	a.registry = cluster.NewRegistry(self, opts...)
	a.publish = a.publishLocal

	if cfg.Replication.Enabled {
		node, err := replication.NewNode(replicationConfig(cfg), a.registry, logger.With(slog.String("component", "replication")))
		if err != nil {
			return nil, err
		}
		a.node = node
		a.publish = node.Publish
	}

	a.registry.SetYieldFunc(a.yield)

	for _, qc := range cfg.Queues {
		if err := a.declare(qc); err != nil {
			a.shutdownNode()
			return nil, err
		}
	}

	return a, nil
}

func replicationConfig(cfg *config.Config) replication.Config {
	rc := cfg.Replication
	peers := make([]replication.Peer, 0, len(rc.Peers))
	for _, p := range rc.Peers {
		peers = append(peers, replication.Peer{ID: p.ID, RaftAddr: p.RaftAddr, APIAddr: p.APIAddr})
	}
	return replication.Config{
		NodeID:            cfg.Node.ID,
		BindAddr:          rc.BindAddr,
		AdvertiseAddr:     rc.AdvertiseAddr,
		DataDir:           rc.DataDir,
		Peers:             peers,
		Bootstrap:         rc.Bootstrap,
		HeartbeatTimeout:  rc.HeartbeatTimeout,
		ElectionTimeout:   rc.ElectionTimeout,
		SnapshotInterval:  rc.SnapshotInterval,
		SnapshotThreshold: rc.SnapshotThreshold,
		ApplyTimeout:      rc.ApplyTimeout,
		LogLevel:          rc.LogLevel,

		ForwardFailureThreshold: rc.ForwardFailureThreshold,
		ForwardResetTimeout:     rc.ForwardResetTimeout,
	}
}

// publishLocal applies events directly when there is no replication
// group, i.e. a single node orders its own events.
func (a *app) publishLocal(_ context.Context, e cluster.Event) (cluster.Result, error) {
	if e == nil {
		return cluster.Result{}, cluster.ErrUnknownEvent
	}
	a.registry.Declare(e.QueueName())
	return a.registry.Apply(e)
}

// yield hands a shared queue to the next member by publishing a
// resubscribe for this node.
func (a *app) yield(queueName string) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Replication.ApplyTimeout)
	defer cancel()

	res, err := a.publish(ctx, cluster.MemberResubscribed{Queue: queueName, Member: a.self})
	if err != nil {
		return err
	}
	return res.Err()
}

// declare sets up local delivery for a configured queue. The dispatcher
// checks the registry's view of the gate, so it keeps working when the
// queue is removed and later comes back with a new context.
func (a *app) declare(qc config.QueueConfig) error {
	messages := queue.NewMemoryMessages()
	dist, err := queue.NewDistributor(queue.Distribution(qc.Distribution), messages)
	if err != nil {
		return fmt.Errorf("queue %s: %w", qc.Name, err)
	}

	d := delivery.NewDispatcher(qc.Name, dist, a.registry.Gate(qc.Name), a.deliver,
		delivery.WithBatchSize(qc.BatchSize),
		delivery.WithLogger(a.logger))
	if err := d.AddConsumer(a.cfg.Node.ID, true); err != nil {
		return err
	}

	a.mu.Lock()
	a.queues[qc.Name] = &localQueue{name: qc.Name, messages: messages, dispatcher: d}
	a.mu.Unlock()

	ctxQ, created := a.registry.Declare(qc.Name)
	if !created {
		a.wireGate(qc.Name, ctxQ)
	}
	return nil
}

// wireGate wakes the queue's dispatcher whenever its gate flips.
func (a *app) wireGate(name string, qc *cluster.QueueContext) {
	lq, ok := a.localQueue(name)
	if !ok {
		return
	}
	qc.Gate().OnChange(func(bool) { lq.dispatcher.Notify() })
	lq.dispatcher.Notify()
}

func (a *app) localQueue(name string) (*localQueue, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	lq, ok := a.queues[name]
	return lq, ok
}

func (a *app) localQueues() []*localQueue {
	a.mu.RLock()
	defer a.mu.RUnlock()
	queues := make([]*localQueue, 0, len(a.queues))
	for _, lq := range a.queues {
		queues = append(queues, lq)
	}
	return queues
}

func (a *app) deliver(_ context.Context, consumer string, msg queue.QueuedMessage) error {
	a.logger.Debug("message delivered",
		slog.String("consumer", consumer),
		slog.String("message_id", msg.ID),
		slog.Uint64("position", uint64(msg.Position)))
	return nil
}

// start brings up replication, runs the delivery loops and subscribes this
// node to every configured queue.
func (a *app) start(ctx context.Context) error {
	if a.node != nil {
		if a.cfg.Replication.Bootstrap {
			if err := a.node.Bootstrap(); err != nil {
				return err
			}
		}
		if err := a.node.WaitForLeader(ctx, a.cfg.Replication.ElectionTimeout*10); err != nil {
			return err
		}
	}

	queues := a.localQueues()
	for _, lq := range queues {
		a.wg.Add(1)
		go func(lq *localQueue) {
			defer a.wg.Done()
			lq.dispatcher.Start(ctx)
		}(lq)
	}

	for _, lq := range queues {
		res, err := a.publish(ctx, cluster.MemberSubscribed{Queue: lq.name, Member: a.self})
		if err != nil {
			return fmt.Errorf("subscribe to %s: %w", lq.name, err)
		}
		a.logger.Info("subscribed to queue",
			slog.String("queue", lq.name),
			slog.String("state", res.After.String()))
	}
	return nil
}

// stop unsubscribes from every queue so the others take over, then stops
// delivery and replication.
func (a *app) stop(ctx context.Context) error {
	var errs []error
	queues := a.localQueues()
	for _, lq := range queues {
		res, err := a.publish(ctx, cluster.MemberUnsubscribed{Queue: lq.name, Member: a.self})
		if err == nil {
			err = res.Err()
		}
		if err != nil && !errors.Is(err, cluster.ErrNotSubscribed) && !errors.Is(err, cluster.ErrQueueNotFound) {
			errs = append(errs, fmt.Errorf("unsubscribe from %s: %w", lq.name, err))
		}
	}

	for _, lq := range queues {
		lq.dispatcher.Stop()
		if qc, ok := a.registry.Lookup(lq.name); ok {
			qc.Gate().Stop()
		}
	}
	a.wg.Wait()

	if err := a.shutdownNode(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *app) shutdownNode() error {
	if a.node == nil {
		return nil
	}
	return a.node.Shutdown()
}
