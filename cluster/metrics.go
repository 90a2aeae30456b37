// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "fluxmq-replica/cluster"

// Metrics holds OpenTelemetry instruments for queue ownership.
type Metrics struct {
	transitions metric.Int64Counter
	rejections  metric.Int64Counter
	owned       metric.Int64UpDownCounter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates instruments on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.transitions, err = meter.Int64Counter(
		"cluster.ownership.transitions.total",
		metric.WithDescription("Queue ownership verdict changes by resulting state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.rejections, err = meter.Int64Counter(
		"cluster.ownership.rejections.total",
		metric.WithDescription("Membership events rejected because their precondition failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejections counter: %w", err)
	}

	m.owned, err = meter.Int64UpDownCounter(
		"cluster.queues.owned",
		metric.WithDescription("Number of queues this node currently owns"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create owned queues gauge: %w", err)
	}

	return m, nil
}

// RecordTransition counts an ownership change.
func (m *Metrics) RecordTransition(queue string, before, after Ownership) {
	ctx := context.Background()
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("state", after.String()),
	))

	switch {
	case !before.IsOwner() && after.IsOwner():
		m.owned.Add(ctx, 1)
	case before.IsOwner() && !after.IsOwner():
		m.owned.Add(ctx, -1)
	}
}

// RecordRejection counts a rejected membership event.
func (m *Metrics) RecordRejection(queue string, reason error) {
	m.rejections.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", rejectionLabel(reason)),
	))
}

func rejectionLabel(reason error) string {
	switch {
	case errors.Is(reason, ErrNotOwner):
		return "not_owner"
	case errors.Is(reason, ErrNotSubscribed):
		return "not_subscribed"
	default:
		return "other"
	}
}
