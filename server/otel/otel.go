// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/fluxmq-replica/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Resource attribute keys describing the node's place in the cluster.
const (
	ReplicationEnabledKey = attribute.Key("fluxmq.replication.enabled")
	ReplicationAddrKey    = attribute.Key("fluxmq.replication.addr")
	ReplicationPeersKey   = attribute.Key("fluxmq.replication.peers")
	QueuesKey             = attribute.Key("fluxmq.queues")
)

const (
	exportTimeout  = 30 * time.Second
	batchTimeout   = 5 * time.Second
	maxBatchSize   = 512
	metricInterval = 10 * time.Second
)

// Providers holds the SDK providers installed as globals.
type Providers struct {
	Resource *resource.Resource

	shutdowns []func(context.Context) error
}

// Shutdown flushes and stops every installed provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewResource describes this node: its identity, whether it replicates,
// where peers reach it and which queues it serves.
func NewResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	queues := make([]string, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		queues = append(queues, q.Name)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.Telemetry.ServiceName),
		semconv.ServiceVersionKey.String(cfg.Telemetry.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(cfg.Node.ID),
		ReplicationEnabledKey.Bool(cfg.Replication.Enabled),
		QueuesKey.StringSlice(queues),
	}
	if cfg.Replication.Enabled {
		addr := cfg.Replication.AdvertiseAddr
		if addr == "" {
			addr = cfg.Replication.BindAddr
		}
		attrs = append(attrs,
			ReplicationAddrKey.String(addr),
			ReplicationPeersKey.Int(len(cfg.Replication.Peers)),
		)
	}

	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// InitProvider installs the global tracer and meter providers for this
// node. Tracing falls back to a noop provider when disabled.
func InitProvider(ctx context.Context, cfg *config.Config) (*Providers, error) {
	res, err := NewResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Providers{Resource: res}
	tel := cfg.Telemetry

	if tel.TracesEnabled {
		tp, err := newTracerProvider(ctx, tel, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		p.shutdowns = append(p.shutdowns, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if tel.MetricsEnabled {
		mp, err := newMeterProvider(ctx, tel, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		p.shutdowns = append(p.shutdowns, mp.Shutdown)
	}

	return p, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(maxBatchSize),
			trace.WithBatchTimeout(batchTimeout),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(metricInterval))),
	), nil
}
