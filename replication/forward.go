// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
	"github.com/sony/gobreaker"
)

// EventsPath is the HTTP path that accepts forwarded membership events.
const EventsPath = "/cluster/events"

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 10 * time.Second
)

// Forwarder sends membership events from a follower to the leader's API.
// Each leader address gets its own circuit breaker, so a dead leader fails
// fast until the next election moves the traffic elsewhere.
type Forwarder struct {
	client           *http.Client
	failureThreshold uint32
	resetTimeout     time.Duration
	logger           *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithBreaker sets how many consecutive failures open a leader's breaker
// and how long it stays open before a trial request.
func WithBreaker(failureThreshold uint32, resetTimeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if failureThreshold > 0 {
			f.failureThreshold = failureThreshold
		}
		if resetTimeout > 0 {
			f.resetTimeout = resetTimeout
		}
	}
}

// WithForwarderLogger sets the logger used for breaker state changes.
func WithForwarderLogger(logger *slog.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewForwarder creates a forwarder with the given request timeout.
func NewForwarder(timeout time.Duration, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		client:           &http.Client{Timeout: timeout},
		failureThreshold: defaultFailureThreshold,
		resetTimeout:     defaultResetTimeout,
		logger:           slog.Default(),
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Forwarder) breaker(addr string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[addr]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        addr,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     f.resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= f.failureThreshold
		},
		// A redirect or a cancelled caller says nothing about the leader's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotLeader) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			f.logger.Warn("forward circuit breaker state changed",
				slog.String("leader", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	f.breakers[addr] = cb
	return cb
}

// Forward posts e to the node serving addr and returns its receipt.
// While the breaker for addr is open it fails with gobreaker.ErrOpenState.
func (f *Forwarder) Forward(ctx context.Context, addr string, e cluster.Event) (Receipt, error) {
	body, err := cluster.EncodeEvent(e)
	if err != nil {
		return Receipt{}, err
	}

	out, err := f.breaker(addr).Execute(func() (interface{}, error) {
		return f.post(ctx, addr, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Receipt{}, fmt.Errorf("forward to %s: %w", addr, err)
		}
		return Receipt{}, err
	}
	return out.(Receipt), nil
}

func (f *Forwarder) post(ctx context.Context, addr string, body []byte) (Receipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+EventsPath, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("failed to build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("forward to %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMisdirectedRequest:
		return Receipt{}, fmt.Errorf("forward to %s: %w", addr, ErrNotLeader)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Receipt{}, fmt.Errorf("forward to %s: status %d: %s", addr, resp.StatusCode, bytes.TrimSpace(msg))
	}

	var r Receipt
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Receipt{}, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return r, nil
}
