// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"errors"
	"fmt"
)

// ErrUnknownDistribution is returned for an unsupported distribution kind.
var ErrUnknownDistribution = errors.New("unknown distribution")

// Distribution names a message distribution policy.
type Distribution string

const (
	// DistributionFifo hands messages out in arrival order to any consumer.
	DistributionFifo Distribution = "fifo"
	// DistributionExclusive lets a single consumer acquire at a time.
	DistributionExclusive Distribution = "exclusive"
)

// Distributor decides which message a consumer sees next and whether the
// consumer may claim it.
type Distributor interface {
	// NextMessage returns the next message visible to c, advancing its
	// position. Returns false when nothing is left for c. For acquiring
	// consumers it only returns messages Allocate will grant to c.
	NextMessage(c *Consumer) (QueuedMessage, bool)

	// Allocate reports whether consumer may take msg.
	Allocate(consumer string, msg QueuedMessage) bool

	// Query adds policy-specific diagnostics to out.
	Query(out map[string]any)
}

// NewDistributor builds the distributor for kind over messages.
// An empty kind selects FIFO.
func NewDistributor(kind Distribution, messages Messages) (Distributor, error) {
	switch kind {
	case DistributionFifo, "":
		return NewFifoDistributor(messages), nil
	case DistributionExclusive:
		return NewExclusiveDistributor(messages), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDistribution, kind)
	}
}
