// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// FifoDistributor delivers messages in strict arrival order and keeps no
// record of which consumer took what.
type FifoDistributor struct {
	messages Messages
}

var _ Distributor = (*FifoDistributor)(nil)

// NewFifoDistributor creates a FIFO distributor over messages.
func NewFifoDistributor(messages Messages) *FifoDistributor {
	return &FifoDistributor{messages: messages}
}

func (d *FifoDistributor) NextMessage(c *Consumer) (QueuedMessage, bool) {
	return d.messages.Browse(&c.Position, !c.AllowsAcquired())
}

// Allocate always succeeds: FIFO does not enforce allocation.
func (d *FifoDistributor) Allocate(string, QueuedMessage) bool {
	return true
}

// Query reports nothing.
func (d *FifoDistributor) Query(map[string]any) {}
