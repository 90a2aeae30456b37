// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "sync"

// ExclusiveDistributor gives a single active consumer the right to acquire
// messages. The first consumer to allocate a message becomes the active
// one and keeps the role until it is released. Browsers are not affected.
type ExclusiveDistributor struct {
	messages Messages

	mu    sync.Mutex
	owner string
}

var _ Distributor = (*ExclusiveDistributor)(nil)

// NewExclusiveDistributor creates a single-active-consumer distributor.
func NewExclusiveDistributor(messages Messages) *ExclusiveDistributor {
	return &ExclusiveDistributor{messages: messages}
}

// NextMessage holds the owner lock across the acquiring read, so a message
// taken here always belongs to the consumer that Allocate will grant.
func (d *ExclusiveDistributor) NextMessage(c *Consumer) (QueuedMessage, bool) {
	if !c.AllowsAcquired() {
		return d.messages.Browse(&c.Position, true)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner != "" && d.owner != c.Name {
		return QueuedMessage{}, false
	}
	msg, ok := d.messages.Browse(&c.Position, false)
	if ok && d.owner == "" {
		d.owner = c.Name
	}
	return msg, ok
}

func (d *ExclusiveDistributor) Allocate(consumer string, _ QueuedMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner == "" {
		d.owner = consumer
	}
	return d.owner == consumer
}

// Release gives up the active role if consumer holds it.
func (d *ExclusiveDistributor) Release(consumer string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.owner != consumer || consumer == "" {
		return false
	}
	d.owner = ""
	return true
}

// Owner returns the active consumer, or "" if none.
func (d *ExclusiveDistributor) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

func (d *ExclusiveDistributor) Query(out map[string]any) {
	if owner := d.Owner(); owner != "" {
		out["owner"] = owner
	}
}
