// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// Consumer is a cursor over a queue. Its position is advanced by the
// distributor; a consumer that does not allow acquisition only browses.
//
// A Consumer is owned by a single delivery loop and is not safe for
// concurrent use.
type Consumer struct {
	Name     string
	Position Position

	acquire bool
}

// NewConsumer creates a consumer positioned before the first message.
func NewConsumer(name string, acquire bool) *Consumer {
	return &Consumer{Name: name, acquire: acquire}
}

// AllowsAcquired reports whether the consumer removes the messages it receives.
func (c *Consumer) AllowsAcquired() bool {
	return c.acquire
}
