// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Position is a message's place in a queue. Positions increase with arrival
// order; the zero Position sits before the first message.
type Position uint64

// QueuedMessage is a message together with its queue position.
type QueuedMessage struct {
	Position   Position
	ID         string
	Payload    []byte
	Properties map[string]string
	EnqueuedAt time.Time
}

// Messages is the message container a distributor reads from.
type Messages interface {
	// Browse finds the first message after *pos, moves *pos to it and
	// returns it. Unless browseOnly is set, the message is acquired, i.e.
	// removed from the container. Returns false when no message follows *pos.
	Browse(pos *Position, browseOnly bool) (QueuedMessage, bool)

	// Len returns the number of messages still in the container.
	Len() int
}

// MemoryMessages is an in-memory, arrival-ordered Messages implementation.
type MemoryMessages struct {
	mu       sync.Mutex
	messages []QueuedMessage
	last     Position
}

var _ Messages = (*MemoryMessages)(nil)

// NewMemoryMessages creates an empty container.
func NewMemoryMessages() *MemoryMessages {
	return &MemoryMessages{}
}

// Push appends a message and returns it with its assigned position and ID.
func (m *MemoryMessages) Push(payload []byte, properties map[string]string) QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.last++
	msg := QueuedMessage{
		Position:   m.last,
		ID:         uuid.NewString(),
		Payload:    payload,
		Properties: properties,
		EnqueuedAt: time.Now(),
	}
	m.messages = append(m.messages, msg)
	return msg
}

func (m *MemoryMessages) Browse(pos *Position, browseOnly bool) (QueuedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i, found := slices.BinarySearchFunc(m.messages, *pos, func(msg QueuedMessage, p Position) int {
		switch {
		case msg.Position < p:
			return -1
		case msg.Position > p:
			return 1
		default:
			return 0
		}
	})
	if found {
		i++
	}
	if i >= len(m.messages) {
		return QueuedMessage{}, false
	}

	msg := m.messages[i]
	*pos = msg.Position
	if !browseOnly {
		m.messages = slices.Delete(m.messages, i, i+1)
	}
	return msg, true
}

func (m *MemoryMessages) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}
