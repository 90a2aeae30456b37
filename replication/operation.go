// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/absmach/fluxmq-replica/cluster"
)

// OpType represents the type of operation in the Raft log.
type OpType uint8

const (
	// OpMembership carries a subscription event for one queue.
	OpMembership OpType = iota + 1
	// OpDeclareQueue makes a queue known cluster-wide with no members.
	OpDeclareQueue
	// OpRemoveQueue drops a queue and its membership.
	OpRemoveQueue
)

func (t OpType) String() string {
	switch t {
	case OpMembership:
		return "membership"
	case OpDeclareQueue:
		return "declare_queue"
	case OpRemoveQueue:
		return "remove_queue"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

// Operation is a replicated log entry.
type Operation struct {
	Type      OpType          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Queue     string          `json:"queue,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

// ApplyResult is what the FSM returns for every committed operation.
type ApplyResult struct {
	Result cluster.Result
	Error  error
}

func membershipOp(e cluster.Event) (*Operation, error) {
	data, err := cluster.EncodeEvent(e)
	if err != nil {
		return nil, err
	}
	return &Operation{Type: OpMembership, Queue: e.QueueName(), Event: data}, nil
}

func encodeOp(op *Operation) ([]byte, error) {
	op.Timestamp = time.Now()
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operation: %w", err)
	}
	return data, nil
}
