// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import "log/slog"

// StateSink receives a queue replica's ownership verdict each time it changes.
//
// Calls are synchronous and happen after the member list was updated and
// before the replica operation returns. Implementations must not block and
// must not call back into the replica that notified them.
type StateSink interface {
	ReplicaState(queue string, state Ownership)
}

// SinkFunc adapts a function to StateSink.
type SinkFunc func(queue string, state Ownership)

func (f SinkFunc) ReplicaState(queue string, state Ownership) {
	f(queue, state)
}

// MultiSink notifies each sink in order.
type MultiSink []StateSink

func (ms MultiSink) ReplicaState(queue string, state Ownership) {
	for _, s := range ms {
		if s != nil {
			s.ReplicaState(queue, state)
		}
	}
}

// LoggingSink logs every ownership change.
type LoggingSink struct {
	logger *slog.Logger
	self   MemberID
}

// NewLoggingSink creates a sink logging through logger (slog.Default() if nil).
func NewLoggingSink(self MemberID, logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{logger: logger, self: self}
}

func (s *LoggingSink) ReplicaState(queue string, state Ownership) {
	s.logger.Info("queue ownership changed",
		slog.String("queue", queue),
		slog.String("member", string(s.self)),
		slog.String("state", state.String()))
}
