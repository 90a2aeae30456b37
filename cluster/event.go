// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned when decoding an event with an unknown type tag.
var ErrUnknownEvent = errors.New("unknown membership event")

// EventType tags the kind of membership event.
type EventType string

const (
	EventSubscribed   EventType = "subscribed"
	EventUnsubscribed EventType = "unsubscribed"
	EventResubscribed EventType = "resubscribed"
)

// Event is a membership change raised by the protocol layer. The set of
// events is closed: only the types in this package implement it.
type Event interface {
	// QueueName returns the queue the event applies to.
	QueueName() string
	// Subscriber returns the member the event is about.
	Subscriber() MemberID
	// Type returns the event's tag.
	Type() EventType

	event()
}

// MemberSubscribed reports that Member started consuming from Queue.
type MemberSubscribed struct {
	Queue  string
	Member MemberID
}

// MemberUnsubscribed reports that Member stopped consuming from Queue.
type MemberUnsubscribed struct {
	Queue  string
	Member MemberID
}

// MemberResubscribed reports that Member, the current owner of Queue, hands
// the queue to the next subscriber and rejoins at the back of the line.
type MemberResubscribed struct {
	Queue  string
	Member MemberID
}

func (e MemberSubscribed) QueueName() string      { return e.Queue }
func (e MemberSubscribed) Subscriber() MemberID   { return e.Member }
func (e MemberSubscribed) Type() EventType        { return EventSubscribed }
func (MemberSubscribed) event()                   {}
func (e MemberUnsubscribed) QueueName() string    { return e.Queue }
func (e MemberUnsubscribed) Subscriber() MemberID { return e.Member }
func (e MemberUnsubscribed) Type() EventType      { return EventUnsubscribed }
func (MemberUnsubscribed) event()                 {}
func (e MemberResubscribed) QueueName() string    { return e.Queue }
func (e MemberResubscribed) Subscriber() MemberID { return e.Member }
func (e MemberResubscribed) Type() EventType      { return EventResubscribed }
func (MemberResubscribed) event()                 {}

// eventEnvelope is the wire form of an Event.
type eventEnvelope struct {
	Type   EventType `json:"type"`
	Queue  string    `json:"queue"`
	Member MemberID  `json:"member"`
}

// EncodeEvent serializes an event to JSON.
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("encode event: %w", ErrUnknownEvent)
	}
	return json.Marshal(eventEnvelope{
		Type:   e.Type(),
		Queue:  e.QueueName(),
		Member: e.Subscriber(),
	})
}

// DecodeEvent parses an event produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	switch env.Type {
	case EventSubscribed:
		return MemberSubscribed{Queue: env.Queue, Member: env.Member}, nil
	case EventUnsubscribed:
		return MemberUnsubscribed{Queue: env.Queue, Member: env.Member}, nil
	case EventResubscribed:
		return MemberResubscribed{Queue: env.Queue, Member: env.Member}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}
