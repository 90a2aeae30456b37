// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSubscribed is the rejection reason for removing a member that is
	// not in the member list.
	ErrNotSubscribed = errors.New("member is not subscribed")

	// ErrNotOwner is the rejection reason for a resubscribe issued by a
	// member that is not at the front of the member list.
	ErrNotOwner = errors.New("member is not the queue owner")
)

// Outcome tells whether a replica transition took effect.
type Outcome uint8

const (
	// Applied means the precondition held and the member list was updated.
	Applied Outcome = iota
	// Rejected means the precondition failed and nothing changed.
	Rejected
)

func (o Outcome) String() string {
	if o == Rejected {
		return "rejected"
	}
	return "applied"
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "applied":
		*o = Applied
	case "rejected":
		*o = Rejected
	default:
		return fmt.Errorf("invalid outcome %q", text)
	}
	return nil
}

// Result describes the effect of one replica transition.
//
// A rejected result carries the reason and leaves Before == After. It is up
// to the caller to decide whether a rejection is a benign race or a sign
// that members observed events in different orders.
type Result struct {
	Outcome Outcome
	Reason  error
	Before  Ownership
	After   Ownership
}

// Changed reports whether the ownership verdict moved.
func (r Result) Changed() bool {
	return r.Before != r.After
}

// Err returns the rejection reason, or nil for applied transitions.
func (r Result) Err() error {
	if r.Outcome == Rejected {
		return r.Reason
	}
	return nil
}
