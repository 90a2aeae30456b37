// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cluster

import "fmt"

// MemberID identifies a cluster member. IDs are compared for equality and
// ordered lexically.
type MemberID string

// Ownership is the local node's verdict for one replicated queue.
type Ownership uint8

const (
	// Unsubscribed means this node is not in the queue's member list.
	Unsubscribed Ownership = iota
	// Subscribed means this node is in the member list but not at the front.
	Subscribed
	// SoleOwner means this node is at the front and is the only member.
	SoleOwner
	// SharedOwner means this node is at the front and other members wait behind it.
	SharedOwner
)

var ownershipNames = [...]string{
	Unsubscribed: "UNSUBSCRIBED",
	Subscribed:   "SUBSCRIBED",
	SoleOwner:    "SOLE_OWNER",
	SharedOwner:  "SHARED_OWNER",
}

func (o Ownership) String() string {
	if int(o) < len(ownershipNames) {
		return ownershipNames[o]
	}
	return fmt.Sprintf("Ownership(%d)", uint8(o))
}

// IsOwner reports whether the verdict permits local delivery.
func (o Ownership) IsOwner() bool {
	return o == SoleOwner || o == SharedOwner
}

func (o Ownership) MarshalText() ([]byte, error) {
	if int(o) >= len(ownershipNames) {
		return nil, fmt.Errorf("invalid ownership value %d", uint8(o))
	}
	return []byte(ownershipNames[o]), nil
}

func (o *Ownership) UnmarshalText(text []byte) error {
	for i, name := range ownershipNames {
		if name == string(text) {
			*o = Ownership(i)
			return nil
		}
	}
	return fmt.Errorf("unknown ownership %q", text)
}
