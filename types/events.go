// Package types defines the records carried from the capture probes to the
// consumer. Every record starts with a Header whose Type selects a fixed,
// packed, little-endian payload shape.
package types

import (
	"fmt"
	"math/bits"
	"strings"
)

// EventType tags a record. The values are single bits so that the same
// type doubles as the requested-event mask.
type EventType uint64

// Event type constants
const (
	EventFileDelete EventType = 1 << iota
	EventProcessFork
	EventProcessExec
	EventProcessExit
	EventProcessSetsid
	EventNetworkConnectionAccepted
	EventNetworkConnectionAttempted
	EventNetworkConnectionClosed

	// AllEvents enables every populator.
	AllEvents = EventFileDelete | EventProcessFork | EventProcessExec |
		EventProcessExit | EventProcessSetsid | NetworkEvents

	// NetworkEvents groups the three network tags, which share a payload.
	NetworkEvents = EventNetworkConnectionAccepted |
		EventNetworkConnectionAttempted | EventNetworkConnectionClosed
)

var eventNames = map[EventType]string{
	EventFileDelete:                 "FILE_DELETE",
	EventProcessFork:                "PROCESS_FORK",
	EventProcessExec:                "PROCESS_EXEC",
	EventProcessExit:                "PROCESS_EXIT",
	EventProcessSetsid:              "PROCESS_SETSID",
	EventNetworkConnectionAccepted:  "NETWORK_CONNECTION_ACCEPTED",
	EventNetworkConnectionAttempted: "NETWORK_CONNECTION_ATTEMPTED",
	EventNetworkConnectionClosed:    "NETWORK_CONNECTION_CLOSED",
}

// String returns the upper-case name of a single event type, or a
// "|"-joined list for a mask.
func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}
	if t == 0 {
		return "NONE"
	}
	var parts []string
	for rest := t; rest != 0; rest &= rest - 1 {
		bit := EventType(1) << bits.TrailingZeros64(uint64(rest))
		if name, ok := eventNames[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("UNKNOWN(%#x)", uint64(bit)))
		}
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of other is set in t.
func (t EventType) Has(other EventType) bool {
	return other != 0 && t&other == other
}

// Known reports whether t is exactly one defined event type.
func (t EventType) Known() bool {
	_, ok := eventNames[t]
	return ok
}

// ParseEventType accepts names such as "process_exec" or "PROCESS_EXEC",
// plus "all" and "network".
func ParseEventType(name string) (EventType, error) {
	upper := strings.ToUpper(strings.TrimSpace(name))
	switch upper {
	case "ALL":
		return AllEvents, nil
	case "NETWORK":
		return NetworkEvents, nil
	}
	for t, n := range eventNames {
		if n == upper {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", name)
}

// ParseEventMask ORs together a list of event names. An empty list
// selects every event.
func ParseEventMask(names []string) (EventType, error) {
	if len(names) == 0 {
		return AllEvents, nil
	}
	var mask EventType
	for _, n := range names {
		t, err := ParseEventType(n)
		if err != nil {
			return 0, err
		}
		mask |= t
	}
	return mask, nil
}
