// Package nodeid decides which node identifier a CAN node may use.
//
// Nodes on a shared bus pick identifiers without a coordinator. A node proves
// an identifier is its own by sending heartbeats with it, and learns that an
// identifier belongs to someone else from heartbeats carrying a different
// serial number. The Arbiter keeps that evidence and answers two questions
// for a sliding window of time: is an identifier taken, and is it
// self-assigned.
package nodeid

import (
	"fmt"
	"strconv"
	"strings"
)

// NodeID is a node identifier on the bus (0..127).
type NodeID uint8

const (
	// MaxNodeID is the largest valid identifier.
	MaxNodeID NodeID = 127
	// Unset marks the absence of a candidate ("auto").
	Unset NodeID = 0xFF
)

// Validate checks that the node identifier is in the range 0..127.
func (n NodeID) Validate() error {
	if n > MaxNodeID {
		return fmt.Errorf("nodeid: invalid node id %d (valid 0..%d)", n, MaxNodeID)
	}
	return nil
}

// IsSet reports whether n is a valid identifier rather than Unset.
func (n NodeID) IsSet() bool { return n <= MaxNodeID }

func (n NodeID) String() string {
	if n == Unset {
		return "auto"
	}
	return strconv.Itoa(int(n))
}

// ParseNodeID parses a decimal identifier or "auto".
func ParseNodeID(s string) (NodeID, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return Unset, nil
	}
	v, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return Unset, fmt.Errorf("nodeid: parse %q: %w", s, err)
	}
	n := NodeID(v)
	if err := n.Validate(); err != nil {
		return Unset, err
	}
	return n, nil
}
