// Package heartbeat encodes node-ID heartbeats and schedules their
// transmission.
//
// A heartbeat is a standard data frame with identifier 0x700 + node id whose
// 8-byte payload is the sender's serial. Every other frame is regular
// traffic; Classify makes that distinction once per received frame.
package heartbeat

import (
	"fmt"

	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/nodeid"
)

// Heartbeat announces that the node with Serial is using Node.
type Heartbeat struct {
	Node   nodeid.NodeID
	Serial nodeid.Serial
}

// ID returns the CAN identifier of node's heartbeat.
func ID(node nodeid.NodeID) uint32 { return canbus.HeartbeatBase + uint32(node) }

// MarshalCANFrame encodes the heartbeat to a CAN frame.
func (h Heartbeat) MarshalCANFrame() (canbus.Frame, error) {
	if err := h.Node.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	f := canbus.Frame{ID: ID(h.Node), Len: canbus.HeartbeatLen}
	copy(f.Data[:], h.Serial[:])
	return f, nil
}

// UnmarshalCANFrame decodes the heartbeat from a CAN frame.
func (h *Heartbeat) UnmarshalCANFrame(f canbus.Frame) error {
	if !IsHeartbeat(f) {
		return fmt.Errorf("heartbeat: not a heartbeat frame (%v)", f)
	}
	h.Node = nodeid.NodeID(f.ID - canbus.HeartbeatBase)
	copy(h.Serial[:], f.Data[:canbus.HeartbeatLen])
	return nil
}

// IsHeartbeat reports whether f has the shape of a heartbeat.
func IsHeartbeat(f canbus.Frame) bool { return canbus.HeartbeatRange()(f) }

// Message is a received frame after classification: either a Heartbeat or a
// Regular frame.
type Message interface {
	isMessage()
}

// Regular is any frame that is not a heartbeat. Its payload is opaque.
type Regular struct {
	Raw canbus.Frame
}

func (Heartbeat) isMessage() {}
func (Regular) isMessage()   {}

// Classify decodes f once into a Heartbeat or a Regular message.
func Classify(f canbus.Frame) Message {
	var h Heartbeat
	if h.UnmarshalCANFrame(f) == nil {
		return h
	}
	return Regular{Raw: f}
}
