package nodeid

import (
	"fmt"
	"time"
)

// DefaultWindow is the arbitration window: how long a piece of evidence
// about an identifier stays effective.
const DefaultWindow = time.Second

// ClaimKind classifies an identifier from one node's point of view.
type ClaimKind uint8

const (
	Unclaimed ClaimKind = iota
	SelfAssigned
	TakenByOther
)

func (k ClaimKind) String() string {
	switch k {
	case Unclaimed:
		return "unclaimed"
	case SelfAssigned:
		return "self-assigned"
	case TakenByOther:
		return "taken"
	}
	return fmt.Sprintf("ClaimKind(%d)", uint8(k))
}

// ClaimState is the claim on one identifier at a point in time. Since is the
// last successful heartbeat for SelfAssigned and the latest conflicting
// evidence for TakenByOther.
type ClaimState struct {
	Kind  ClaimKind
	Since time.Time
}

func (s ClaimState) String() string {
	if s.Kind == Unclaimed {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", s.Kind, s.Since.Format(time.RFC3339Nano))
}

type stamp struct {
	at  time.Time
	set bool
}

func (s *stamp) mark(t time.Time) {
	if !s.set || t.After(s.at) {
		s.at, s.set = t, true
	}
}

// within reports whether the evidence is effective at now: [at, at+window).
func (s stamp) within(now time.Time, window time.Duration) bool {
	if !s.set {
		return false
	}
	d := now.Sub(s.at)
	return d >= 0 && d < window
}

type evidence struct {
	foreign stamp // heartbeat from another serial
	failure stamp // local heartbeat not accepted
	success stamp // local heartbeat accepted
}

// Arbiter tracks per-identifier evidence and answers taken / self-assigned
// queries for a sliding window.
//
// An identifier is taken when, within the window, a heartbeat for it arrived
// from another serial or a local heartbeat for it failed. It is
// self-assigned when a local heartbeat for it succeeded within the window
// and it is not taken. Evidence is never swept; it simply stops counting once
// it is older than the window.
//
// An Arbiter is owned by a single goroutine and is not safe for concurrent use.
type Arbiter struct {
	serial Serial
	window time.Duration
	ids    [MaxNodeID + 1]evidence
}

// NewArbiter returns an Arbiter for a node with the given serial. A
// non-positive window selects DefaultWindow.
func NewArbiter(serial Serial, window time.Duration) *Arbiter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Arbiter{serial: serial, window: window}
}

// Serial returns the node's own serial.
func (a *Arbiter) Serial() Serial { return a.serial }

// Window returns the arbitration window.
func (a *Arbiter) Window() time.Duration { return a.window }

// ObserveHeartbeat records a received heartbeat for id carrying serial from.
// Heartbeats carrying the node's own serial are echoes of its own traffic
// and are ignored. It reports whether the heartbeat was recorded as foreign.
func (a *Arbiter) ObserveHeartbeat(id NodeID, from Serial, now time.Time) bool {
	if !id.IsSet() || from == a.serial {
		return false
	}
	a.ids[id].foreign.mark(now)
	return true
}

// RecordSend records the outcome of a local heartbeat attempt for id.
func (a *Arbiter) RecordSend(id NodeID, ok bool, now time.Time) {
	if !id.IsSet() {
		return
	}
	if ok {
		a.ids[id].success.mark(now)
	} else {
		a.ids[id].failure.mark(now)
	}
}

// IsTaken reports whether id may not be used. Identifiers out of range are
// always taken.
func (a *Arbiter) IsTaken(id NodeID, now time.Time) bool {
	if !id.IsSet() {
		return true
	}
	e := &a.ids[id]
	return e.foreign.within(now, a.window) || e.failure.within(now, a.window)
}

// IsSelfAssigned reports whether the node has proven id within the window
// and nothing contradicts it.
func (a *Arbiter) IsSelfAssigned(id NodeID, now time.Time) bool {
	if !id.IsSet() {
		return false
	}
	return a.ids[id].success.within(now, a.window) && !a.IsTaken(id, now)
}

// State returns the claim on id at now.
func (a *Arbiter) State(id NodeID, now time.Time) ClaimState {
	if !id.IsSet() {
		return ClaimState{Kind: TakenByOther}
	}
	e := &a.ids[id]
	if a.IsTaken(id, now) {
		var last stamp
		for _, s := range []stamp{e.foreign, e.failure} {
			if s.within(now, a.window) {
				last.mark(s.at)
			}
		}
		return ClaimState{Kind: TakenByOther, Since: last.at}
	}
	if e.success.within(now, a.window) {
		return ClaimState{Kind: SelfAssigned, Since: e.success.at}
	}
	return ClaimState{Kind: Unclaimed}
}

// Taken returns a predicate over IsTaken at now, for use with a Policy.
func (a *Arbiter) Taken(now time.Time) func(NodeID) bool {
	return func(id NodeID) bool { return a.IsTaken(id, now) }
}
