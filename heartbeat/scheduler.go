package heartbeat

import (
	"fmt"
	"time"

	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/nodeid"
)

// DefaultPeriod is the heartbeat period. It leaves several attempts per
// arbitration window.
const DefaultPeriod = 100 * time.Millisecond

// Sender offers a frame to the bus without blocking. *canbus.Port implements it.
type Sender interface {
	Send(canbus.Frame) canbus.Outcome
}

// Config configures a Scheduler.
type Config struct {
	// Period between heartbeats. Zero means DefaultPeriod.
	Period time.Duration
	// Policy picks a new candidate when the current one is taken. Nil means
	// nodeid.Sequential{}.
	Policy nodeid.Policy
	// Candidate is the initial identifier, or nodeid.Unset for "auto".
	Candidate nodeid.NodeID
}

// TickResult describes what one Tick did.
type TickResult struct {
	// Attempted is true when a heartbeat was offered to the bus.
	Attempted bool
	// Node is the candidate after the tick.
	Node nodeid.NodeID
	// Previous is the candidate before the tick.
	Previous nodeid.NodeID
	// Reselected is true when the policy replaced the candidate.
	Reselected bool
	// Outcome of the attempt, meaningful when Attempted.
	Outcome canbus.Outcome
	// Exhausted is true when the policy found no free identifier.
	Exhausted bool
}

// Scheduler sends this node's heartbeat every period and feeds each
// outcome back to the Arbiter. It never sends a heartbeat for a taken
// identifier; a taken candidate is replaced through the Policy first.
//
// A Scheduler belongs to the goroutine that owns the Arbiter.
type Scheduler struct {
	arb    *nodeid.Arbiter
	tx     Sender
	period time.Duration
	policy nodeid.Policy

	candidate nodeid.NodeID
	last      time.Time
	ticked    bool
}

// NewScheduler returns a scheduler sending through tx.
func NewScheduler(arb *nodeid.Arbiter, tx Sender, cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Policy == nil {
		cfg.Policy = nodeid.Sequential{}
	}
	if !cfg.Candidate.IsSet() {
		cfg.Candidate = nodeid.Unset
	}
	return &Scheduler{
		arb:       arb,
		tx:        tx,
		period:    cfg.Period,
		policy:    cfg.Policy,
		candidate: cfg.Candidate,
	}
}

// Period returns the heartbeat period.
func (s *Scheduler) Period() time.Duration { return s.period }

// Candidate returns the identifier the node is currently claiming.
func (s *Scheduler) Candidate() nodeid.NodeID { return s.candidate }

// SetCandidate replaces the candidate. nodeid.Unset lets the policy choose.
func (s *Scheduler) SetCandidate(id nodeid.NodeID) error {
	if id != nodeid.Unset {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	s.candidate = id
	return nil
}

// Due reports whether a heartbeat period has elapsed since the last tick.
func (s *Scheduler) Due(now time.Time) bool {
	return !s.ticked || now.Sub(s.last) >= s.period
}

// NextDue returns when the next tick is due.
func (s *Scheduler) NextDue() time.Time {
	if !s.ticked {
		return time.Time{}
	}
	return s.last.Add(s.period)
}

// Tick runs one heartbeat period: replace the candidate if it is unset or
// taken, then send its heartbeat.
func (s *Scheduler) Tick(now time.Time) TickResult {
	s.last, s.ticked = now, true
	res := TickResult{Node: s.candidate, Previous: s.candidate}

	if !s.candidate.IsSet() || s.arb.IsTaken(s.candidate, now) {
		next, ok := s.policy.Next(s.candidate, s.arb.Taken(now))
		if !ok {
			res.Exhausted = true
			return res
		}
		s.candidate = next
		res.Node = next
		res.Reselected = true
	}

	out, err := s.SendHeartbeat(s.candidate, now)
	if err != nil {
		return res
	}
	res.Attempted = true
	res.Outcome = out
	return res
}

// SendHeartbeat sends one heartbeat for id and records the outcome. It
// returns nodeid.ErrIDTaken without touching the bus when id is taken.
func (s *Scheduler) SendHeartbeat(id nodeid.NodeID, now time.Time) (canbus.Outcome, error) {
	if s.arb.IsTaken(id, now) {
		return canbus.Failed, fmt.Errorf("heartbeat for %v: %w", id, nodeid.ErrIDTaken)
	}
	f, err := Heartbeat{Node: id, Serial: s.arb.Serial()}.MarshalCANFrame()
	if err != nil {
		return canbus.Failed, err
	}
	out := s.tx.Send(f)
	s.arb.RecordSend(id, out.OK(), now)
	return out, nil
}
