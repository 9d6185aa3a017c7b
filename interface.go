package canzero

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/heartbeat"
	"github.com/notnil/canzero/nodeid"
)

// DefaultWaitTimeout bounds how long the dispatch loop sleeps without a
// receive notification. It is well below the heartbeat period.
const DefaultWaitTimeout = 10 * time.Millisecond

var (
	// ErrStartup wraps every failure to bring an endpoint up.
	ErrStartup = errors.New("canzero: startup failed")
	// ErrNotStarted is returned by Run before a successful Start, and by
	// requests made before the dispatch loop runs.
	ErrNotStarted = errors.New("canzero: interface not started")
	// ErrRunning is returned when Run is called more than once.
	ErrRunning = errors.New("canzero: dispatch loop already running")
	// ErrStopped is returned by requests after the dispatch loop exited.
	ErrStopped = errors.New("canzero: dispatch loop stopped")
	// ErrPanic wraps a panic recovered in the dispatch loop.
	ErrPanic = errors.New("canzero: dispatch loop panic")
	// ErrReservedID is returned for regular frames shaped like heartbeats.
	ErrReservedID = errors.New("canzero: frame uses the reserved heartbeat range")
)

// Config configures one endpoint.
type Config struct {
	// Name identifies the endpoint in logs and status.
	Name    string
	Bitrate canbus.Bitrate
	Filter  canbus.FilterMode

	// Serial must be unique per node instance.
	Serial nodeid.Serial
	// Candidate is the initial node id, or nodeid.Unset for "auto".
	Candidate nodeid.NodeID
	// Policy replaces a taken candidate. Nil means nodeid.SequentialFor(Serial).
	Policy nodeid.Policy

	HeartbeatPeriod   time.Duration
	ArbitrationWindow time.Duration
	WaitTimeout       time.Duration
}

// DefaultConfig returns a Config with the protocol defaults: 500k,
// accept-all filter, automatic id, 100ms heartbeats and a 1s arbitration
// window. Policy is left nil so New skews the sequential scan by Serial.
func DefaultConfig() Config {
	return Config{
		Name:              "can0",
		Bitrate:           canbus.Bitrate500K,
		Filter:            canbus.FilterAcceptAll,
		Candidate:         nodeid.Unset,
		HeartbeatPeriod:   heartbeat.DefaultPeriod,
		ArbitrationWindow: nodeid.DefaultWindow,
		WaitTimeout:       DefaultWaitTimeout,
	}
}

// Validate checks the timing and identity settings.
func (c Config) Validate() error {
	if !c.Bitrate.Supported() {
		return fmt.Errorf("%w: %d", canbus.ErrUnsupportedBitrate, uint32(c.Bitrate))
	}
	if c.Candidate != nodeid.Unset {
		if err := c.Candidate.Validate(); err != nil {
			return err
		}
	}
	if c.HeartbeatPeriod <= 0 || c.ArbitrationWindow <= 0 || c.WaitTimeout <= 0 {
		return errors.New("canzero: periods must be positive")
	}
	if c.ArbitrationWindow < 5*c.HeartbeatPeriod {
		return fmt.Errorf("canzero: arbitration window %v is less than 5 heartbeat periods (%v)", c.ArbitrationWindow, c.HeartbeatPeriod)
	}
	if c.WaitTimeout >= c.HeartbeatPeriod {
		return fmt.Errorf("canzero: wait timeout %v must be below the heartbeat period %v", c.WaitTimeout, c.HeartbeatPeriod)
	}
	return nil
}

// Option configures an Interface.
type Option func(*Interface)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(i *Interface) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithClock replaces the system clock.
func WithClock(c nodeid.Clock) Option {
	return func(i *Interface) {
		if c != nil {
			i.clock = c
		}
	}
}

// WithRelay sets the upper-layer callback invoked once per received frame,
// on the dispatch goroutine. It must not block.
func WithRelay(fn func(canbus.Frame)) Option {
	return func(i *Interface) { i.relay = fn }
}

// Stats counts dispatch loop activity.
type Stats struct {
	Received          uint64 // frames drained from the controller
	ForeignHeartbeats uint64 // heartbeats from other serials
	EchoHeartbeats    uint64 // own heartbeats seen again
	HeartbeatsSent    uint64 // heartbeats accepted by a mailbox
	HeartbeatFailures uint64 // heartbeats with no free mailbox or refused
	Reselections      uint64 // candidate replaced by the policy
	Sent              uint64 // regular frames accepted by a mailbox
	SendFailures      uint64 // regular frames not accepted
	Rejected          uint64 // regular frames refused without self-assigned id
	BusErrors         uint64 // bus errors cleared
	Wakeups           uint64 // receive notifications handled
}

// Status is a snapshot of an endpoint.
type Status struct {
	Name      string
	Handle    canbus.Handle
	Serial    nodeid.Serial
	Candidate nodeid.NodeID
	Claim     nodeid.ClaimState
	Stats     Stats
}

type requestKind uint8

const (
	reqSend requestKind = iota
	reqSetNode
	reqStatus
)

type request struct {
	kind  requestKind
	frame canbus.Frame
	node  nodeid.NodeID
	reply chan response
}

type response struct {
	outcome canbus.Outcome
	status  Status
	err     error
}

// Interface is one bus endpoint running the node-id protocol. After Start,
// a single dispatch goroutine (Run) owns all bus I/O and the Arbiter; other
// goroutines talk to it through Send, SetNodeID and Status.
type Interface struct {
	cfg    Config
	ctrl   canbus.Controller
	port   *canbus.Port
	arb    *nodeid.Arbiter
	sched  *heartbeat.Scheduler
	clock  nodeid.Clock
	logger *slog.Logger
	relay  func(canbus.Frame)

	wake     chan struct{}
	requests chan request
	done     chan struct{}

	routed  atomic.Bool
	started atomic.Bool
	running atomic.Bool
	irqErrs atomic.Uint64

	errMu sync.Mutex
	err   error

	// owned by the dispatch goroutine
	stats     Stats
	lastClaim nodeid.ClaimState
	lastNode  nodeid.NodeID
}

// New creates an Interface over ctrl. Start brings it up.
func New(ctrl canbus.Controller, cfg Config, opts ...Option) (*Interface, error) {
	if cfg.Policy == nil {
		cfg.Policy = nodeid.SequentialFor(cfg.Serial)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	i := &Interface{
		cfg:      cfg,
		ctrl:     ctrl,
		port:     canbus.NewPort(ctrl),
		arb:      nodeid.NewArbiter(cfg.Serial, cfg.ArbitrationWindow),
		clock:    nodeid.SystemClock{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		wake:     make(chan struct{}, 1),
		requests: make(chan request),
		done:     make(chan struct{}),
		lastNode: nodeid.Unset,
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With("endpoint", cfg.Name)
	i.sched = heartbeat.NewScheduler(i.arb, i.port, heartbeat.Config{
		Period:    cfg.HeartbeatPeriod,
		Policy:    cfg.Policy,
		Candidate: cfg.Candidate,
	})
	return i, nil
}

// Name returns the endpoint name.
func (i *Interface) Name() string { return i.cfg.Name }

// Controller returns the underlying controller.
func (i *Interface) Controller() canbus.Controller { return i.ctrl }

// Start configures and starts the controller: bitrate, filter, start, then
// receive notification. On failure nothing is running and the error wraps
// ErrStartup. An Interface not registered with a Router gets a private one.
func (i *Interface) Start() error {
	if i.started.Load() {
		return fmt.Errorf("%w: %s: %w", ErrStartup, i.cfg.Name, canbus.ErrStarted)
	}
	if !i.routed.Load() {
		r := NewRouter()
		if err := r.Register(i); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrStartup, i.cfg.Name, err)
		}
		r.Seal()
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"set bitrate", func() error { return i.port.SetBitrate(i.cfg.Bitrate) }},
		{"configure filter", func() error { return i.port.ConfigureFilter(i.cfg.Filter) }},
		{"start controller", i.port.Start},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			i.logger.Error("canzero startup failed", "step", s.name, "error", err)
			return fmt.Errorf("%w: %s: %s: %w", ErrStartup, i.cfg.Name, s.name, err)
		}
	}
	i.port.Arm()
	i.started.Store(true)
	i.logger.Info("canzero started",
		"handle", string(i.ctrl.Handle()),
		"bitrate", i.cfg.Bitrate.String(),
		"filter", i.cfg.Filter.String(),
		"serial", i.cfg.Serial.String(),
		"candidate", i.cfg.Candidate.String(),
	)
	return nil
}

// Go starts the dispatch loop on a new goroutine. Requests are accepted as
// soon as it returns nil. Watch Done and Err for its termination.
func (i *Interface) Go(ctx context.Context) error {
	if err := i.acquireLoop(); err != nil {
		return err
	}
	go func() { _ = i.loop(ctx) }()
	return nil
}

// Done is closed when the dispatch loop returns.
func (i *Interface) Done() <-chan struct{} { return i.done }

// Err returns why the dispatch loop stopped: nil after cancellation, a
// wrapped ErrPanic after a recovered panic.
func (i *Interface) Err() error {
	i.errMu.Lock()
	defer i.errMu.Unlock()
	return i.err
}

// Run is the dispatch loop. It waits for a receive notification, a request
// or the wait timeout, then clears bus errors, drains every pending frame,
// runs the heartbeat scheduler when due and re-arms receive notification.
// It only returns when ctx is done (nil) or after a panic (ErrPanic).
func (i *Interface) Run(ctx context.Context) error {
	if err := i.acquireLoop(); err != nil {
		return err
	}
	return i.loop(ctx)
}

func (i *Interface) acquireLoop() error {
	if !i.started.Load() {
		return ErrNotStarted
	}
	if !i.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	return nil
}

func (i *Interface) loop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
			i.logger.Error("canzero dispatch loop panic", "error", err)
		}
		i.errMu.Lock()
		i.err = err
		i.errMu.Unlock()
		close(i.done)
	}()

	timer := time.NewTimer(i.cfg.WaitTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("canzero stopped", "stats", i.stats)
			return nil
		case <-i.wake:
			i.stats.Wakeups++
		case req := <-i.requests:
			i.serve(req)
		case <-timer.C:
		}
		i.step()
		timer.Reset(i.cfg.WaitTimeout)
	}
}

// step is one pass of the dispatch loop.
func (i *Interface) step() {
	now := i.clock.Now()
	if i.port.ClearErrors() {
		i.stats.BusErrors++
		i.logger.Warn("canzero bus error cleared")
	}
	i.drain(now)
	if i.sched.Due(now) {
		i.noteTick(i.sched.Tick(now))
	}
	i.noteClaim(now)
	i.port.Arm()
}

// drain processes every frame the controller holds.
func (i *Interface) drain(now time.Time) {
	for i.port.Available() > 0 {
		f, err := i.port.Receive()
		if err != nil {
			i.logger.Warn("canzero receive error", "error", err)
			return
		}
		i.stats.Received++
		if h, ok := heartbeat.Classify(f).(heartbeat.Heartbeat); ok {
			if i.arb.ObserveHeartbeat(h.Node, h.Serial, now) {
				i.stats.ForeignHeartbeats++
				if h.Node == i.sched.Candidate() {
					i.logger.Warn("canzero heartbeat conflict", "id", h.Node.String(), "serial", h.Serial.String())
				}
			} else {
				i.stats.EchoHeartbeats++
			}
		}
		if i.relay != nil {
			i.relay(f)
		}
	}
}

func (i *Interface) noteTick(res heartbeat.TickResult) {
	if res.Reselected {
		i.stats.Reselections++
		i.logger.Info("canzero candidate", "previous", res.Previous.String(), "id", res.Node.String())
	}
	if res.Exhausted {
		i.logger.Warn("canzero no free id", "candidate", res.Node.String())
		return
	}
	if !res.Attempted {
		return
	}
	if res.Outcome.OK() {
		i.stats.HeartbeatsSent++
	} else {
		i.stats.HeartbeatFailures++
	}
	i.logger.Debug("canzero heartbeat", "id", res.Node.String(), "outcome", res.Outcome.String())
}

// noteClaim logs claim transitions of the current candidate.
func (i *Interface) noteClaim(now time.Time) {
	node := i.sched.Candidate()
	st := i.claim(node, now)
	if node == i.lastNode && st.Kind == i.lastClaim.Kind {
		return
	}
	i.logger.Info("canzero claim",
		"id", node.String(),
		"state", st.Kind.String(),
		"previous_id", i.lastNode.String(),
		"previous_state", i.lastClaim.Kind.String(),
	)
	i.lastNode, i.lastClaim = node, st
}

func (i *Interface) claim(node nodeid.NodeID, now time.Time) nodeid.ClaimState {
	if !node.IsSet() {
		return nodeid.ClaimState{Kind: nodeid.Unclaimed}
	}
	return i.arb.State(node, now)
}

func (i *Interface) serve(req request) {
	var resp response
	switch req.kind {
	case reqSend:
		resp.outcome, resp.err = i.sendRegular(req.frame)
	case reqSetNode:
		resp.err = i.sched.SetCandidate(req.node)
		if resp.err == nil {
			i.logger.Info("canzero candidate set", "id", req.node.String())
		}
	case reqStatus:
		resp.status = i.status(i.clock.Now())
	}
	req.reply <- resp
}

// sendRegular enforces that regular traffic only goes out under a
// self-assigned id. A refused frame never reaches the controller.
func (i *Interface) sendRegular(f canbus.Frame) (canbus.Outcome, error) {
	node := i.sched.Candidate()
	if !i.arb.IsSelfAssigned(node, i.clock.Now()) {
		i.stats.Rejected++
		return canbus.Failed, fmt.Errorf("send %v as %v: %w", f, node, nodeid.ErrNotSelfAssigned)
	}
	out := i.port.Send(f)
	if out.OK() {
		i.stats.Sent++
	} else {
		i.stats.SendFailures++
		i.logger.Debug("canzero send", "frame", f.String(), "outcome", out.String())
	}
	return out, nil
}

func (i *Interface) status(now time.Time) Status {
	st := i.stats
	st.BusErrors += i.irqErrs.Load()
	node := i.sched.Candidate()
	return Status{
		Name:      i.cfg.Name,
		Handle:    i.ctrl.Handle(),
		Serial:    i.arb.Serial(),
		Candidate: node,
		Claim:     i.claim(node, now),
		Stats:     st,
	}
}

func (i *Interface) call(ctx context.Context, req request) (response, error) {
	if !i.running.Load() {
		return response{}, ErrNotStarted
	}
	req.reply = make(chan response, 1)
	select {
	case i.requests <- req:
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-i.done:
		return response{}, ErrStopped
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-ctx.Done():
		return response{}, ctx.Err()
	case <-i.done:
		return response{}, ErrStopped
	}
}

// Send transmits a regular frame through the dispatch loop. It never waits
// for a mailbox: a busy controller yields canbus.NoSlot. Without a
// self-assigned node id the frame is refused with nodeid.ErrNotSelfAssigned.
func (i *Interface) Send(ctx context.Context, f canbus.Frame) (canbus.Outcome, error) {
	if err := f.Validate(); err != nil {
		return canbus.Failed, err
	}
	if heartbeat.IsHeartbeat(f) {
		return canbus.Failed, fmt.Errorf("%w: %v", ErrReservedID, f)
	}
	resp, err := i.call(ctx, request{kind: reqSend, frame: f})
	if err != nil {
		return canbus.Failed, err
	}
	return resp.outcome, resp.err
}

// SetNodeID replaces the candidate id. nodeid.Unset lets the policy choose.
// The new id still has to be proven with heartbeats before regular traffic
// may use it.
func (i *Interface) SetNodeID(ctx context.Context, id nodeid.NodeID) error {
	resp, err := i.call(ctx, request{kind: reqSetNode, node: id})
	if err != nil {
		return err
	}
	return resp.err
}

// Status returns a snapshot taken on the dispatch goroutine.
func (i *Interface) Status(ctx context.Context) (Status, error) {
	resp, err := i.call(ctx, request{kind: reqStatus})
	if err != nil {
		return Status{}, err
	}
	return resp.status, nil
}

// notify wakes the dispatch loop. Extra wakeups coalesce.
func (i *Interface) notify() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}
