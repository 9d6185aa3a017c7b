package canzero

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/notnil/canzero/canbus"
	"github.com/notnil/canzero/heartbeat"
	"github.com/notnil/canzero/nodeid"
)

var (
	serialA = nodeid.Serial{0xA1, 0, 0, 0, 0, 0, 0, 1}
	serialB = nodeid.Serial{0xB2, 0, 0, 0, 0, 0, 0, 2}
	serialX = nodeid.Serial{0xEE, 0, 0, 0, 0, 0, 0, 3}
	epoch   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type recordSink struct {
	mu      sync.Mutex
	records []slog.Record
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }
func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	s.mu.Lock()
	s.records = append(s.records, r.Clone())
	s.mu.Unlock()
	return nil
}
func (s *recordSink) WithAttrs(attrs []slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(name string) slog.Handler       { return s }

func (s *recordSink) has(level slog.Level, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Level == level && r.Message == msg {
			return true
		}
	}
	return false
}

func testConfig(name string, serial nodeid.Serial, candidate nodeid.NodeID) Config {
	cfg := DefaultConfig()
	cfg.Name = name
	cfg.Serial = serial
	cfg.Candidate = candidate
	cfg.Policy = nodeid.Sequential{}
	return cfg
}

// newStarted opens a controller on bus and starts an interface on it.
func newStarted(t *testing.T, bus *canbus.SimBus, cfg Config, clock nodeid.Clock, opts ...Option) (*Interface, *canbus.SimController) {
	t.Helper()
	c := bus.Open(canbus.WithHandle(canbus.Handle(cfg.Name)))
	return startOn(t, c, cfg, clock, opts...), c
}

func startOn(t *testing.T, c canbus.Controller, cfg Config, clock nodeid.Clock, opts ...Option) *Interface {
	t.Helper()
	iface, err := New(c, cfg, append([]Option{WithClock(clock)}, opts...)...)
	if err != nil {
		t.Fatalf("new %s: %v", cfg.Name, err)
	}
	if err := iface.Start(); err != nil {
		t.Fatalf("start %s: %v", cfg.Name, err)
	}
	return iface
}

// monitor starts a passive controller that acknowledges every frame.
func monitor(t *testing.T, bus *canbus.SimBus) *canbus.SimController {
	t.Helper()
	m := bus.Open(canbus.WithHandle("monitor"), canbus.WithFIFODepth(1024))
	if err := m.Start(); err != nil {
		t.Fatalf("start monitor: %v", err)
	}
	return m
}

func heartbeatFrame(t *testing.T, node nodeid.NodeID, serial nodeid.Serial) canbus.Frame {
	t.Helper()
	f, err := heartbeat.Heartbeat{Node: node, Serial: serial}.MarshalCANFrame()
	if err != nil {
		t.Fatalf("heartbeat frame: %v", err)
	}
	return f
}

func TestInterface_DrainsEverythingBeforeRearm(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)

	var relayed []canbus.Frame
	injected := false
	relay := func(f canbus.Frame) {
		relayed = append(relayed, f)
		if !injected {
			injected = true
			// A frame landing mid-drain is drained in the same pass.
			_ = bus.Inject(canbus.MustFrame(0x300, []byte{9}))
		}
	}
	iface, c := newStarted(t, bus, testConfig("a", serialA, 5), clock, WithRelay(relay))

	for i := 0; i < 5; i++ {
		_ = bus.Inject(canbus.MustFrame(0x181, []byte{byte(i)}))
	}
	_ = bus.Inject(heartbeatFrame(t, 9, serialX))
	_ = bus.Inject(heartbeatFrame(t, 10, serialX))

	if c.NotifyEnabled(canbus.FIFO0) || c.NotifyEnabled(canbus.FIFO1) {
		t.Fatalf("receive notification still enabled after frames arrived")
	}
	if len(iface.wake) != 1 {
		t.Fatalf("dispatch loop not woken")
	}

	iface.step()

	if len(relayed) != 8 {
		t.Fatalf("relayed %d frames, want 8", len(relayed))
	}
	if !heartbeat.IsHeartbeat(relayed[0]) || !heartbeat.IsHeartbeat(relayed[1]) {
		t.Fatalf("heartbeat fifo not drained first: %v", relayed[:2])
	}
	if c.FillLevel(canbus.FIFO0)+c.FillLevel(canbus.FIFO1) != 0 {
		t.Fatalf("frames left after drain")
	}
	if !c.NotifyEnabled(canbus.FIFO0) || !c.NotifyEnabled(canbus.FIFO1) {
		t.Fatalf("notification not re-armed after drain")
	}
	if iface.stats.Received != 8 || iface.stats.ForeignHeartbeats != 2 {
		t.Fatalf("stats = %+v", iface.stats)
	}
}

func TestInterface_RegularSendRequiresSelfAssignedID(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	iface, c := newStarted(t, bus, testConfig("a", serialA, 5), clock)
	monitor(t, bus)

	out, err := iface.sendRegular(canbus.MustFrame(0x0A5, []byte{1}))
	if !errors.Is(err, nodeid.ErrNotSelfAssigned) || !errors.Is(err, nodeid.ErrContract) || out.OK() {
		t.Fatalf("send before claim: %v %v", out, err)
	}
	if len(c.Sent()) != 0 {
		t.Fatalf("refused frame reached the controller: %v", c.Sent())
	}

	iface.step() // first heartbeat
	if out, err := iface.sendRegular(canbus.MustFrame(0x0A5, []byte{1})); err != nil || out != canbus.Accepted {
		t.Fatalf("send after claim: %v %v", out, err)
	}

	// Without heartbeats the claim lapses after the window.
	clock.Advance(nodeid.DefaultWindow)
	if _, err := iface.sendRegular(canbus.MustFrame(0x0A5, []byte{2})); !errors.Is(err, nodeid.ErrNotSelfAssigned) {
		t.Fatalf("send after lapse: %v", err)
	}
	if iface.stats.Rejected != 2 || iface.stats.Sent != 1 {
		t.Fatalf("stats = %+v", iface.stats)
	}
}

func TestInterface_SendRejectsHeartbeatFrames(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	iface, _ := newStarted(t, bus, testConfig("a", serialA, 5), nodeid.NewManualClock(epoch))

	_, err := iface.Send(context.Background(), heartbeatFrame(t, 5, serialA))
	if !errors.Is(err, ErrReservedID) {
		t.Fatalf("err = %v, want ErrReservedID", err)
	}
	if _, err := iface.Send(context.Background(), canbus.Frame{ID: 0x900}); !errors.Is(err, canbus.ErrInvalidID) {
		t.Fatalf("invalid frame: %v", err)
	}
}

func TestInterface_EchoKeepsOwnID(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	c := bus.Open(canbus.WithHandle("a"), canbus.WithEcho())
	iface := startOn(t, c, testConfig("a", serialA, 5), clock)
	monitor(t, bus)

	for i := 0; i < 30; i++ {
		iface.step()
		now := clock.Now()
		if st := iface.arb.State(5, now); st.Kind != nodeid.SelfAssigned {
			t.Fatalf("step %d: claim on 5 = %v", i, st)
		}
		clock.Advance(100 * time.Millisecond)
	}
	if iface.sched.Candidate() != 5 {
		t.Fatalf("candidate moved to %v", iface.sched.Candidate())
	}
	if iface.stats.EchoHeartbeats == 0 || iface.stats.ForeignHeartbeats != 0 {
		t.Fatalf("stats = %+v", iface.stats)
	}
}

func TestInterface_ScenarioB_ForeignHeartbeatForcesReselection(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	sink := &recordSink{}
	iface, _ := newStarted(t, bus, testConfig("a", serialA, 5), clock, WithLogger(slog.New(sink)))
	monitor(t, bus)

	for i := 0; i < 3; i++ {
		iface.step()
		clock.Advance(100 * time.Millisecond)
	}
	if !iface.arb.IsSelfAssigned(5, clock.Now().Add(-time.Millisecond)) {
		t.Fatalf("5 not self-assigned before the conflict")
	}

	_ = bus.Inject(heartbeatFrame(t, 5, serialB))
	iface.step()
	now := clock.Now()
	if iface.arb.IsSelfAssigned(5, now) || !iface.arb.IsTaken(5, now) {
		t.Fatalf("5 still self-assigned after a peer heartbeat")
	}
	if got := iface.sched.Candidate(); got != 6 {
		t.Fatalf("candidate = %v, want 6", got)
	}
	if !sink.has(slog.LevelWarn, "canzero heartbeat conflict") || !sink.has(slog.LevelInfo, "canzero candidate") {
		t.Fatalf("conflict and reselection not logged")
	}
}

func TestInterface_ScenarioC_NoSlotMarksTaken(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	iface, c := newStarted(t, bus, testConfig("a", serialA, 5), clock)
	monitor(t, bus)

	iface.step()
	clock.Advance(100 * time.Millisecond)
	c.BlockTx(1)
	iface.step()
	now := clock.Now()
	if !iface.arb.IsTaken(5, now) || iface.arb.IsSelfAssigned(5, now) {
		t.Fatalf("no-slot heartbeat must make 5 taken")
	}
	if iface.stats.HeartbeatFailures != 1 {
		t.Fatalf("stats = %+v", iface.stats)
	}
	clock.Advance(100 * time.Millisecond)
	iface.step()
	if iface.sched.Candidate() == 5 {
		t.Fatalf("candidate not replaced after failed heartbeat")
	}
}

func TestInterface_TwoNodesConverge(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	router := NewRouter()

	var ifaces []*Interface
	for _, n := range []struct {
		name   string
		serial nodeid.Serial
	}{{"a", serialA}, {"b", serialB}} {
		c := bus.Open(canbus.WithHandle(canbus.Handle(n.name)))
		iface, err := New(c, testConfig(n.name, n.serial, 5), WithClock(clock))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := router.Register(iface); err != nil {
			t.Fatalf("register: %v", err)
		}
		ifaces = append(ifaces, iface)
	}
	router.Seal()
	for _, iface := range ifaces {
		if err := iface.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	a, b := ifaces[0], ifaces[1]

	for i := 0; i < 30; i++ {
		a.step()
		b.step()
		clock.Advance(50 * time.Millisecond)
	}
	now := clock.Now().Add(-50 * time.Millisecond)
	if a.sched.Candidate() != 5 || b.sched.Candidate() != 6 {
		t.Fatalf("candidates a=%v b=%v, want 5 and 6", a.sched.Candidate(), b.sched.Candidate())
	}
	if !a.arb.IsSelfAssigned(5, now) || !b.arb.IsSelfAssigned(6, now) {
		t.Fatalf("claims a=%v b=%v", a.arb.State(5, now), b.arb.State(6, now))
	}
	if !a.arb.IsTaken(6, now) || !b.arb.IsTaken(5, now) {
		t.Fatalf("nodes do not see each other's ids as taken")
	}
}

func TestInterface_BusErrorCleared(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	clock := nodeid.NewManualClock(epoch)
	iface, c := newStarted(t, bus, testConfig("a", serialA, 5), clock)

	c.RaiseBusError()
	if c.ErrorPending() {
		t.Fatalf("router did not clear the bus error")
	}
	if iface.irqErrs.Load() != 1 {
		t.Fatalf("bus error not counted")
	}

	// Without a router the dispatch loop clears it before draining.
	c.Attach(nil)
	c.RaiseBusError()
	iface.step()
	if c.ErrorPending() || iface.stats.BusErrors != 1 {
		t.Fatalf("pending=%v stats=%+v", c.ErrorPending(), iface.stats)
	}
	if got := iface.status(clock.Now()).Stats.BusErrors; got != 2 {
		t.Fatalf("status bus errors = %d, want 2", got)
	}
}

func TestInterface_StartFailure(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	boom := errors.New("controller init failed")
	c := bus.Open(canbus.WithStartError(boom))
	iface, err := New(c, testConfig("a", serialA, 5))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = iface.Start()
	if !errors.Is(err, ErrStartup) || !errors.Is(err, boom) {
		t.Fatalf("Start = %v, want ErrStartup wrapping the controller error", err)
	}
	if err := iface.Run(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Run after failed start = %v", err)
	}

	bad := testConfig("b", serialA, 5)
	bad.Bitrate = 100000
	if _, err := New(bus.Open(), bad); !errors.Is(err, canbus.ErrUnsupportedBitrate) {
		t.Fatalf("New with 100k = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"window 5x period", func(c *Config) { c.ArbitrationWindow = 500 * time.Millisecond }, true},
		{"window under 5x period", func(c *Config) { c.ArbitrationWindow = 499 * time.Millisecond }, false},
		{"wait timeout not below period", func(c *Config) { c.WaitTimeout = c.HeartbeatPeriod }, false},
		{"zero period", func(c *Config) { c.HeartbeatPeriod = 0 }, false},
		{"candidate out of range", func(c *Config) { c.Candidate = 128 }, false},
		{"bitrate", func(c *Config) { c.Bitrate = 0 }, false},
	}
	for _, tc := range cases {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); (err == nil) != tc.ok {
			t.Fatalf("%s: Validate() = %v", tc.name, err)
		}
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestInterface_RunSendStatusStop(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	iface, _ := newStarted(t, bus, testConfig("a", serialA, nodeid.Unset), nodeid.SystemClock{})
	peer := monitor(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	if err := iface.Go(ctx); err != nil {
		t.Fatalf("Go: %v", err)
	}

	var st Status
	waitFor(t, 2*time.Second, func() bool {
		var err error
		st, err = iface.Status(ctx)
		return err == nil && st.Claim.Kind == nodeid.SelfAssigned
	})
	if st.Candidate != 0 || st.Name != "a" || st.Serial != serialA {
		t.Fatalf("status = %+v", st)
	}

	if err := iface.SetNodeID(ctx, 200); err == nil {
		t.Fatalf("SetNodeID(200) accepted")
	}

	out, err := iface.Send(ctx, canbus.MustFrame(0x0A0, []byte{0xCA, 0xFE}))
	if err != nil || out != canbus.Accepted {
		t.Fatalf("Send = %v, %v", out, err)
	}
	found := false
	for peer.FillLevel(canbus.FIFO1) > 0 {
		f, _ := peer.ReadRx(canbus.FIFO1)
		if f.ID == 0x0A0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("peer did not receive the regular frame")
	}

	cancel()
	select {
	case <-iface.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatch loop did not stop")
	}
	if iface.Err() != nil {
		t.Fatalf("Err after cancel = %v", iface.Err())
	}
	if _, err := iface.Status(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Status after stop = %v", err)
	}
	if err := iface.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run = %v", err)
	}
	if err := iface.Go(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("Go after stop = %v", err)
	}
}

func TestInterface_RequestsBeforeRun(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	iface, _ := newStarted(t, bus, testConfig("a", serialA, 5), nodeid.SystemClock{})

	ctx := context.Background()
	if _, err := iface.Status(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Status before Run = %v", err)
	}
	if err := iface.SetNodeID(ctx, 7); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("SetNodeID before Run = %v", err)
	}
	if _, err := iface.Send(ctx, canbus.MustFrame(0x0A0, []byte{1})); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Send before Run = %v", err)
	}

	unstarted, err := New(bus.Open(), testConfig("b", serialB, 5))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := unstarted.Go(ctx); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Go before Start = %v", err)
	}
}

func TestInterface_PanicSurfacesAsError(t *testing.T) {
	bus := canbus.NewSimBus()
	defer bus.Close()
	relay := func(canbus.Frame) { panic("upper layer exploded") }
	iface, _ := newStarted(t, bus, testConfig("a", serialA, 5), nodeid.SystemClock{}, WithRelay(relay))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := iface.Go(ctx); err != nil {
		t.Fatalf("Go: %v", err)
	}
	_ = bus.Inject(canbus.MustFrame(0x123, []byte{1}))

	select {
	case <-iface.Done():
	case <-time.After(time.Second):
		t.Fatalf("dispatch loop did not stop after panic")
	}
	if !errors.Is(iface.Err(), ErrPanic) {
		t.Fatalf("Err = %v, want ErrPanic", iface.Err())
	}
}
