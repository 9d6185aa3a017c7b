package canbus

import (
	"fmt"
	"sync"
)

// SimBus is an in-memory shared CAN medium for tests and simulations.
// Controllers opened from the same bus see each other's frames.
//
// A transmitted frame occupies a mailbox until at least one other started
// controller with the same bitrate is on the bus to acknowledge it, so a
// lone node fills its mailboxes the way real hardware does.
type SimBus struct {
	mu     sync.RWMutex
	closed bool
	nodes  map[*SimController]struct{}
	seq    int
}

// NewSimBus creates a new simulated bus.
func NewSimBus() *SimBus {
	return &SimBus{nodes: make(map[*SimController]struct{})}
}

// SimOption configures a SimController.
type SimOption func(*SimController)

// WithEcho makes the controller receive its own transmissions, like a
// controller in loopback mode or a socket with CAN_RAW_RECV_OWN_MSGS.
func WithEcho() SimOption {
	return func(c *SimController) { c.echo = true }
}

// WithHandle overrides the generated handle.
func WithHandle(h Handle) SimOption {
	return func(c *SimController) { c.handle = h }
}

// WithFIFODepth sets the capacity of each receive FIFO.
func WithFIFODepth(n int) SimOption {
	return func(c *SimController) {
		if n > 0 {
			c.rx.depth = n
		}
	}
}

// WithMailboxes sets the number of transmit mailboxes.
func WithMailboxes(n int) SimOption {
	return func(c *SimController) {
		if n > 0 {
			c.mailboxes = n
		}
	}
}

// WithStartError makes Start fail with err.
func WithStartError(err error) SimOption {
	return func(c *SimController) { c.startErr = err }
}

// Open attaches a new controller to the bus. It is not started.
func (b *SimBus) Open(opts ...SimOption) *SimController {
	b.mu.Lock()
	b.seq++
	c := &SimController{
		bus:       b,
		handle:    Handle(fmt.Sprintf("sim%d", b.seq)),
		mailboxes: 3,
		bitrate:   Bitrate500K,
	}
	c.rx.depth = 64
	for _, opt := range opts {
		opt(c)
	}
	c.rx.handle = c.handle
	if b.closed {
		c.closed = true
	} else {
		b.nodes[c] = struct{}{}
	}
	b.mu.Unlock()
	return c
}

// Inject delivers a frame to every started controller as if it had been
// sent by a node outside the simulation.
func (b *SimBus) Inject(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	targets, err := b.snapshot()
	if err != nil {
		return err
	}
	for _, t := range targets {
		t.deliver(f)
	}
	return nil
}

// Close closes the bus and every controller on it.
func (b *SimBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	nodes := b.nodes
	b.nodes = nil
	b.mu.Unlock()
	for c := range nodes {
		c.markClosed()
	}
	return nil
}

func (b *SimBus) snapshot() ([]*SimController, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := make([]*SimController, 0, len(b.nodes))
	for c := range b.nodes {
		out = append(out, c)
	}
	return out, nil
}

// flush delivers src's pending mailbox frames if another node is there to
// acknowledge them.
func (b *SimBus) flush(src *SimController) {
	nodes, err := b.snapshot()
	if err != nil {
		return
	}
	rate := src.Bitrate()
	var peers []*SimController
	for _, n := range nodes {
		if n != src && n.listening(rate) {
			peers = append(peers, n)
		}
	}
	if len(peers) == 0 {
		return
	}
	src.mu.Lock()
	frames := src.pending
	src.pending = nil
	echo := src.echo
	src.mu.Unlock()
	for _, f := range frames {
		for _, p := range peers {
			p.deliver(f)
		}
		if echo {
			src.deliver(f)
		}
	}
}

func (b *SimBus) remove(c *SimController) {
	b.mu.Lock()
	if b.nodes != nil {
		delete(b.nodes, c)
	}
	b.mu.Unlock()
}

// SimController is a Controller on a SimBus.
type SimController struct {
	bus       *SimBus
	handle    Handle
	echo      bool
	mailboxes int
	startErr  error

	rx rxState

	mu      sync.Mutex
	started bool
	closed  bool
	bitrate Bitrate
	pending []Frame
	blockTx int
	sent    []Frame
}

var _ Controller = (*SimController)(nil)

func (c *SimController) Handle() Handle { return c.handle }

func (c *SimController) SetBitrate(b Bitrate) error {
	if !b.Supported() {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitrate, uint32(b))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrStarted
	}
	c.bitrate = b
	return nil
}

// Bitrate returns the configured rate.
func (c *SimController) Bitrate() Bitrate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bitrate
}

func (c *SimController) ConfigureFilter(m FilterMode) error {
	if m != FilterAcceptAll && m != FilterHeartbeatOnly {
		return fmt.Errorf("canbus: unknown filter mode %d", m)
	}
	c.rx.setFilter(m)
	return nil
}

func (c *SimController) Start() error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.startErr != nil:
		c.mu.Unlock()
		return c.startErr
	case c.started:
		c.mu.Unlock()
		return ErrStarted
	}
	c.started = true
	c.mu.Unlock()

	// A new listener can acknowledge frames other nodes left in mailboxes.
	nodes, err := c.bus.snapshot()
	if err != nil {
		return nil
	}
	for _, n := range nodes {
		if n != c && n.PendingTx() > 0 {
			c.bus.flush(n)
		}
	}
	return nil
}

func (c *SimController) Attach(ev Events) { c.rx.attach(ev) }

func (c *SimController) FreeTxMailboxes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blockTx > 0 {
		c.blockTx--
		return 0
	}
	return c.mailboxes - len(c.pending)
}

func (c *SimController) AddTx(f Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case !c.started:
		c.mu.Unlock()
		return ErrNotStarted
	case len(c.pending) >= c.mailboxes:
		c.mu.Unlock()
		return ErrNoSlot
	}
	c.pending = append(c.pending, f)
	c.sent = append(c.sent, f)
	c.mu.Unlock()
	c.bus.flush(c)
	return nil
}

func (c *SimController) FillLevel(q FIFO) int         { return c.rx.fill(q) }
func (c *SimController) ReadRx(q FIFO) (Frame, error) { return c.rx.read(q) }
func (c *SimController) EnableNotify(q FIFO)          { c.rx.enable(q) }
func (c *SimController) DisableNotify(q FIFO)         { c.rx.disable(q) }
func (c *SimController) ErrorPending() bool           { return c.rx.errorPending() }
func (c *SimController) ResetError()                  { c.rx.resetError() }

// NotifyEnabled reports whether notification on q is enabled.
func (c *SimController) NotifyEnabled(q FIFO) bool { return c.rx.enabled(q) }

// RaiseBusError puts the controller in an error state and notifies the
// attached Events, like an error interrupt.
func (c *SimController) RaiseBusError() { c.rx.raiseError() }

// Overruns counts frames dropped because a FIFO was full.
func (c *SimController) Overruns() uint64 { return c.rx.overrunCount() }

// BlockTx makes the next n mailbox queries report no free slot.
func (c *SimController) BlockTx(n int) {
	c.mu.Lock()
	c.blockTx = n
	c.mu.Unlock()
}

// PendingTx returns the number of unacknowledged frames held in mailboxes.
func (c *SimController) PendingTx() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Sent returns a copy of every frame accepted into a mailbox.
func (c *SimController) Sent() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *SimController) Close() error {
	c.bus.remove(c)
	c.markClosed()
	return nil
}

func (c *SimController) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.started = false
	c.mu.Unlock()
}

func (c *SimController) listening(rate Bitrate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && !c.closed && c.bitrate == rate
}

func (c *SimController) deliver(f Frame) {
	c.mu.Lock()
	live := c.started && !c.closed
	c.mu.Unlock()
	if live {
		c.rx.push(f)
	}
}
