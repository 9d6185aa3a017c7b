package canbus

import (
	"errors"
	"fmt"
)

// Bitrate is a nominal CAN bit rate in bits per second. CAN controllers only
// hit a few rates exactly, so only the common ones are supported.
type Bitrate uint32

const (
	Bitrate125K Bitrate = 125000
	Bitrate250K Bitrate = 250000
	Bitrate500K Bitrate = 500000
	Bitrate1M   Bitrate = 1000000
)

// Supported reports whether b is one of the rates a controller accepts.
func (b Bitrate) Supported() bool {
	switch b {
	case Bitrate125K, Bitrate250K, Bitrate500K, Bitrate1M:
		return true
	}
	return false
}

func (b Bitrate) String() string {
	if b >= 1000000 && b%1000000 == 0 {
		return fmt.Sprintf("%dM", b/1000000)
	}
	return fmt.Sprintf("%dk", b/1000)
}

// FIFO identifies one of the two hardware receive queues.
type FIFO uint8

const (
	FIFO0 FIFO = iota // heartbeat traffic (filter bank 0)
	FIFO1             // everything else
)

// NumFIFOs is the number of receive queues a controller exposes.
const NumFIFOs = 2

// FilterMode selects the acceptance filter installed at startup.
type FilterMode uint8

const (
	// FilterAcceptAll routes heartbeat-range frames to FIFO0 and every other
	// frame to FIFO1.
	FilterAcceptAll FilterMode = iota
	// FilterHeartbeatOnly accepts heartbeat-range frames only.
	FilterHeartbeatOnly
)

func (m FilterMode) String() string {
	switch m {
	case FilterAcceptAll:
		return "all"
	case FilterHeartbeatOnly:
		return "heartbeat"
	}
	return fmt.Sprintf("FilterMode(%d)", uint8(m))
}

// ParseFilterMode parses "all" or "heartbeat".
func ParseFilterMode(s string) (FilterMode, error) {
	switch s {
	case "", "all":
		return FilterAcceptAll, nil
	case "heartbeat":
		return FilterHeartbeatOnly, nil
	}
	return 0, fmt.Errorf("canbus: unknown filter mode %q", s)
}

// Route returns the FIFO an incoming frame lands in under this filter, or
// false when the filter rejects it.
func (m FilterMode) Route(f Frame) (FIFO, bool) {
	if HeartbeatRange()(f) {
		return FIFO0, true
	}
	if m == FilterHeartbeatOnly {
		return 0, false
	}
	return FIFO1, true
}

// Handle names a physical controller. Controller events carry it so a router
// can find the interface that owns the controller.
type Handle string

// Events receives controller notifications. Implementations are called from
// the controller's own goroutine (the "interrupt context") and must return
// quickly without doing bus I/O.
type Events interface {
	// RxPending is raised when a frame lands in fifo while its notification
	// is enabled.
	RxPending(h Handle, fifo FIFO)
	// BusError is raised on error frames or bus-off.
	BusError(h Handle)
}

// Controller is the hardware capability behind one bus endpoint: transmit
// mailboxes, two receive FIFOs with per-FIFO notification, an acceptance
// filter and error state.
type Controller interface {
	Handle() Handle

	// SetBitrate must be called before Start.
	SetBitrate(Bitrate) error
	ConfigureFilter(FilterMode) error
	Start() error
	Attach(Events)

	// FreeTxMailboxes reports how many frames AddTx would accept right now.
	FreeTxMailboxes() int
	// AddTx places a frame in a free mailbox. It returns ErrNoSlot when no
	// mailbox is free and never blocks.
	AddTx(Frame) error

	FillLevel(FIFO) int
	ReadRx(FIFO) (Frame, error)

	EnableNotify(FIFO)
	DisableNotify(FIFO)

	ErrorPending() bool
	ResetError()

	Close() error
}

var (
	// ErrClosed indicates the bus or controller has been closed.
	ErrClosed = errors.New("canbus: closed")
	// ErrNoSlot is returned by AddTx when every transmit mailbox is busy.
	ErrNoSlot = errors.New("canbus: no free transmit mailbox")
	// ErrEmpty is returned when reading from an empty FIFO.
	ErrEmpty = errors.New("canbus: receive fifo empty")
	// ErrNotStarted is returned for I/O on a controller that was not started.
	ErrNotStarted = errors.New("canbus: controller not started")
	// ErrStarted is returned when reconfiguring a running controller.
	ErrStarted = errors.New("canbus: controller already started")
	// ErrUnsupportedBitrate is returned for rates other than 125k/250k/500k/1M.
	ErrUnsupportedBitrate = errors.New("canbus: unsupported bitrate")
	// ErrInvalidFIFO is returned for a FIFO index out of range.
	ErrInvalidFIFO = errors.New("canbus: invalid fifo")
)
