//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SocketCAN is a Controller over a Linux raw CAN socket.
//
// The kernel has no visible mailboxes: a write that would block (EAGAIN or
// ENOBUFS on a full tx queue) counts as "no free slot". A reader goroutine
// plays the role of the receive interrupt, routing frames into the two
// FIFOs through the configured filter.
type SocketCAN struct {
	iface      string
	handle     Handle
	echo       bool
	manageLink bool

	fd     int
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	rx rxState

	mu      sync.Mutex
	started bool
	bitrate Bitrate
}

var _ Controller = (*SocketCAN)(nil)

// SocketCANOption configures DialSocketCAN.
type SocketCANOption func(*SocketCAN)

// SocketCANEcho asks the kernel to deliver this socket's own frames back to it.
func SocketCANEcho() SocketCANOption {
	return func(s *SocketCAN) { s.echo = true }
}

// SocketCANFIFODepth sets the capacity of each receive FIFO.
func SocketCANFIFODepth(n int) SocketCANOption {
	return func(s *SocketCAN) {
		if n > 0 {
			s.rx.depth = n
		}
	}
}

// SocketCANManageLink makes SetBitrate reconfigure the network interface
// with `ip link`. Requires CAP_NET_ADMIN.
func SocketCANManageLink() SocketCANOption {
	return func(s *SocketCAN) { s.manageLink = true }
}

// DialSocketCAN opens a raw CAN socket bound to the given interface name (e.g., "can0").
func DialSocketCAN(iface string, opts ...SocketCANOption) (*SocketCAN, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("canbus: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: bind %s: %w", iface, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	s := &SocketCAN{
		iface:  iface,
		handle: Handle(iface),
		fd:     fd,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.rx.depth = 64
	for _, opt := range opts {
		opt(s)
	}
	s.rx.handle = s.handle

	// Error frames surface bus errors and bus-off to the reader goroutine.
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("canbus: error filter: %w", err)
	}
	if s.echo {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_RECV_OWN_MSGS, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("canbus: recv own msgs: %w", err)
		}
	}
	return s, nil
}

func (s *SocketCAN) Handle() Handle { return s.handle }

// ManagesLink reports whether SetBitrate reconfigures the interface.
func (s *SocketCAN) ManagesLink() bool { return s.manageLink }

// Echo reports whether the socket receives its own frames.
func (s *SocketCAN) Echo() bool { return s.echo }

// SetBitrate records the rate and, with SocketCANManageLink, applies it to
// the interface (down, set bitrate, up).
func (s *SocketCAN) SetBitrate(b Bitrate) error {
	if !b.Supported() {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitrate, uint32(b))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrStarted
	}
	if s.manageLink {
		if err := SetInterfaceDown(s.iface); err != nil {
			return RequireRootOrCapNetAdmin(err)
		}
		rate := uint32(b)
		if err := ConfigureLinuxCANInterface(s.iface, LinuxCANInterfaceOptions{Bitrate: &rate}); err != nil {
			return err
		}
		if err := SetInterfaceUp(s.iface); err != nil {
			return RequireRootOrCapNetAdmin(err)
		}
	}
	s.bitrate = b
	return nil
}

// ConfigureFilter installs the matching CAN_RAW_FILTER in the kernel so
// rejected frames never reach user space.
func (s *SocketCAN) ConfigureFilter(m FilterMode) error {
	filters, err := rawFilters(m)
	if err != nil {
		return err
	}
	if err := unix.SetsockoptCanRawFilter(s.fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters); err != nil {
		return fmt.Errorf("canbus: raw filter: %w", err)
	}
	s.rx.setFilter(m)
	return nil
}

// rawFilters maps a filter mode to kernel filters. The kernel cannot check
// the length of a heartbeat; rxState does that.
func rawFilters(m FilterMode) ([]unix.CanFilter, error) {
	switch m {
	case FilterAcceptAll:
		return []unix.CanFilter{{Id: 0, Mask: 0}}, nil
	case FilterHeartbeatOnly:
		return []unix.CanFilter{{
			Id:   HeartbeatBase,
			Mask: HeartbeatMask | unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG,
		}}, nil
	}
	return nil, fmt.Errorf("canbus: unknown filter mode %d", m)
}

// Start launches the reader goroutine.
func (s *SocketCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if s.started {
		return ErrStarted
	}
	s.started = true
	go s.readLoop()
	return nil
}

func (s *SocketCAN) Attach(ev Events) { s.rx.attach(ev) }

// FreeTxMailboxes reports 1 when the socket is writable without blocking.
func (s *SocketCAN) FreeTxMailboxes() int {
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, 0)
	if err != nil || n == 0 || pfd[0].Revents&unix.POLLOUT == 0 {
		return 0
	}
	return 1
}

// AddTx writes one frame without blocking.
func (s *SocketCAN) AddTx(f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	n, err := unix.Write(s.fd, buf)
	if err != nil {
		return txError(err)
	}
	if n != len(buf) {
		return errors.New("canbus: short write")
	}
	return nil
}

// txError maps a failed write to ErrNoSlot when the tx queue is full.
func txError(err error) error {
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOBUFS) {
		return ErrNoSlot
	}
	return err
}

func (s *SocketCAN) FillLevel(q FIFO) int { return s.rx.fill(q) }

func (s *SocketCAN) ReadRx(q FIFO) (Frame, error) { return s.rx.read(q) }

func (s *SocketCAN) EnableNotify(q FIFO) { s.rx.enable(q) }

func (s *SocketCAN) DisableNotify(q FIFO) { s.rx.disable(q) }

func (s *SocketCAN) ErrorPending() bool { return s.rx.errorPending() }

// ResetError acknowledges the error. Bus-off recovery itself is left to the
// kernel's restart-ms setting.
func (s *SocketCAN) ResetError() { s.rx.resetError() }

// Close stops the reader and closes the socket.
func (s *SocketCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if started {
			<-s.done
		}
		err = unix.Close(s.fd)
	})
	return err
}

// pollRetry is how long the reader waits after poll itself failed.
const pollRetry = 250 * time.Millisecond

func (s *SocketCAN) readLoop() {
	defer close(s.done)
	buf := make([]byte, FrameSize)
	pfd := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	poll := func() (int, error) { return unix.Poll(pfd, 100) }
	pollLoop(s.closed, poll, func() { s.drainSocket(buf) }, s.rx.raiseError, pollRetry)
}

// pollLoop calls ready whenever poll reports the socket readable, until
// closed is closed. A failing poll calls failed once per run of failures,
// which surfaces as a bus error, and is retried after retry.
func pollLoop(closed <-chan struct{}, poll func() (int, error), ready, failed func(), retry time.Duration) {
	failing := false
	for {
		select {
		case <-closed:
			return
		default:
		}
		n, err := poll()
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			if !failing {
				failing = true
				failed()
			}
			select {
			case <-closed:
				return
			case <-time.After(retry):
			}
			continue
		}
		failing = false
		if n > 0 {
			ready()
		}
	}
}

func (s *SocketCAN) drainSocket(buf []byte) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err != nil {
			return
		}
		if n != FrameSize {
			continue
		}
		if isErrorFrame(buf) {
			s.rx.raiseError()
			continue
		}
		var f Frame
		if f.UnmarshalBinary(buf) != nil {
			continue
		}
		s.rx.push(f)
	}
}
