package canbus

import (
	"errors"
	"fmt"
)

// Outcome is the result of a non-blocking transmit attempt.
type Outcome uint8

const (
	// Accepted means a mailbox took the frame for transmission.
	Accepted Outcome = iota
	// NoSlot means every mailbox was busy and the frame was not queued.
	NoSlot
	// Failed means the controller refused the frame for another reason.
	Failed
)

// OK reports whether the frame was accepted.
func (o Outcome) OK() bool { return o == Accepted }

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case NoSlot:
		return "no-slot"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

// Port multiplexes the hardware queues of one Controller behind a simple
// send / available / receive surface. A Port is owned by a single goroutine
// and is not safe for concurrent use.
type Port struct {
	ctrl Controller
}

// NewPort wraps a controller.
func NewPort(c Controller) *Port {
	return &Port{ctrl: c}
}

// Controller returns the wrapped controller.
func (p *Port) Controller() Controller { return p.ctrl }

// Handle returns the wrapped controller's handle.
func (p *Port) Handle() Handle { return p.ctrl.Handle() }

// SetBitrate applies one of the supported rates.
func (p *Port) SetBitrate(b Bitrate) error {
	if !b.Supported() {
		return fmt.Errorf("%w: %d", ErrUnsupportedBitrate, uint32(b))
	}
	return p.ctrl.SetBitrate(b)
}

// ConfigureFilter installs the acceptance filter.
func (p *Port) ConfigureFilter(m FilterMode) error {
	return p.ctrl.ConfigureFilter(m)
}

// Start starts the controller.
func (p *Port) Start() error {
	return p.ctrl.Start()
}

// Send offers a frame to the transmit mailboxes. It never blocks or queues:
// when no mailbox is free it reports NoSlot immediately.
func (p *Port) Send(f Frame) Outcome {
	if f.Validate() != nil {
		return Failed
	}
	if p.ctrl.FreeTxMailboxes() <= 0 {
		return NoSlot
	}
	if err := p.ctrl.AddTx(f); err != nil {
		if errors.Is(err, ErrNoSlot) {
			return NoSlot
		}
		return Failed
	}
	return Accepted
}

// Available returns the number of frames waiting across both FIFOs.
func (p *Port) Available() int {
	return p.ctrl.FillLevel(FIFO0) + p.ctrl.FillLevel(FIFO1)
}

// Receive returns one frame, always preferring FIFO0 over FIFO1 when both
// hold frames. It returns ErrEmpty when neither FIFO holds a frame.
func (p *Port) Receive() (Frame, error) {
	for _, q := range [...]FIFO{FIFO0, FIFO1} {
		if p.ctrl.FillLevel(q) > 0 {
			return p.ctrl.ReadRx(q)
		}
	}
	return Frame{}, ErrEmpty
}

// Arm re-enables receive notification on both FIFOs.
func (p *Port) Arm() {
	p.ctrl.EnableNotify(FIFO0)
	p.ctrl.EnableNotify(FIFO1)
}

// Disarm disables receive notification on q.
func (p *Port) Disarm(q FIFO) {
	p.ctrl.DisableNotify(q)
}

// ClearErrors acknowledges a pending bus error, reporting whether there was one.
func (p *Port) ClearErrors() bool {
	if !p.ctrl.ErrorPending() {
		return false
	}
	p.ctrl.ResetError()
	return true
}
