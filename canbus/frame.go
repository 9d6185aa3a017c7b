package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Frame represents a classical CAN (2.0A/2.0B) frame.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Data length 0-8 bytes (classical CAN)
//
// Not implemented: CAN FD specific fields.
type Frame struct {
	ID       uint32 // 11-bit (std) or 29-bit (ext)
	Extended bool   // true for 29-bit identifier
	RTR      bool   // remote transmission request
	Len      uint8  // 0..8
	Data     [8]byte
}

// Validation limits.
const (
	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
	MaxLen   = 8
)

// SocketCAN can_id flag bits.
const (
	effFlag = 0x80000000
	rtrFlag = 0x40000000
	errFlag = 0x20000000
)

// FrameSize is the length of the Linux "struct can_frame" encoding.
const FrameSize = 16

var (
	ErrInvalidID  = errors.New("canbus: invalid identifier")
	ErrInvalidLen = errors.New("canbus: invalid data length")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > MaxExtID {
			return ErrInvalidID
		}
	} else if f.ID > MaxStdID {
		return ErrInvalidID
	}
	return nil
}

// Payload returns the valid data bytes of the frame.
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxLen {
		n = MaxLen
	}
	return f.Data[:n]
}

// NewFrame constructs a data frame, choosing the extended format when the
// identifier does not fit in 11 bits.
func NewFrame(id uint32, data []byte) (Frame, error) {
	if len(data) > MaxLen {
		return Frame{}, ErrInvalidLen
	}
	f := Frame{ID: id, Extended: id > MaxStdID, Len: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// MustFrame is like NewFrame but panics if the frame is invalid.
func MustFrame(id uint32, data []byte) Frame {
	f, err := NewFrame(id, data)
	if err != nil {
		panic(err)
	}
	return f
}

// String renders the frame in a compact candump-like form, e.g.
// "123 [2] DE AD" or "1ABCDEFF [0] RTR".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.Len)
	if f.RTR {
		b.WriteString(" RTR")
		return b.String()
	}
	for _, v := range f.Payload() {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame"
// layout (16 bytes).
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR/ERR)
//	4     can_dlc (data length code)
//	5..7  padding (set to zero)
//	8..15 data bytes
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= effFlag
	}
	if f.RTR {
		id |= rtrFlag
	}
	buf := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux SocketCAN can_frame layout.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < FrameSize {
		return fmt.Errorf("canbus: need %d bytes, got %d", FrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&effFlag != 0
	f.RTR = id&rtrFlag != 0
	if f.Extended {
		f.ID = id & MaxExtID
	} else {
		f.ID = id & MaxStdID
	}
	f.Len = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}

// isErrorFrame reports whether a raw can_frame carries the error flag.
func isErrorFrame(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4])&errFlag != 0
}
