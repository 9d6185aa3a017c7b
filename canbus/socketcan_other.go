//go:build !linux

package canbus

import "errors"

// ErrSocketCANUnsupported is returned by DialSocketCAN off Linux.
var ErrSocketCANUnsupported = errors.New("canbus: socketcan requires linux")

// SocketCAN is only available on Linux.
type SocketCAN struct{ SimController }

// SocketCANOption configures DialSocketCAN.
type SocketCANOption func(*SocketCAN)

func SocketCANEcho() SocketCANOption { return func(*SocketCAN) {} }

func SocketCANFIFODepth(int) SocketCANOption { return func(*SocketCAN) {} }

func SocketCANManageLink() SocketCANOption { return func(*SocketCAN) {} }

// DialSocketCAN always fails off Linux.
func DialSocketCAN(string, ...SocketCANOption) (*SocketCAN, error) {
	return nil, ErrSocketCANUnsupported
}
