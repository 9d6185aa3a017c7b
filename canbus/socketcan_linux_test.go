//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// kernelMatch applies the CAN_RAW_FILTER rule to f.
func kernelMatch(f Frame, flt unix.CanFilter) bool {
	id := f.ID
	if f.Extended {
		id |= unix.CAN_EFF_FLAG
	}
	if f.RTR {
		id |= unix.CAN_RTR_FLAG
	}
	return id&flt.Mask == flt.Id&flt.Mask
}

func TestRawFilters(t *testing.T) {
	cases := []struct {
		name string
		mode FilterMode
		f    Frame
		want bool
	}{
		{"all passes regular", FilterAcceptAll, MustFrame(0x123, []byte{1}), true},
		{"all passes extended rtr", FilterAcceptAll, Frame{ID: 0x1ABCDEF, Extended: true, RTR: true}, true},
		{"heartbeat low", FilterHeartbeatOnly, MustFrame(0x700, make([]byte, 8)), true},
		{"heartbeat high", FilterHeartbeatOnly, MustFrame(0x77F, make([]byte, 8)), true},
		{"above range", FilterHeartbeatOnly, MustFrame(0x780, make([]byte, 8)), false},
		{"below range", FilterHeartbeatOnly, MustFrame(0x6FF, make([]byte, 8)), false},
		{"extended id", FilterHeartbeatOnly, Frame{ID: 0x705, Extended: true, Len: 8}, false},
		{"remote frame", FilterHeartbeatOnly, Frame{ID: 0x705, RTR: true, Len: 8}, false},
	}
	for _, tc := range cases {
		filters, err := rawFilters(tc.mode)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		got := false
		for _, flt := range filters {
			got = got || kernelMatch(tc.f, flt)
		}
		if got != tc.want {
			t.Fatalf("%s: match = %v, want %v", tc.name, got, tc.want)
		}
	}
	if _, err := rawFilters(FilterMode(99)); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestTxError(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{unix.EAGAIN, ErrNoSlot},
		{unix.ENOBUFS, ErrNoSlot},
		{fmt.Errorf("write: %w", unix.EAGAIN), ErrNoSlot},
		{unix.ENETDOWN, unix.ENETDOWN},
	}
	for _, tc := range cases {
		if got := txError(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("txError(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestPollLoop_RetriesAfterFailure(t *testing.T) {
	closed := make(chan struct{})
	results := []error{unix.EINTR, unix.EIO, unix.EIO, nil, unix.EIO, nil}
	calls, ready, failed := 0, 0, 0
	poll := func() (int, error) {
		if calls == len(results) {
			close(closed)
			return 0, nil
		}
		err := results[calls]
		calls++
		if err != nil {
			return -1, err
		}
		return 1, nil
	}
	pollLoop(closed, poll, func() { ready++ }, func() { failed++ }, time.Millisecond)
	if ready != 2 {
		t.Fatalf("ready = %d, want 2", ready)
	}
	if failed != 2 {
		t.Fatalf("failed = %d, want one per run of failures (2)", failed)
	}
}

func TestPollLoop_StopsWhileWaitingToRetry(t *testing.T) {
	closed := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		pollLoop(closed, func() (int, error) { return -1, unix.EIO }, func() {}, func() {}, time.Hour)
	}()
	close(closed)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pollLoop did not stop")
	}
}

func TestSocketCANOptions(t *testing.T) {
	s := &SocketCAN{}
	for _, opt := range []SocketCANOption{SocketCANEcho(), SocketCANManageLink(), SocketCANFIFODepth(8)} {
		opt(s)
	}
	if !s.Echo() || !s.ManagesLink() || s.rx.depth != 8 {
		t.Fatalf("options not applied: echo=%v link=%v depth=%d", s.Echo(), s.ManagesLink(), s.rx.depth)
	}
}
