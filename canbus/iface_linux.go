//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"
)

// Linux network interface helpers.
//
// Bringing interfaces up/down and changing the bitrate require
// CAP_NET_ADMIN; without it they return EPERM.

func interfaceFlags(name string) (uint16, error) {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("canbus: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return 0, err
	}
	return ifr.Uint16(), nil
}

func setInterfaceFlags(name string, flags uint16) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("canbus: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	ifr.SetUint16(flags)
	return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
}

// IsInterfaceUp returns true if the Linux network interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := interfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// SetInterfaceUp sets IFF_UP on the given interface.
func SetInterfaceUp(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	return setInterfaceFlags(name, flags|unix.IFF_UP)
}

// SetInterfaceDown clears IFF_UP on the given interface.
func SetInterfaceDown(name string) error {
	flags, err := interfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP == 0 {
		return nil
	}
	return setInterfaceFlags(name, flags&^unix.IFF_UP)
}

// RequireRootOrCapNetAdmin maps EPERM to an error advising to grant
// CAP_NET_ADMIN to the binary.
func RequireRootOrCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// LinuxCANInterfaceOptions controls CAN interface parameters applied through
// the system `ip` tool. Nil fields are left unchanged.
//
// Changing bitrate or restart-ms requires the interface to be down.
type LinuxCANInterfaceOptions struct {
	// Bitrate sets the arbitration bit-rate in bits per second.
	Bitrate *uint32

	// RestartMs sets the automatic bus-off recovery delay in milliseconds.
	// Set to 0 to disable auto-restart.
	RestartMs *uint32

	// TxQueueLen sets the transmit queue length (number of packets).
	TxQueueLen *int
}

// ConfigureLinuxCANInterface applies the provided options to a Linux CAN
// network interface by invoking `ip` (iproute2).
func ConfigureLinuxCANInterface(name string, opts LinuxCANInterfaceOptions) error {
	if len(name) == 0 || len(name) >= unix.IFNAMSIZ {
		return fmt.Errorf("canbus: invalid interface name %q", name)
	}
	if opts.TxQueueLen != nil {
		cmd := exec.Command("ip", "link", "set", "dev", name, "txqueuelen", fmt.Sprintf("%d", *opts.TxQueueLen))
		if out, err := cmd.CombinedOutput(); err != nil {
			return RequireRootOrCapNetAdmin(fmt.Errorf("ip link set txqueuelen failed: %w; output: %s", err, string(out)))
		}
	}
	if opts.Bitrate != nil || opts.RestartMs != nil {
		args := []string{"link", "set", "dev", name, "type", "can"}
		if opts.Bitrate != nil {
			args = append(args, "bitrate", fmt.Sprintf("%d", *opts.Bitrate))
		}
		if opts.RestartMs != nil {
			args = append(args, "restart-ms", fmt.Sprintf("%d", *opts.RestartMs))
		}
		cmd := exec.Command("ip", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return RequireRootOrCapNetAdmin(fmt.Errorf("ip link set type can failed: %w; output: %s", err, string(out)))
		}
	}
	return nil
}
