package nodeid

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Serial distinguishes a node instance from every other node on the bus. It
// is the whole payload of the node's heartbeats.
type Serial [8]byte

// ErrInvalidSerial is returned when a serial cannot be parsed.
var ErrInvalidSerial = errors.New("nodeid: invalid serial")

// serialSpace namespaces the name-based UUIDs serials are derived from.
var serialSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/notnil/canzero/serial"))

// machineIDFiles are tried in order by MachineSerial.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

func (s Serial) String() string { return strings.ToUpper(hex.EncodeToString(s[:])) }

// IsZero reports whether s is all zero bytes.
func (s Serial) IsZero() bool { return s == Serial{} }

// ParseSerial parses 16 hex digits, optionally separated by ':' or '-'.
func ParseSerial(text string) (Serial, error) {
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(text)
	var s Serial
	if len(clean) != 2*len(s) {
		return Serial{}, fmt.Errorf("%w: %q: need %d hex digits", ErrInvalidSerial, text, 2*len(s))
	}
	if _, err := hex.Decode(s[:], []byte(clean)); err != nil {
		return Serial{}, fmt.Errorf("%w: %q: %v", ErrInvalidSerial, text, err)
	}
	return s, nil
}

// SerialFromUUID takes the first 8 bytes of u.
func SerialFromUUID(u uuid.UUID) Serial {
	var s Serial
	copy(s[:], u[:len(s)])
	return s
}

// RandomSerial draws a serial from a random (version 4) UUID.
func RandomSerial() (Serial, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return Serial{}, err
	}
	return SerialFromUUID(u), nil
}

// MachineSerialFrom derives a stable serial from a machine identity and a
// scope such as the endpoint name, so several endpoints on one host differ.
func MachineSerialFrom(machineID, scope string) Serial {
	name := strings.TrimSpace(machineID) + "/" + scope
	return SerialFromUUID(uuid.NewSHA1(serialSpace, []byte(name)))
}

// MachineSerial derives a stable serial from the host's machine-id, falling
// back to the hostname.
func MachineSerial(scope string) (Serial, error) {
	id, err := machineID()
	if err != nil {
		return Serial{}, err
	}
	return MachineSerialFrom(id, scope), nil
}

func machineID() (string, error) {
	for _, p := range machineIDFiles {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if b = bytes.TrimSpace(b); len(b) > 0 {
			return string(b), nil
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("nodeid: no machine identity: %w", err)
	}
	return host, nil
}
