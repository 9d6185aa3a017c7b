package nodeid

import (
	"errors"
	"fmt"
)

var (
	// ErrContract marks a protocol violation by the caller. Nothing was sent.
	ErrContract = errors.New("nodeid: contract violation")
	// ErrIDTaken is returned when sending a heartbeat for a taken identifier.
	ErrIDTaken = fmt.Errorf("%w: heartbeat for taken id", ErrContract)
	// ErrNotSelfAssigned is returned when sending a regular frame without a
	// self-assigned identifier.
	ErrNotSelfAssigned = fmt.Errorf("%w: id not self-assigned", ErrContract)
	// ErrNoCandidate is returned when no free identifier remains.
	ErrNoCandidate = errors.New("nodeid: no free candidate id")
)
