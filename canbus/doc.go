// Package canbus provides the CAN bus layer for zero-config node-ID
// negotiation.
//
// It includes:
//   - A core Frame type with validation and binary marshaling helpers
//   - The Controller capability: transmit mailboxes, two receive FIFOs with
//     per-FIFO notification, an acceptance filter and bus error state
//   - Port, which multiplexes a Controller behind send/available/receive
//   - An in-memory simulated bus for tests and simulations
//   - A Linux SocketCAN controller (linux-only) via golang.org/x/sys/unix
//   - A logging decorator, composable frame filters and a fan-out Relay
package canbus
