// Package canzero runs zero-configuration node-ID negotiation on CAN buses.
//
// Every node on a shared bus picks a node id without a coordinator. A node
// proves an id by sending heartbeats (standard id 0x700 + node id, 8-byte
// serial payload) and gives it up as soon as it sees another serial using
// it, or fails to send its own heartbeat, within the arbitration window.
// Regular traffic is only allowed under a self-assigned id.
//
// An Interface drives one controller from a single dispatch goroutine:
//
//	bus := canbus.NewSimBus()
//	cfg := canzero.DefaultConfig()
//	cfg.Serial, _ = nodeid.RandomSerial()
//	iface, _ := canzero.New(bus.Open(), cfg)
//	if err := iface.Start(); err != nil {
//		return err
//	}
//	go iface.Run(ctx)
//
// Several interfaces share one Router, which maps controller handles to the
// interface that owns them and turns receive notifications into wakeups of
// the right dispatch loop.
package canzero
