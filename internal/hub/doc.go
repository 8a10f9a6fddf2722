// Package hub is the real-time distribution core: it owns live connections
// (Registry), their interests (Index), the per-widget refresh cache with fetch
// coalescing (Cache), fan-out of fresh results (Broadcaster), liveness pruning
// (HeartbeatMonitor) and periodic refreshes (Refresher). Hub composes them and
// dispatches inbound frames through an explicit table keyed by message type.
//
// Lock order: Registry before Index. No hub lock is held while a collector runs
// or while a frame is written to a socket.
package hub
