// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "sync/atomic"

// Probe collects the server's operational counters. All fields are
// updated lock-free from the accept and dispatch paths; Snapshot reads
// are monotonic but not mutually consistent, which is fine for
// informational counters.
type Probe struct {
	connects          atomic.Uint64
	activeConnections atomic.Int64
	corruptedHeaders  atomic.Uint64
	methodNotFound    atomic.Uint64
	receivedBytes     atomic.Uint64
	requestsCompleted atomic.Uint64
	memoryBlocked     atomic.Uint64
}

func (p *Probe) connectionEstablished() {
	p.connects.Add(1)
	p.activeConnections.Add(1)
}

func (p *Probe) connectionClosed() {
	p.activeConnections.Add(-1)
}

func (p *Probe) headerCorrupted() {
	p.corruptedHeaders.Add(1)
}

func (p *Probe) methodNotFoundSeen() {
	p.methodNotFound.Add(1)
}

func (p *Probe) addBytesReceived(n uint64) {
	p.receivedBytes.Add(n)
}

func (p *Probe) requestCompleted() {
	p.requestsCompleted.Add(1)
}

func (p *Probe) waitingForAvailableMemory() {
	p.memoryBlocked.Add(1)
}

// ProbeSnapshot is a point-in-time copy of the probe counters.
type ProbeSnapshot struct {
	Connects              uint64 `cbor:"connects" json:"connects"`
	ActiveConnections     int64  `cbor:"active_connections" json:"active_connections"`
	CorruptedHeaders      uint64 `cbor:"corrupted_headers" json:"corrupted_headers"`
	MethodNotFound        uint64 `cbor:"method_not_found" json:"method_not_found"`
	ReceivedBytes         uint64 `cbor:"received_bytes" json:"received_bytes"`
	RequestsCompleted     uint64 `cbor:"requests_completed" json:"requests_completed"`
	RequestsBlockedMemory uint64 `cbor:"requests_blocked_memory" json:"requests_blocked_memory"`
}

// Snapshot returns the current counter values.
func (p *Probe) Snapshot() ProbeSnapshot {
	return ProbeSnapshot{
		Connects:              p.connects.Load(),
		ActiveConnections:     p.activeConnections.Load(),
		CorruptedHeaders:      p.corruptedHeaders.Load(),
		MethodNotFound:        p.methodNotFound.Load(),
		ReceivedBytes:         p.receivedBytes.Load(),
		RequestsCompleted:     p.requestsCompleted.Load(),
		RequestsBlockedMemory: p.memoryBlocked.Load(),
	}
}
