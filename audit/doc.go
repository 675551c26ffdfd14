// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit implements the per-shard audit queue. Components
// enqueue audit records against a byte reservation sized at
// max_buffer_bytes_per_shard; an enqueue succeeds exactly when the
// reservation is available at the instant of attempt, so backpressure
// is observable and predictable. A drain loop periodically serializes
// queued records as digest-carrying CBOR envelopes and writes them to
// the configured sink, returning their reservation.
//
// Each server shard owns one Manager; nothing is shared across shards.
// With auditing disabled, or for event types not enabled, Enqueue is a
// pass-through no-op that reports success.
package audit
