// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/coracle-net/coracle/lib/codec"
)

// EventType classifies audit records for the enabled-types filter.
type EventType string

const (
	// Management covers administrative operations: service
	// registration changes, configuration reloads, shard lifecycle.
	Management EventType = "management"

	// Authenticate covers TLS handshake and peer identity events.
	Authenticate EventType = "authenticate"

	// Consume covers request-path activity sampled for auditing.
	Consume EventType = "consume"

	// Describe covers read-only introspection: metric snapshots,
	// status queries.
	Describe EventType = "describe"
)

// Record is one audit event. The Detail field carries pre-encoded
// event-specific CBOR so the queue never needs to understand it.
type Record struct {
	Activity    string           `cbor:"activity"`
	Actor       string           `cbor:"actor"`
	TimestampMS int64            `cbor:"timestamp_ms"`
	Detail      codec.RawMessage `cbor:"detail,omitempty"`
}

// Envelope is the sink wire format: the event type, the record's
// deterministic CBOR encoding, and a keyed BLAKE3 digest over that
// encoding. A reader recomputes the digest to detect sink corruption
// or tampering.
type Envelope struct {
	Type   EventType        `cbor:"type"`
	Record codec.RawMessage `cbor:"record"`
	Digest string           `cbor:"digest"`
}

// recordDomainKey is the 32-byte key for BLAKE3 keyed hashing of audit
// records. Domain separation keeps these digests from colliding with
// any other keyed-hash use; the bytes are the ASCII domain name,
// zero-padded, which keeps the key inspectable in a hex dump.
var recordDomainKey = [32]byte{
	'c', 'o', 'r', 'a', 'c', 'l', 'e', '.', 'a', 'u', 'd', 'i', 't', '.',
	'r', 'e', 'c', 'o', 'r', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestRecord computes the keyed BLAKE3 digest of an encoded record,
// hex-encoded for the envelope.
func DigestRecord(encoded []byte) string {
	hasher, err := blake3.NewKeyed(recordDomainKey[:])
	if err != nil {
		// NewKeyed fails only on a wrong key length, which the fixed
		// array rules out.
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(encoded)
	return hex.EncodeToString(hasher.Sum(nil))
}

// VerifyEnvelope recomputes an envelope's digest and decodes its
// record. Returns an error when the digest does not match.
func VerifyEnvelope(envelope Envelope) (Record, error) {
	if got := DigestRecord(envelope.Record); got != envelope.Digest {
		return Record{}, fmt.Errorf("audit envelope digest mismatch: %s != %s", got, envelope.Digest)
	}
	var record Record
	if err := codec.Unmarshal(envelope.Record, &record); err != nil {
		return Record{}, fmt.Errorf("decoding audit record: %w", err)
	}
	return record, nil
}
