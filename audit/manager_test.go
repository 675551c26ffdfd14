// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coracle-net/coracle/lib/clock"
	"github.com/coracle-net/coracle/lib/codec"
)

// safeBuffer is a bytes.Buffer usable as a sink while the drain loop
// runs concurrently with test reads.
type safeBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *safeBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buffer.Bytes()...)
}

func testRecord(sequence int) Record {
	return Record{
		Activity:    fmt.Sprintf("request-%03d", sequence),
		Actor:       "shard-0",
		TimestampMS: int64(1700000000000 + sequence),
	}
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.MaxBufferBytesPerShard == 0 {
		cfg.MaxBufferBytesPerShard = 1 << 16
	}
	if cfg.DrainInterval == 0 {
		cfg.DrainInterval = time.Minute
	}
	if cfg.Sink == nil {
		cfg.Sink = &safeBuffer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	manager, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return manager
}

func eventually(t *testing.T, timeout time.Duration, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestDisabledEnqueueIsPassthrough(t *testing.T) {
	manager := newTestManager(t, Config{EnabledTypes: []EventType{Management}})

	for i := 0; i < 20; i++ {
		if !manager.Enqueue(Management, testRecord(i)) {
			t.Fatalf("enqueue %d failed with auditing disabled", i)
		}
	}
	if got := manager.Pending(); got != 0 {
		t.Errorf("Pending = %d with auditing disabled, want 0", got)
	}
	if got := manager.AvailableReservation(); got != 1<<16 {
		t.Errorf("reservation consumed while disabled: available = %d", got)
	}
}

func TestNonEnabledTypePassesThrough(t *testing.T) {
	manager := newTestManager(t, Config{EnabledTypes: []EventType{Management, Consume}})
	manager.SetEnabled(true)

	if !manager.Enqueue(Authenticate, testRecord(1)) {
		t.Error("non-enabled type should pass through successfully")
	}
	if !manager.Enqueue(Describe, testRecord(2)) {
		t.Error("non-enabled type should pass through successfully")
	}
	if got := manager.Pending(); got != 0 {
		t.Errorf("Pending = %d for pass-through types, want 0", got)
	}

	if !manager.Enqueue(Management, testRecord(3)) {
		t.Error("enabled type should enqueue")
	}
	if got := manager.Pending(); got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
}

// TestEnqueueReservationLaw is the backpressure invariant: at every
// attempt, enqueue succeeds iff the reservation was available at that
// instant. The budget is sized so attempts straddle exhaustion.
func TestEnqueueReservationLaw(t *testing.T) {
	probeSize := len(mustMarshal(t, testRecord(0)))
	manager := newTestManager(t, Config{
		MaxBufferBytesPerShard: uint64(probeSize * 10),
		EnabledTypes:           []EventType{Management},
	})
	manager.SetEnabled(true)

	successes := 0
	for i := 0; i < 200; i++ {
		record := testRecord(i)
		size := uint64(len(mustMarshal(t, record)))

		canEnqueue := manager.AvailableReservation() >= size
		enqueued := manager.Enqueue(Management, record)
		if enqueued != canEnqueue {
			t.Fatalf("attempt %d: enqueued=%v but reservation predicted %v", i, enqueued, canEnqueue)
		}
		if enqueued {
			successes++
		}
	}

	if successes == 0 || successes == 200 {
		t.Fatalf("law test never exercised the boundary: %d/200 succeeded", successes)
	}
	if got := manager.Pending(); got != successes {
		t.Errorf("Pending = %d, want %d", got, successes)
	}
}

func TestDrainReturnsReservationAndWritesEnvelopes(t *testing.T) {
	sink := &safeBuffer{}
	fakeClock := clock.Fake(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	manager := newTestManager(t, Config{
		MaxBufferBytesPerShard: 1 << 16,
		DrainInterval:          10 * time.Second,
		EnabledTypes:           []EventType{Management, Consume},
		Sink:                   sink,
		Clock:                  fakeClock,
	})
	manager.SetEnabled(true)

	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer manager.Stop()

	const records = 5
	for i := 0; i < records; i++ {
		if !manager.Enqueue(Management, testRecord(i)) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if got := manager.Pending(); got != records {
		t.Fatalf("Pending = %d, want %d", got, records)
	}

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(10 * time.Second)

	eventually(t, 5*time.Second, func() bool { return manager.Pending() == 0 },
		"queue never drained")
	eventually(t, 5*time.Second, func() bool {
		return manager.AvailableReservation() == 1<<16
	}, "reservation never fully returned")

	decoder := codec.NewDecoder(bytes.NewReader(sink.Snapshot()))
	for i := 0; i < records; i++ {
		var envelope Envelope
		if err := decoder.Decode(&envelope); err != nil {
			t.Fatalf("decoding envelope %d: %v", i, err)
		}
		if envelope.Type != Management {
			t.Errorf("envelope %d type = %q", i, envelope.Type)
		}
		record, err := VerifyEnvelope(envelope)
		if err != nil {
			t.Errorf("envelope %d: %v", i, err)
		}
		if want := fmt.Sprintf("request-%03d", i); record.Activity != want {
			t.Errorf("envelope %d activity = %q, want %q", i, record.Activity, want)
		}
	}
}

func TestStopFlushesQueue(t *testing.T) {
	sink := &safeBuffer{}
	manager := newTestManager(t, Config{
		DrainInterval: time.Hour, // never ticks during the test
		EnabledTypes:  []EventType{Consume},
		Sink:          sink,
	})
	manager.SetEnabled(true)
	if err := manager.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !manager.Enqueue(Consume, testRecord(1)) {
		t.Fatal("enqueue failed")
	}
	manager.Stop()

	if got := manager.Pending(); got != 0 {
		t.Errorf("Pending after Stop = %d, want 0", got)
	}
	var envelope Envelope
	if err := codec.NewDecoder(bytes.NewReader(sink.Snapshot())).Decode(&envelope); err != nil {
		t.Fatalf("Stop did not flush the queue: %v", err)
	}
	if envelope.Type != Consume {
		t.Errorf("flushed envelope type = %q", envelope.Type)
	}
}

func TestEnvelopeDigestDetectsTampering(t *testing.T) {
	encoded := mustMarshal(t, testRecord(7))
	envelope := Envelope{Type: Management, Record: encoded, Digest: DigestRecord(encoded)}

	if _, err := VerifyEnvelope(envelope); err != nil {
		t.Fatalf("VerifyEnvelope on a valid envelope: %v", err)
	}

	tampered := envelope
	tamperedRecord := append([]byte(nil), encoded...)
	tamperedRecord[len(tamperedRecord)-1] ^= 0xff
	tampered.Record = tamperedRecord
	if _, err := VerifyEnvelope(tampered); err == nil {
		t.Error("VerifyEnvelope accepted a tampered record")
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	encoded, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return encoded
}
