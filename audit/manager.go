// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coracle-net/coracle/lib/clock"
	"github.com/coracle-net/coracle/lib/codec"
	"github.com/coracle-net/coracle/lib/gate"
)

// Config describes one shard's audit queue.
type Config struct {
	// MaxBufferBytesPerShard is the reservation budget: the total
	// encoded size of records the queue holds before Enqueue starts
	// reporting failure.
	MaxBufferBytesPerShard uint64

	// DrainInterval is how often queued records are flushed to the
	// sink.
	DrainInterval time.Duration

	// EnabledTypes lists the event types that are audited. Records of
	// other types pass through Enqueue as successful no-ops.
	EnabledTypes []EventType

	// Sink receives drained envelopes as a CBOR stream.
	Sink io.Writer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the real clock.
	Clock clock.Clock
}

// Manager is a per-shard audit queue with reservation-based
// backpressure. Enqueue succeeds iff the byte reservation is available
// at the instant of attempt; the drain loop returns reservation as
// records are written out.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	clk     clock.Clock
	enabled atomic.Bool
	types   map[EventType]struct{}

	mu        sync.Mutex
	available uint64
	queue     []queuedRecord

	drainGate *gate.Gate
	stopDrain chan struct{}
	started   atomic.Bool
}

type queuedRecord struct {
	eventType EventType
	encoded   []byte
}

// NewManager builds a Manager. Auditing starts disabled; flip it on
// with SetEnabled once the sink is ready.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxBufferBytesPerShard == 0 {
		return nil, fmt.Errorf("max buffer bytes per shard must be positive")
	}
	if cfg.DrainInterval <= 0 {
		return nil, fmt.Errorf("drain interval must be positive")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("audit sink is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	types := make(map[EventType]struct{}, len(cfg.EnabledTypes))
	for _, eventType := range cfg.EnabledTypes {
		types[eventType] = struct{}{}
	}

	return &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		clk:       cfg.Clock,
		types:     types,
		available: cfg.MaxBufferBytesPerShard,
		drainGate: gate.New(),
		stopDrain: make(chan struct{}),
	}, nil
}

// Start spawns the drain loop. Call once.
func (m *Manager) Start() error {
	if m.started.Swap(true) {
		return fmt.Errorf("audit manager already started")
	}
	return m.drainGate.Spawn(m.drainLoop)
}

// Stop halts the drain loop, waits for it, and flushes whatever is
// still queued.
func (m *Manager) Stop() {
	close(m.stopDrain)
	m.drainGate.Close()
	m.drainOnce()
}

// SetEnabled toggles auditing. While disabled, Enqueue is a no-op that
// reports success and the queue applies no backpressure.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports the toggle state.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// Enqueue offers a record to the queue. Returns true when the record
// was queued, or when auditing is disabled or the event type is not
// enabled (pass-through). Returns false exactly when auditing applies
// and the byte reservation is unavailable — the caller decides whether
// that is fatal for the audited operation.
func (m *Manager) Enqueue(eventType EventType, record Record) bool {
	if !m.enabled.Load() {
		return true
	}
	if _, audited := m.types[eventType]; !audited {
		return true
	}

	encoded, err := codec.Marshal(record)
	if err != nil {
		m.logger.Error("encoding audit record", "error", err)
		return false
	}
	size := uint64(len(encoded))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.available < size {
		return false
	}
	m.available -= size
	m.queue = append(m.queue, queuedRecord{eventType: eventType, encoded: encoded})
	return true
}

// Pending returns the number of records waiting to drain.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// AvailableReservation returns the bytes of reservation currently
// available. An Enqueue of a record whose encoding fits is guaranteed
// to succeed if nothing intervenes.
func (m *Manager) AvailableReservation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// drainLoop flushes the queue on every tick until Stop.
func (m *Manager) drainLoop() {
	ticker := m.clk.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.drainOnce()
		case <-m.stopDrain:
			return
		}
	}
}

// drainOnce takes the current queue and writes it to the sink. Writing
// stops at the first failed envelope: that record and the rest of the
// batch are dropped. The whole batch's reservation is returned once the
// writes end, written or dropped alike, since holding it would starve
// the queue without any retry path to use it.
func (m *Manager) drainOnce() {
	m.mu.Lock()
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	encoder := codec.NewEncoder(m.cfg.Sink)
	written := 0
	for _, record := range batch {
		envelope := Envelope{
			Type:   record.eventType,
			Record: record.encoded,
			Digest: DigestRecord(record.encoded),
		}
		if err := encoder.Encode(envelope); err != nil {
			m.logger.Error("writing audit envelope", "error", err, "dropped", len(batch)-written)
			break
		}
		written++
	}

	var returned uint64
	for _, record := range batch {
		returned += uint64(len(record.encoded))
	}
	m.mu.Lock()
	m.available += returned
	m.mu.Unlock()

	if written > 0 {
		m.logger.Debug("drained audit records", "count", written)
	}
}
