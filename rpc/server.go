// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coracle-net/coracle/lib/clock"
	"github.com/coracle-net/coracle/lib/gate"
	"github.com/coracle-net/coracle/lib/metrics"
	"github.com/coracle-net/coracle/lib/netutil"
)

// ErrMethodNotFound reports a request whose method id no registered
// service claims. It fails the connection: unlike a corrupted header,
// an unknown id from an aligned frame means the peer is version-skewed
// or hostile, and silently discarding bodies would mask that.
var ErrMethodNotFound = errors.New("method not found")

// Config describes one server instance. One instance owns one logical
// core's worth of state; run several (see the shard package) to use
// several cores.
type Config struct {
	// Addrs are the listen endpoints, each bound independently with
	// reuse-address.
	Addrs []string

	// Credentials, when non-nil, TLS-wraps every listener. Nil means
	// plaintext.
	Credentials *Credentials

	// MaxServiceMemoryPerCore is the admission controller's unit
	// count: the in-flight request bytes this instance admits before
	// reservations suspend.
	MaxServiceMemoryPerCore uint64

	// DisableMetrics skips metric registration entirely.
	DisableMetrics bool

	// ReusePort additionally sets SO_REUSEPORT on every listener so
	// several shards can bind the same address.
	ReusePort bool

	// Metrics, when non-nil and metrics are enabled, receives the
	// server's gauge and histogram registrations.
	Metrics *metrics.Registry

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to the real clock. Tests inject a fake.
	Clock clock.Clock
}

// Server accepts connections, parses framed requests, and dispatches
// them to registered services under the memory budget. Lifecycle:
// New → Register… → Start → Stop. Stop returns only after every
// spawned dispatch and handler has concluded.
type Server struct {
	cfg    Config
	logger *slog.Logger
	clk    clock.Clock

	memory    *Semaphore
	tlsConfig *tls.Config
	probe     Probe
	hist      Histogram

	servicesMu sync.Mutex
	services   []Service

	listeners []net.Listener
	connMu    sync.Mutex
	conns     map[*Connection]struct{}

	connGate *gate.Gate
	abortCtx context.Context
	abort    context.CancelFunc

	started atomic.Bool
	stopped sync.Once
}

// New builds a server from cfg. Fails when the memory budget is zero
// or the TLS credentials cannot be loaded.
func New(cfg Config) (*Server, error) {
	if cfg.MaxServiceMemoryPerCore == 0 {
		return nil, fmt.Errorf("max service memory per core must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		clk:      cfg.Clock,
		memory:   NewSemaphore(cfg.MaxServiceMemoryPerCore),
		conns:    make(map[*Connection]struct{}),
		connGate: gate.New(),
	}
	s.memory.OnWait = s.probe.waitingForAvailableMemory
	s.abortCtx, s.abort = context.WithCancel(context.Background())

	if cfg.Credentials != nil {
		tlsConfig, err := cfg.Credentials.Build()
		if err != nil {
			return nil, fmt.Errorf("building server credentials: %w", err)
		}
		s.tlsConfig = tlsConfig
	}

	if cfg.Metrics != nil && !cfg.DisableMetrics {
		s.setupMetrics(cfg.Metrics)
	}

	return s, nil
}

// Register appends a service to the registry. Lookup order is
// registration order: when two services claim the same method id, the
// earliest registered wins. Panics when called after Start — the
// registry is immutable while the accept loops run.
func (s *Server) Register(service Service) {
	if s.started.Load() {
		panic("rpc: Register called after Start")
	}
	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()
	s.services = append(s.services, service)
}

// methodFromID scans services in registration order and returns the
// first claimed method, or nil.
func (s *Server) methodFromID(id uint32) Method {
	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()
	for _, service := range s.services {
		if m := service.MethodFromID(id); m != nil {
			return m
		}
	}
	return nil
}

func (s *Server) serviceCount() int {
	s.servicesMu.Lock()
	defer s.servicesMu.Unlock()
	return len(s.services)
}

// Start binds every configured address and spawns an accept loop per
// listener. Any bind failure fails the whole start; listeners already
// bound are closed.
func (s *Server) Start() error {
	s.started.Store(true)

	for _, address := range s.cfg.Addrs {
		listener, err := netutil.Listen(address, netutil.ListenOptions{
			ReuseAddress: true,
			ReusePort:    s.cfg.ReusePort,
		})
		if err != nil {
			for _, bound := range s.listeners {
				bound.Close()
			}
			s.listeners = nil
			return fmt.Errorf("listening on %s: %w", address, err)
		}
		if s.tlsConfig != nil {
			listener = tls.NewListener(listener, s.tlsConfig)
		}
		s.listeners = append(s.listeners, listener)
	}

	for _, listener := range s.listeners {
		listener := listener
		if err := s.connGate.Spawn(func() { s.acceptLoop(listener) }); err != nil {
			return fmt.Errorf("starting accept loop: %w", err)
		}
		s.logger.Info("listening", "addr", listener.Addr())
	}
	return nil
}

// ListenerAddrs returns the bound addresses, useful when an Addr used
// port 0.
func (s *Server) ListenerAddrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, listener := range s.listeners {
		addrs = append(addrs, listener.Addr())
	}
	return addrs
}

// aborted reports whether Stop has raised the abort signal.
func (s *Server) aborted() bool {
	return s.abortCtx.Err() != nil
}

// acceptLoop accepts connections from one listener until the listener
// is closed or abort is raised. Each accepted connection gets a
// dispatch loop spawned under the gate.
func (s *Server) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.aborted() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "addr", listener.Addr(), "error", err)
			continue
		}
		if s.aborted() {
			conn.Close()
			return
		}

		connection := newConnection(conn)
		s.addConnection(connection)
		s.logger.Debug("incoming connection", "peer", connection.RemoteAddr())

		err = s.connGate.Spawn(func() {
			dispatchErr := s.dispatch(connection)
			s.logger.Debug("closing client", "peer", connection.RemoteAddr())
			connection.Shutdown()
			s.removeConnection(connection)
			if dispatchErr != nil && !netutil.IsExpectedCloseError(dispatchErr) {
				s.logger.Error("dispatch failed",
					"peer", connection.RemoteAddr(),
					"error", dispatchErr,
				)
			}
		})
		if err != nil {
			// Gate closed while we were accepting: tear the new
			// connection down synchronously and stop.
			connection.Shutdown()
			s.removeConnection(connection)
			return
		}
	}
}

// dispatch is the per-connection loop: parse a header, locate the
// method, spawn the handler, wait for the body to be consumed, repeat.
// Returns nil on normal exit (EOF, abort, gate close) and an error on
// conditions that fail the connection.
func (s *Server) dispatch(conn *Connection) error {
	for {
		if s.aborted() {
			return nil
		}

		header, ok, err := ReadHeader(conn.Input())
		if err != nil {
			if errors.Is(err, io.EOF) || netutil.IsExpectedCloseError(err) {
				return nil
			}
			return fmt.Errorf("reading request header: %w", err)
		}
		if !ok {
			// A single corrupted header is tolerated: with
			// length-prefixed framing the stream may still be aligned
			// for the next request. If it is not, the next read fails
			// or EOFs and the loop exits on its own.
			s.probe.headerCorrupted()
			s.logger.Debug("could not parse header", "peer", conn.RemoteAddr())
			continue
		}

		method := s.methodFromID(header.Meta)
		if method == nil {
			s.probe.methodNotFoundSeen()
			return fmt.Errorf("%w: method id %d from %s", ErrMethodNotFound, header.Meta, conn.RemoteAddr())
		}

		sctx := newStreamingContext(s, header)
		s.probe.addBytesReceived(HeaderSize + uint64(header.Size))

		// Claim the reply's position in write order before the handler
		// runs, so replies leave in request-arrival order no matter
		// how handler runtimes interleave.
		previousSlot, slotDone := conn.claimWriteSlot()
		dispatchedAt := s.clk.Now()

		if err := s.connGate.Spawn(func() {
			s.runHandler(conn, method, sctx, previousSlot, slotDone, dispatchedAt)
		}); err != nil {
			// Shutdown began between the abort check and the spawn.
			slotDone()
			return nil
		}

		// Wait only for body-parse completion, not the reply: the next
		// header may be parsed as soon as the current body has been
		// consumed, overlapping reply production with request parsing.
		select {
		case <-sctx.bodyParsedSignal():
		case <-s.abortCtx.Done():
			return nil
		}
	}
}

// runHandler invokes one method handler and writes its reply in write-
// slot order. Runs under the gate on its own goroutine.
func (s *Server) runHandler(conn *Connection, method Method, sctx *StreamingContext, previousSlot <-chan struct{}, slotDone func(), dispatchedAt time.Time) {
	defer slotDone()
	defer s.probe.requestCompleted()

	reply, err := invokeMethod(method, conn, sctx)

	// Backstop: a handler that errored out (or simply forgot) may not
	// have signalled. Firing here keeps the dispatch loop live; the
	// connection's fate is decided below.
	sctx.SignalBodyParse()

	if err != nil {
		if netutil.IsExpectedCloseError(err) {
			s.logger.Debug("handler aborted by connection teardown",
				"peer", conn.RemoteAddr(), "method", sctx.header.Meta)
		} else {
			s.logger.Error("handler failed",
				"peer", conn.RemoteAddr(),
				"method", sctx.header.Meta,
				"error", err,
			)
		}
		conn.Shutdown()
		return
	}

	buffers := reply.wireBuffers(sctx.header.Meta, sctx.header.CorrelationID)

	// Predecessor first: replies leave in arrival order.
	<-previousSlot

	if s.connGate.IsClosed() {
		s.logger.Debug("skipping write, server is stopping",
			"peer", conn.RemoteAddr(), "bytes", reply.WireSize())
		s.hist.Record(s.clk.Now().Sub(dispatchedAt))
		return
	}

	if err := conn.Write(buffers); err != nil {
		if !netutil.IsExpectedCloseError(err) {
			s.logger.Debug("reply write failed", "peer", conn.RemoteAddr(), "error", err)
		}
		conn.Shutdown()
	}
	s.hist.Record(s.clk.Now().Sub(dispatchedAt))
}

// invokeMethod runs the handler, converting a panic into an error so
// one broken handler cannot take the process down.
func invokeMethod(method Method, conn *Connection, sctx *StreamingContext) (reply *Reply, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	reply, err = method(conn.Input(), sctx)
	if err == nil && reply == nil {
		err = fmt.Errorf("handler returned no reply and no error")
	}
	return reply, err
}

// Stop drains the server: abort accepts, raise the abort signal, shut
// every connection's input half so pending reads resolve to EOF, wait
// for the gate — every dispatch loop and handler — and finally shut
// down connections that remain registered.
//
// No new handler starts after Stop begins; every started handler's
// write-or-skip decision has completed before Stop returns. In-flight
// handlers are never cancelled mid-computation — only their writes may
// be skipped.
func (s *Server) Stop() error {
	s.stopped.Do(func() {
		s.logger.Info("stopping listeners", "count", len(s.listeners))
		for _, listener := range s.listeners {
			listener.Close()
		}

		s.abort()

		s.connMu.Lock()
		s.logger.Info("shutting down connections", "count", len(s.conns))
		for connection := range s.conns {
			connection.ShutdownInput()
		}
		s.connMu.Unlock()

		s.connGate.Close()

		s.connMu.Lock()
		for connection := range s.conns {
			connection.Shutdown()
			delete(s.conns, connection)
		}
		s.connMu.Unlock()

		s.logger.Debug("service probes", "probe", s.probe.Snapshot())
	})
	return nil
}

func (s *Server) addConnection(connection *Connection) {
	s.connMu.Lock()
	s.conns[connection] = struct{}{}
	s.connMu.Unlock()
	s.probe.connectionEstablished()
}

func (s *Server) removeConnection(connection *Connection) {
	s.connMu.Lock()
	if _, present := s.conns[connection]; present {
		delete(s.conns, connection)
		s.probe.connectionClosed()
	}
	s.connMu.Unlock()
}

// ProbeSnapshot returns the operational counters.
func (s *Server) ProbeSnapshot() ProbeSnapshot {
	return s.probe.Snapshot()
}

// MemoryAvailable returns the admission controller's available units.
func (s *Server) MemoryAvailable() uint64 {
	return s.memory.Current()
}

// MemoryWaiters returns the count of suspended memory acquisitions.
func (s *Server) MemoryWaiters() int {
	return s.memory.Waiters()
}

// setupMetrics registers the server's metric group.
func (s *Server) setupMetrics(registry *metrics.Registry) {
	registry.AddGauge("rpc_services",
		"Number of registered services",
		func() float64 { return float64(s.serviceCount()) })
	registry.AddGauge("rpc_max_service_mem",
		"Maximum amount of memory used by service per core",
		func() float64 { return float64(s.cfg.MaxServiceMemoryPerCore) })
	registry.AddGauge("rpc_consumed_mem",
		"Amount of memory consumed for requests processing",
		func() float64 { return float64(s.cfg.MaxServiceMemoryPerCore - s.memory.Current()) })
	registry.AddGauge("rpc_requests_blocked_memory",
		"Number of requests that suspended waiting for memory",
		func() float64 { return float64(s.probe.memoryBlocked.Load()) })
	registry.AddGauge("rpc_corrupted_headers",
		"Number of corrupted request headers",
		func() float64 { return float64(s.probe.corruptedHeaders.Load()) })
	registry.AddGauge("rpc_method_not_found",
		"Number of requests for unregistered methods",
		func() float64 { return float64(s.probe.methodNotFound.Load()) })
	registry.AddGauge("rpc_received_bytes",
		"Request bytes received, headers included",
		func() float64 { return float64(s.probe.receivedBytes.Load()) })
	registry.AddGauge("rpc_requests_completed",
		"Number of requests fully processed",
		func() float64 { return float64(s.probe.requestsCompleted.Load()) })
	registry.AddGauge("rpc_active_connections",
		"Currently open connections",
		func() float64 { return float64(s.probe.activeConnections.Load()) })
	registry.AddHistogram("rpc_dispatch_handler_latency",
		"Latency of service handler dispatch",
		s.hist.Snapshot)
}
