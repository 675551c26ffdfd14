// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bufio"
	"crypto/tls"
	"net"
	"sync"
	"time"
)

// connectionReadBuffer sizes the buffered reader over each socket.
// Large enough that a header parse and a small body land in one read.
const connectionReadBuffer = 16 * 1024

// Connection owns one accepted socket: a buffered input stream for
// header and body parsing, serialized scatter-gather writes, and the
// two-stage teardown the server's drain relies on (input half first,
// then the whole socket).
//
// At most one dispatch loop runs per connection. Replies from that
// connection's handlers are linearized by write slots: each request
// claims a slot in parse order, and a slot's write begins only after
// the predecessor slot resolves.
type Connection struct {
	conn   net.Conn
	tcp    *net.TCPConn // underlying socket; nil when not extractable
	input  *bufio.Reader
	remote net.Addr

	writeMu sync.Mutex

	slotMu   sync.Mutex
	lastSlot chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// newConnection wraps an accepted socket, configuring TCP_NODELAY and
// keepalive on the transport. For TLS connections the options are set
// on the underlying TCP socket.
func newConnection(conn net.Conn) *Connection {
	c := &Connection{
		conn:   conn,
		input:  bufio.NewReaderSize(conn, connectionReadBuffer),
		remote: conn.RemoteAddr(),
	}

	raw := conn
	if tlsConn, ok := raw.(*tls.Conn); ok {
		raw = tlsConn.NetConn()
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		c.tcp = tcp
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	// The write-slot chain starts resolved so the first request's
	// reply writes immediately.
	resolved := make(chan struct{})
	close(resolved)
	c.lastSlot = resolved

	return c
}

// Input returns the connection's buffered input stream. Handlers read
// request bodies from it; the dispatch loop reads headers.
func (c *Connection) Input() *bufio.Reader { return c.input }

// RemoteAddr returns the peer address captured at accept time.
func (c *Connection) RemoteAddr() net.Addr { return c.remote }

// claimWriteSlot reserves the next position in the reply order. The
// returned channel resolves when the predecessor's reply has been
// written (or skipped, or failed); done marks this slot resolved and
// must be called exactly once.
func (c *Connection) claimWriteSlot() (previous <-chan struct{}, done func()) {
	c.slotMu.Lock()
	prev := c.lastSlot
	next := make(chan struct{})
	c.lastSlot = next
	c.slotMu.Unlock()

	var once sync.Once
	return prev, func() { once.Do(func() { close(next) }) }
}

// Write writes the scatter-gather view to the socket in one logical
// operation. Writes from concurrent handlers are serialized.
func (c *Connection) Write(buffers net.Buffers) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := buffers.WriteTo(c.conn)
	return err
}

// ShutdownInput closes the read half so pending and future reads
// resolve to EOF, leaving in-flight reply writes able to complete.
// When the read half cannot be closed independently (non-TCP test
// transports), an already-expired read deadline gives the same effect.
func (c *Connection) ShutdownInput() {
	if c.tcp != nil {
		c.tcp.CloseRead()
		return
	}
	c.conn.SetReadDeadline(time.Unix(1, 0))
}

// Shutdown closes both halves of the connection. Idempotent.
func (c *Connection) Shutdown() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
