// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "sync"

// StreamingContext is the per-request handle given to a method
// handler. It owns the parsed header, reserves admission-controller
// memory on the handler's behalf, and carries the one-shot body-parse
// signal the dispatch loop waits on before parsing the next header.
//
// The server reference is borrowed, not owned: the context lives
// strictly inside a handler invocation spawned under the server's
// gate, and Stop cannot return while any such handler runs.
type StreamingContext struct {
	server *Server
	header Header

	parsedOnce sync.Once
	bodyParsed chan struct{}
}

func newStreamingContext(server *Server, header Header) *StreamingContext {
	return &StreamingContext{
		server:     server,
		header:     header,
		bodyParsed: make(chan struct{}),
	}
}

// Header returns the request header.
func (c *StreamingContext) Header() Header {
	return c.header
}

// ReserveMemory claims n bytes from the server's admission controller,
// suspending until they are available or the server begins shutdown.
// The returned claim must be released when the request memory is no
// longer held; release on error paths is the caller's responsibility
// and is idempotent.
func (c *StreamingContext) ReserveMemory(n uint64) (*Units, error) {
	return c.server.memory.Acquire(c.server.abortCtx, n)
}

// SignalBodyParse marks the request body fully consumed from the
// connection input. A handler calls this exactly once, after reading
// its Size bytes and before producing the reply; it is what lets the
// dispatch loop begin parsing the next header. Extra calls are no-ops.
func (c *StreamingContext) SignalBodyParse() {
	c.parsedOnce.Do(func() { close(c.bodyParsed) })
}

// bodyParsedSignal is the latch the dispatch loop waits on.
func (c *StreamingContext) bodyParsedSignal() <-chan struct{} {
	return c.bodyParsed
}
