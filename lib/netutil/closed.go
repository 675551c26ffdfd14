// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides socket helpers shared by the RPC server:
// classification of expected teardown errors and listener construction
// with reuse-address/reuse-port socket options.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. These show up during ordinary teardown — a peer disconnects
// while a reply write is in flight, or Stop shuts a connection's input
// half while the dispatch loop is blocked in a read.
//
// Full-close teardown (closing the whole socket rather than half-close)
// surfaces as ECONNRESET or EPIPE on the surviving side instead of EOF.
// All four are expected and are not logged as errors.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
