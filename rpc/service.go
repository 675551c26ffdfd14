// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "bufio"

// Method handles one request. The handler contract:
//
//   - read exactly Header().Size bytes from input;
//   - call SignalBodyParse once those bytes are consumed, before
//     producing the reply;
//   - return the reply buffer, or an error to fail the connection.
//
// The payload helpers (ReadBody, EncodeReply) implement the contract;
// hand-rolled handlers take it on themselves. A handler that returns
// without signalling does not wedge the dispatch loop — the server
// fires the signal on its way out — but by then the loop may have
// stalled behind it for the handler's full runtime.
type Method func(input *bufio.Reader, sctx *StreamingContext) (*Reply, error)

// Service exposes methods by id. MethodFromID returns nil for ids the
// service does not claim.
type Service interface {
	MethodFromID(id uint32) Method
}

// MethodMap is the simplest Service: a literal id→handler table.
type MethodMap map[uint32]Method

// MethodFromID returns the mapped method or nil.
func (m MethodMap) MethodFromID(id uint32) Method { return m[id] }
