// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements a per-core asynchronous RPC server: a framed
// request/response transport that accepts connections on one or more
// listeners, parses fixed-size headers off each connection, dispatches
// to registered service methods under a per-instance memory budget, and
// writes framed replies back in request-arrival order.
//
// One Server instance owns one logical core's worth of state: its own
// listeners, admission semaphore, connection registry, and gate. Run
// several instances — one per shard — to use several cores; they share
// nothing. See the shard package for a group runner.
//
// The dispatch loop overlaps work: as soon as a handler has consumed
// its request body and signalled body-parse completion, the loop parses
// the next header while the handler is still producing its reply.
// Replies are nevertheless written in arrival order — each request
// claims a write slot at parse time and a reply is written only after
// its predecessor's slot resolves.
package rpc
