// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package shard runs one rpc.Server per logical core. Shards share
// nothing — each has its own listeners, admission controller, gate,
// and service registry — and bind the same addresses through
// SO_REUSEPORT so the kernel spreads connections across them.
package shard

import (
	"fmt"
	"log/slog"
)

// Server is the per-shard instance the group manages. rpc.Server
// satisfies it; the indirection keeps this package free of transport
// details and lets tests use lightweight fakes.
type Server interface {
	Start() error
	Stop() error
}

// Factory builds the server for one shard. The factory is responsible
// for enabling reuse-port on the instance when the group shares listen
// addresses across shards.
type Factory func(shardID int) (Server, error)

// Group owns a fixed set of shards.
type Group struct {
	servers []Server
	logger  *slog.Logger
	started bool
}

// NewGroup builds count servers through factory. No shard is started
// yet; a factory error discards the partially built group.
func NewGroup(count int, factory Factory, logger *slog.Logger) (*Group, error) {
	if count <= 0 {
		return nil, fmt.Errorf("shard count must be positive, got %d", count)
	}
	if logger == nil {
		logger = slog.Default()
	}

	group := &Group{logger: logger}
	for shardID := 0; shardID < count; shardID++ {
		server, err := factory(shardID)
		if err != nil {
			return nil, fmt.Errorf("building shard %d: %w", shardID, err)
		}
		group.servers = append(group.servers, server)
	}
	return group, nil
}

// Start starts every shard. On failure the shards already started are
// stopped before the error is returned, so a failed Start leaves
// nothing running.
func (g *Group) Start() error {
	for shardID, server := range g.servers {
		if err := server.Start(); err != nil {
			for stopID := shardID - 1; stopID >= 0; stopID-- {
				g.servers[stopID].Stop()
			}
			return fmt.Errorf("starting shard %d: %w", shardID, err)
		}
		g.logger.Debug("shard started", "shard", shardID)
	}
	g.started = true
	return nil
}

// Stop stops every shard, in reverse start order, waiting for each.
func (g *Group) Stop() {
	for shardID := len(g.servers) - 1; shardID >= 0; shardID-- {
		if err := g.servers[shardID].Stop(); err != nil {
			g.logger.Error("stopping shard", "shard", shardID, "error", err)
		}
	}
	g.started = false
}

// Size returns the number of shards.
func (g *Group) Size() int { return len(g.servers) }

// Server returns the shard with the given id.
func (g *Group) Server(shardID int) Server { return g.servers[shardID] }
