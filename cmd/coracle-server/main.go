// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// coracle-server runs a shard group of RPC servers from a single
// configuration file: one server per shard, shared listen addresses
// via reuse-port, optional TLS, per-shard audit queues, and periodic
// metric snapshot logging. The built-in echo and kv services are
// registered on every shard so a fresh deployment is exercisable end
// to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/coracle-net/coracle/audit"
	"github.com/coracle-net/coracle/lib/config"
	"github.com/coracle-net/coracle/lib/metrics"
	"github.com/coracle-net/coracle/lib/process"
	"github.com/coracle-net/coracle/lib/version"
	"github.com/coracle-net/coracle/rpc"
	"github.com/coracle-net/coracle/shard"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath      string
		showVersion     bool
		metricsInterval time.Duration
	)
	pflag.StringVar(&configPath, "config", "", "path to the server configuration file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.DurationVar(&metricsInterval, "metrics-interval", time.Minute, "how often to log metric snapshots")
	pflag.Parse()

	if showVersion {
		version.Print("coracle-server")
		return nil
	}
	if configPath == "" {
		return fmt.Errorf("--config is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	shardCount := cfg.Shards
	if shardCount == 0 {
		shardCount = runtime.NumCPU()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shards, err := buildShards(cfg, shardCount, logger)
	if err != nil {
		return err
	}

	group, err := shard.NewGroup(shardCount, func(shardID int) (shard.Server, error) {
		return shards[shardID], nil
	}, logger)
	if err != nil {
		return err
	}

	for _, s := range shards {
		if s.auditManager != nil {
			if err := s.auditManager.Start(); err != nil {
				return err
			}
		}
	}
	if err := group.Start(); err != nil {
		return err
	}

	logger.Info("coracle-server running",
		"shards", shardCount,
		"addrs", cfg.Listen.Addrs,
		"tls", cfg.TLS.Enabled(),
	)

	// Metric snapshots go to the log on an interval; exposition beyond
	// that is a deployment concern.
	if !cfg.DisableMetrics {
		go logMetrics(ctx, logger, shards, metricsInterval)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	group.Stop()
	for _, s := range shards {
		if s.auditManager != nil {
			s.auditManager.Stop()
		}
		if s.auditSink != nil {
			s.auditSink.Close()
		}
	}
	return nil
}

// shardState bundles one shard's server with its audit queue and the
// metric registry the server reported into.
type shardState struct {
	server       *rpc.Server
	registry     *metrics.Registry
	auditManager *audit.Manager
	auditSink    *os.File
}

func (s *shardState) Start() error { return s.server.Start() }
func (s *shardState) Stop() error  { return s.server.Stop() }

// buildShards constructs every shard's server, registry, audit queue,
// and demo services.
func buildShards(cfg *config.Config, shardCount int, logger *slog.Logger) ([]*shardState, error) {
	var credentials *rpc.Credentials
	if cfg.TLS.Enabled() {
		credentials = &rpc.Credentials{
			CertFile:     cfg.TLS.CertFile,
			KeyFile:      cfg.TLS.KeyFile,
			ClientCAFile: cfg.TLS.ClientCAFile,
		}
	}

	shards := make([]*shardState, 0, shardCount)
	for shardID := 0; shardID < shardCount; shardID++ {
		state := &shardState{}
		shardLogger := logger.With("shard", shardID)

		if !cfg.DisableMetrics {
			state.registry = metrics.NewRegistry()
		}

		if cfg.Audit.Enabled {
			manager, sink, err := buildAudit(cfg, shardID, shardLogger)
			if err != nil {
				return nil, err
			}
			state.auditManager = manager
			state.auditSink = sink
		}

		server, err := rpc.New(rpc.Config{
			Addrs:                   cfg.Listen.Addrs,
			Credentials:             credentials,
			MaxServiceMemoryPerCore: cfg.MaxServiceMemoryPerCore,
			DisableMetrics:          cfg.DisableMetrics,
			ReusePort:               shardCount > 1,
			Metrics:                 state.registry,
			Logger:                  shardLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("building shard %d: %w", shardID, err)
		}

		server.Register(rpc.MethodMap{echoMethodID: echoMethod})
		server.Register(newKVService(state.auditManager).methods())

		state.server = server
		shards = append(shards, state)
	}
	return shards, nil
}

// buildAudit opens one shard's audit sink and queue.
func buildAudit(cfg *config.Config, shardID int, logger *slog.Logger) (*audit.Manager, *os.File, error) {
	interval, err := cfg.AuditDrainInterval()
	if err != nil {
		return nil, nil, err
	}

	path := fmt.Sprintf("%s.%d", cfg.Audit.Path, shardID)
	sink, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log for shard %d: %w", shardID, err)
	}

	enabledTypes := make([]audit.EventType, 0, len(cfg.Audit.EnabledTypes))
	for _, name := range cfg.Audit.EnabledTypes {
		enabledTypes = append(enabledTypes, audit.EventType(name))
	}

	manager, err := audit.NewManager(audit.Config{
		MaxBufferBytesPerShard: cfg.Audit.MaxBufferBytesPerShard,
		DrainInterval:          interval,
		EnabledTypes:           enabledTypes,
		Sink:                   sink,
		Logger:                 logger,
	})
	if err != nil {
		sink.Close()
		return nil, nil, err
	}
	manager.SetEnabled(true)
	return manager, sink, nil
}

// logMetrics writes every shard's snapshot to the log on an interval.
func logMetrics(ctx context.Context, logger *slog.Logger, shards []*shardState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for shardID, s := range shards {
				if s.registry == nil {
					continue
				}
				snapshot := s.registry.Snapshot()
				attrs := make([]any, 0, 2*len(snapshot.Gauges)+2)
				attrs = append(attrs, "shard", shardID)
				for _, gauge := range snapshot.Gauges {
					attrs = append(attrs, gauge.Name, gauge.Value)
				}
				logger.Info("metrics", attrs...)
			}
		}
	}
}
