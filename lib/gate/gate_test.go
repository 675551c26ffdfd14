// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package gate

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpawnRunsTask(t *testing.T) {
	g := New()
	done := make(chan struct{})

	if err := g.Spawn(func() { close(done) }); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("spawned task never ran")
	}
	g.Close()
}

func TestCloseWaitsForTasks(t *testing.T) {
	g := New()
	release := make(chan struct{})
	var finished atomic.Bool

	if err := g.Spawn(func() {
		<-release
		finished.Store(true)
	}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned after the task finished")
	}
	if !finished.Load() {
		t.Error("Close returned before the task body completed")
	}
}

func TestSpawnAfterClose(t *testing.T) {
	g := New()
	g.Close()

	err := g.Spawn(func() { t.Error("task ran after Close") })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Spawn after Close = %v, want ErrClosed", err)
	}
	if !g.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
}

func TestEnterLeave(t *testing.T) {
	g := New()
	if err := g.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned with an entered task outstanding")
	case <-time.After(50 * time.Millisecond):
	}

	g.Leave()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned after Leave")
	}
}

func TestCloseIdempotent(t *testing.T) {
	g := New()
	g.Close()
	g.Close()
}
