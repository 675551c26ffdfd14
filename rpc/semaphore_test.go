// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coracle-net/coracle/lib/testutil"
)

func TestSemaphoreFastPath(t *testing.T) {
	s := NewSemaphore(100)

	units, err := s.Acquire(context.Background(), 60)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := s.Current(); got != 40 {
		t.Errorf("Current = %d, want 40", got)
	}
	if got := units.Count(); got != 60 {
		t.Errorf("Count = %d, want 60", got)
	}

	units.Release()
	if got := s.Current(); got != 100 {
		t.Errorf("Current after release = %d, want 100", got)
	}
}

func TestSemaphoreReleaseIdempotent(t *testing.T) {
	s := NewSemaphore(10)
	units, err := s.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	units.Release()
	units.Release()
	if got := s.Current(); got != 10 {
		t.Errorf("Current after double release = %d, want 10", got)
	}

	var nilUnits *Units
	nilUnits.Release()
}

func TestSemaphoreBlocksAndWakes(t *testing.T) {
	s := NewSemaphore(1000)
	waited := make(chan struct{}, 1)
	s.OnWait = func() { waited <- struct{}{} }

	held, err := s.Acquire(context.Background(), 900)
	if err != nil {
		t.Fatalf("Acquire 900: %v", err)
	}

	acquired := make(chan *Units, 1)
	go func() {
		units, err := s.Acquire(context.Background(), 200)
		if err != nil {
			t.Errorf("Acquire 200: %v", err)
			return
		}
		acquired <- units
	}()

	testutil.RequireReceive(t, waited, 5*time.Second, "second acquisition should block")
	if got := s.Waiters(); got != 1 {
		t.Errorf("Waiters = %d, want 1", got)
	}

	select {
	case <-acquired:
		t.Fatal("second acquisition completed while units were held")
	case <-time.After(50 * time.Millisecond):
	}

	held.Release()
	units := testutil.RequireReceive(t, acquired, 5*time.Second, "waiter should wake after release")
	if got := s.Current(); got != 800 {
		t.Errorf("Current = %d, want 800", got)
	}
	units.Release()
}

func TestSemaphoreFIFO(t *testing.T) {
	s := NewSemaphore(10)
	held, err := s.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	order := make(chan int, 2)
	ready := make(chan struct{}, 2)
	s.OnWait = func() { ready <- struct{}{} }

	acquireInOrder := func(id int) {
		units, err := s.Acquire(context.Background(), 10)
		if err != nil {
			t.Errorf("Acquire %d: %v", id, err)
			return
		}
		order <- id
		units.Release()
	}

	go acquireInOrder(1)
	testutil.RequireReceive(t, ready, 5*time.Second, "first waiter enqueued")
	go acquireInOrder(2)
	testutil.RequireReceive(t, ready, 5*time.Second, "second waiter enqueued")

	held.Release()

	first := testutil.RequireReceive(t, order, 5*time.Second, "first grant")
	second := testutil.RequireReceive(t, order, 5*time.Second, "second grant")
	if first != 1 || second != 2 {
		t.Errorf("grant order = %d, %d; want 1, 2", first, second)
	}
}

func TestSemaphoreAcquireCancelled(t *testing.T) {
	s := NewSemaphore(10)
	held, err := s.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	blocked := make(chan struct{}, 1)
	s.OnWait = func() { blocked <- struct{}{} }
	go func() {
		_, err := s.Acquire(ctx, 5)
		result <- err
	}()

	testutil.RequireReceive(t, blocked, 5*time.Second, "acquisition should block")
	cancel()

	err = testutil.RequireReceive(t, result, 5*time.Second, "cancelled acquisition should return")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire error = %v, want context.Canceled", err)
	}

	// The cancelled waiter must not absorb units.
	held.Release()
	if got := s.Current(); got != 10 {
		t.Errorf("Current = %d, want 10 (cancelled waiter consumed units)", got)
	}
	if got := s.Waiters(); got != 0 {
		t.Errorf("Waiters = %d, want 0", got)
	}
}
