// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bufio"
	"testing"
)

func namedMethod(name string, record *[]string) Method {
	return func(input *bufio.Reader, sctx *StreamingContext) (*Reply, error) {
		*record = append(*record, name)
		return NewReply(nil), nil
	}
}

func TestRegistryLookupOrder(t *testing.T) {
	server, err := New(Config{MaxServiceMemoryPerCore: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var calls []string
	server.Register(MethodMap{1: namedMethod("first-1", &calls)})
	server.Register(MethodMap{
		1: namedMethod("second-1", &calls),
		2: namedMethod("second-2", &calls),
	})

	// Duplicate id 1: the earliest registered service wins.
	if m := server.methodFromID(1); m == nil {
		t.Fatal("method 1 not found")
	} else {
		m(nil, nil)
	}
	// Id 2 is only claimed by the second service.
	if m := server.methodFromID(2); m == nil {
		t.Fatal("method 2 not found")
	} else {
		m(nil, nil)
	}
	// Unclaimed id.
	if m := server.methodFromID(99); m != nil {
		t.Error("method 99 should be nil")
	}

	if len(calls) != 2 || calls[0] != "first-1" || calls[1] != "second-2" {
		t.Errorf("lookup resolution = %v, want [first-1 second-2]", calls)
	}
}

func TestRegisterAfterStartPanics(t *testing.T) {
	server, err := New(Config{MaxServiceMemoryPerCore: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer server.Stop()

	defer func() {
		if recover() == nil {
			t.Error("Register after Start did not panic")
		}
	}()
	server.Register(MethodMap{})
}
