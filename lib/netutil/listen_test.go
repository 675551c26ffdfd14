// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestListenReuseAddress(t *testing.T) {
	listener, err := Listen("127.0.0.1:0", ListenOptions{ReuseAddress: true})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	listener.Close()
}

func TestListenReusePortSharesAddress(t *testing.T) {
	first, err := Listen("127.0.0.1:0", ListenOptions{ReuseAddress: true, ReusePort: true})
	if err != nil {
		t.Fatalf("Listen first: %v", err)
	}
	defer first.Close()

	// A second listener on the exact same address must succeed when
	// both set SO_REUSEPORT.
	second, err := Listen(first.Addr().String(), ListenOptions{ReuseAddress: true, ReusePort: true})
	if err != nil {
		t.Fatalf("Listen second on %s: %v", first.Addr(), err)
	}
	second.Close()
}

func TestListenWithoutReusePortConflicts(t *testing.T) {
	first, err := Listen("127.0.0.1:0", ListenOptions{ReuseAddress: true})
	if err != nil {
		t.Fatalf("Listen first: %v", err)
	}
	defer first.Close()

	second, err := Listen(first.Addr().String(), ListenOptions{ReuseAddress: true})
	if err == nil {
		second.Close()
		t.Fatal("second bind on an active address succeeded without SO_REUSEPORT")
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"net closed", net.ErrClosed, true},
		{"wrapped net closed", &net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{"econnreset", syscall.ECONNRESET, true},
		{"epipe", syscall.EPIPE, true},
		{"econnrefused", syscall.ECONNREFUSED, false},
		{"other", errors.New("boom"), false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
