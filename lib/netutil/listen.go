// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenOptions selects socket options applied before bind.
type ListenOptions struct {
	// ReuseAddress sets SO_REUSEADDR so a restarted server can rebind
	// an address still carrying sockets in TIME_WAIT.
	ReuseAddress bool

	// ReusePort sets SO_REUSEPORT so several listeners — one per
	// shard — can bind the same address and have the kernel spread
	// accepted connections across them.
	ReusePort bool
}

// Listen opens a TCP listener on address with the requested socket
// options applied before bind.
func Listen(address string, options ListenOptions) (net.Listener, error) {
	configuration := net.ListenConfig{
		Control: func(network, address string, raw syscall.RawConn) error {
			var optionErr error
			controlErr := raw.Control(func(fd uintptr) {
				if options.ReuseAddress {
					optionErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
					if optionErr != nil {
						return
					}
				}
				if options.ReusePort {
					optionErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if controlErr != nil {
				return controlErr
			}
			if optionErr != nil {
				return fmt.Errorf("setting socket options: %w", optionErr)
			}
			return nil
		},
	}
	return configuration.Listen(context.Background(), "tcp", address)
}
