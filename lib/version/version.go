// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries the build version stamped into binaries and
// the --version output format shared by all commands.
package version

import (
	"fmt"
	"runtime"
)

// Version is the build version. Overridden at link time:
//
//	go build -ldflags "-X github.com/coracle-net/coracle/lib/version.Version=v0.4.1"
var Version = "devel"

// Print writes the standard version line for a binary to stdout.
func Print(binary string) {
	fmt.Printf("%s %s (%s %s/%s)\n", binary, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
