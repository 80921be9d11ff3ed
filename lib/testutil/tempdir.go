// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"
)

// SocketDir creates a temporary directory suitable for Unix domain
// sockets. sun_path is limited to 108 bytes, and t.TempDir() paths
// under some runners exceed that, so this creates a short-named
// directory directly in /tmp. Removed automatically when the test
// completes.
func SocketDir(t *testing.T) string {
	t.Helper()
	directory, err := os.MkdirTemp("/tmp", "lily-test-*")
	if err != nil {
		t.Fatalf("creating socket directory: %v", err)
	}
	t.Cleanup(func() {
		_ = os.RemoveAll(directory)
	})
	return directory
}

var uniqueCounter atomic.Uint64

// UniqueID returns "prefix-N" with N monotonically increasing across
// the test binary. Use instead of time.Now() when tests need
// distinguishable request or command identifiers.
func UniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, uniqueCounter.Add(1))
}
