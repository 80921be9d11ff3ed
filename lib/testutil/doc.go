// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Lily Remote
// packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate
// the timeout safety valve pattern (select with a time.After
// fallback) so individual tests never hang when a channel send or
// receive goes wrong. These are the only places in the test suite
// where real wall-clock timeouts appear; everything else runs on
// clock.Fake.
//
// [SocketDir] creates a short-pathed temporary directory for Unix
// domain sockets, which carry a 108-byte path limit that deeply
// nested t.TempDir() paths can exceed.
//
// [UniqueID] generates monotonically increasing identifiers for test
// disambiguation.
//
// All helpers call t.Fatalf on failure; test setup failures are not
// recoverable.
package testutil
