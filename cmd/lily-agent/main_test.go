// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Bazza1982/lily-remote/audit"
)

func TestRecordRestartVoidsPriorWork(t *testing.T) {
	ctx := context.Background()
	log, err := audit.Open(audit.Config{Path: filepath.Join(t.TempDir(), "audit.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	// First boot: nothing to void, no entry.
	if err := recordRestart(ctx, log, 0); err != nil {
		t.Fatalf("recordRestart on fresh log: %v", err)
	}
	entries, err := log.QueryActor(ctx, audit.ActorSystem)
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh boot recorded %d system entries, want 0", len(entries))
	}

	// A command was executing when the previous run ended.
	if _, err := log.Append(ctx, "c-1", "command.executing", "allowed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := recordRestart(ctx, log, 1); err != nil {
		t.Fatalf("recordRestart: %v", err)
	}

	entries, err = log.QueryActor(ctx, audit.ActorSystem)
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "agent.restarted" {
		t.Fatalf("system entries = %+v, want one agent.restarted", entries)
	}
	if verified, err := log.VerifyChain(ctx); err != nil || verified != 2 {
		t.Fatalf("VerifyChain = %d, %v; want 2, nil", verified, err)
	}
}
