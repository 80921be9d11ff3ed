// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/sqlitepool"
)

func openTestLog(t *testing.T, path string, clk clock.Clock) *Log {
	t.Helper()
	log, err := Open(Config{
		Path:   path,
		Clock:  clk,
		Logger: slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndVerify(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), fake)

	first, err := log.Append(ctx, "c-1", "session.started", "allowed")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.EntryID != 1 {
		t.Errorf("first EntryID = %d, want 1", first.EntryID)
	}
	if first.PriorEntryHash != Genesis() {
		t.Error("first entry does not chain to genesis")
	}

	second, err := log.Append(ctx, "c-1", "command.succeeded", "succeeded")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	wantPrior, err := HashEntry(first)
	if err != nil {
		t.Fatalf("HashEntry: %v", err)
	}
	if second.PriorEntryHash != wantPrior {
		t.Error("second entry does not chain to first")
	}

	verified, err := log.VerifyChain(ctx)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if verified != 2 {
		t.Errorf("verified %d entries, want 2", verified)
	}
}

func TestChainResumesAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	log, err := Open(Config{Path: path, Clock: fake})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := log.Append(ctx, "c-1", "pairing.approved", "allowed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := openTestLog(t, path, fake)
	entry, err := reopened.Append(ctx, "c-1", "session.started", "allowed")
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if entry.EntryID != 2 {
		t.Errorf("EntryID after reopen = %d, want 2", entry.EntryID)
	}
	if verified, err := reopened.VerifyChain(ctx); err != nil || verified != 2 {
		t.Fatalf("VerifyChain after reopen = %d, %v; want 2, nil", verified, err)
	}
}

func TestVerifyDetectsTruncation(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := openTestLog(t, path, fake)

	for range 5 {
		if _, err := log.Append(ctx, "c-1", "command.succeeded", "succeeded"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Truncate the last two entries out from under the log.
	tamper(t, path, `DELETE FROM audit_entries WHERE entry_id > 3`)

	_, err := log.VerifyChain(ctx)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain after truncation: got %v, want ErrChainBroken", err)
	}
}

func TestVerifyDetectsEditedEntry(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := openTestLog(t, path, fake)

	for range 3 {
		if _, err := log.Append(ctx, "c-1", "command.succeeded", "succeeded"); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Rewrite history: flip an outcome in the middle of the chain.
	tamper(t, path, `UPDATE audit_entries SET outcome = 'denied' WHERE entry_id = 2`)

	_, err := log.VerifyChain(ctx)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("VerifyChain after edit: got %v, want ErrChainBroken", err)
	}
}

func TestVerifyDuringConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), fake)

	if _, err := log.Append(ctx, "c-1", "session.started", "allowed"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// One writer appends continuously while verification runs in a
	// loop. An untampered log must verify cleanly no matter how the
	// scan interleaves with commits.
	stop := make(chan struct{})
	appendErr := make(chan error, 1)
	go func() {
		defer close(appendErr)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := log.Append(ctx, "c-1", "command.succeeded", "succeeded"); err != nil {
				appendErr <- err
				return
			}
		}
	}()

	for range 100 {
		if _, err := log.VerifyChain(ctx); err != nil {
			close(stop)
			t.Fatalf("VerifyChain on untampered log: %v", err)
		}
	}
	close(stop)
	if err, ok := <-appendErr; ok && err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestQueryByActorAndRange(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fake := clock.Fake(start)
	log := openTestLog(t, filepath.Join(t.TempDir(), "audit.db"), fake)

	if _, err := log.Append(ctx, "c-1", "session.started", "allowed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fake.Advance(time.Minute)
	if _, err := log.Append(ctx, "c-2", "session.started", "allowed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	fake.Advance(time.Minute)
	if _, err := log.Append(ctx, ActorSystem, "killswitch.all", "noop"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	byActor, err := log.QueryActor(ctx, "c-1")
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	if len(byActor) != 1 || byActor[0].Actor != "c-1" {
		t.Fatalf("QueryActor returned %d entries, want 1 for c-1", len(byActor))
	}

	// Half-open range: includes the second entry, excludes the third.
	byRange, err := log.QueryRange(ctx, start.Add(30*time.Second), start.Add(90*time.Second))
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(byRange) != 1 || byRange[0].Actor != "c-2" {
		t.Fatalf("QueryRange returned %d entries, want 1 for c-2", len(byRange))
	}
}

// tamper opens the database out-of-band and runs one statement against
// it, simulating an attacker editing the file directly.
func tamper(t *testing.T, path, statement string) {
	t.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, PoolSize: 1})
	if err != nil {
		t.Fatalf("opening database for tampering: %v", err)
	}
	defer pool.Close()

	conn, err := pool.Take(context.Background())
	if err != nil {
		t.Fatalf("taking connection: %v", err)
	}
	defer pool.Put(conn)

	if err := sqlitex.Execute(conn, statement, nil); err != nil {
		t.Fatalf("tampering: %v", err)
	}
}
