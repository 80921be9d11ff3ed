// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/sqlitepool"
)

// ErrChainBroken is wrapped by VerifyChain when recomputed hashes stop
// matching the stored chain.
var ErrChainBroken = errors.New("audit: hash chain broken")

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	entry_id   INTEGER PRIMARY KEY,
	timestamp  INTEGER NOT NULL,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	outcome    TEXT NOT NULL,
	prior_hash BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_actor ON audit_entries (actor, timestamp);
CREATE INDEX IF NOT EXISTS audit_entries_timestamp ON audit_entries (timestamp);
`

// Config holds the parameters for opening an audit log.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// parent directory must exist.
	Path string

	// PoolSize is the number of connections in the pool. Defaults to
	// 2 if zero or negative: one writer, one verifier/reader.
	PoolSize int

	// Clock provides entry timestamps.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Log is the append-only audit log. A single Log owns the chain head;
// appends are serialized internally so concurrent writers cannot fork
// the chain.
type Log struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// appendMu serializes appends: the chain head (lastID, lastHash)
	// and the database insert must advance together.
	appendMu sync.Mutex
	lastID   int64
	lastHash Hash
}

// Open opens (creating if necessary) the audit log at cfg.Path and
// resumes the hash chain from the last persisted entry.
func Open(cfg Config) (*Log, error) {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 2
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: poolSize,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: opening database: %w", err)
	}

	log := &Log{
		pool:     pool,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		lastHash: Genesis(),
	}
	if err := log.initialize(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) initialize(ctx context.Context) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("audit: acquiring connection: %w", err)
	}
	defer l.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("audit: creating schema: %w", err)
	}

	// Resume the chain: the head hash is the digest of the last
	// entry, recomputed from its stored row.
	var last *Entry
	err = sqlitex.Execute(conn,
		`SELECT entry_id, timestamp, actor, action, outcome, prior_hash
		 FROM audit_entries ORDER BY entry_id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				last = scanEntry(stmt)
				return nil
			},
		})
	if err != nil {
		return fmt.Errorf("audit: loading chain head: %w", err)
	}
	if last != nil {
		digest, err := HashEntry(last)
		if err != nil {
			return fmt.Errorf("audit: hashing chain head: %w", err)
		}
		l.lastID = last.EntryID
		l.lastHash = digest
		l.logger.Debug("audit chain resumed", "entries", last.EntryID)
	}
	return nil
}

// Close releases the underlying database pool.
func (l *Log) Close() error {
	return l.pool.Close()
}

// Append records one entry and returns it with its assigned ID,
// timestamp, and chain hash filled in. The append either fully
// succeeds or is entirely absent.
func (l *Log) Append(ctx context.Context, actor, action, outcome string) (*Entry, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	entry := &Entry{
		EntryID:        l.lastID + 1,
		Timestamp:      l.clock.Now().UnixMilli(),
		Actor:          actor,
		Action:         action,
		Outcome:        outcome,
		PriorEntryHash: l.lastHash,
	}

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: acquiring connection: %w", err)
	}
	defer l.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO audit_entries (entry_id, timestamp, actor, action, outcome, prior_hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				entry.EntryID, entry.Timestamp, entry.Actor,
				entry.Action, entry.Outcome, entry.PriorEntryHash[:],
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: appending entry: %w", err)
	}

	digest, err := HashEntry(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: hashing entry: %w", err)
	}
	l.lastID = entry.EntryID
	l.lastHash = digest

	return entry, nil
}

// VerifyChain recomputes every prior_entry_hash from the genesis
// digest and returns the number of verified entries. On a break it
// returns an error wrapping ErrChainBroken naming the first entry
// whose stored prior hash does not match the recomputed chain.
func (l *Log) VerifyChain(ctx context.Context) (int64, error) {
	// Capture the head before scanning. Appends can commit while the
	// scan runs; rows past the captured head belong to a newer chain
	// state than the one being checked and must not count as
	// truncation evidence.
	l.appendMu.Lock()
	headID := l.lastID
	headHash := l.lastHash
	l.appendMu.Unlock()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: acquiring connection: %w", err)
	}
	defer l.pool.Put(conn)

	expected := Genesis()
	expectedID := int64(1)
	var verified int64
	var breakErr error

	err = sqlitex.Execute(conn,
		`SELECT entry_id, timestamp, actor, action, outcome, prior_hash
		 FROM audit_entries WHERE entry_id <= ? ORDER BY entry_id ASC`,
		&sqlitex.ExecOptions{
			Args: []any{headID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				if breakErr != nil {
					return nil
				}
				entry := scanEntry(stmt)
				if entry.EntryID != expectedID {
					breakErr = fmt.Errorf("%w: entry %d missing (found %d)",
						ErrChainBroken, expectedID, entry.EntryID)
					return nil
				}
				if entry.PriorEntryHash != expected {
					breakErr = fmt.Errorf("%w: entry %d prior hash mismatch",
						ErrChainBroken, entry.EntryID)
					return nil
				}
				digest, err := HashEntry(entry)
				if err != nil {
					return err
				}
				expected = digest
				expectedID = entry.EntryID + 1
				verified++
				return nil
			},
		})
	if err != nil {
		return verified, fmt.Errorf("audit: verifying chain: %w", err)
	}
	if breakErr != nil {
		return verified, breakErr
	}

	// The captured head must match what the table holds up to it;
	// otherwise rows were truncated or edited after being written.
	if verified != headID {
		return verified, fmt.Errorf("%w: table has %d entries, chain head is %d (truncated)",
			ErrChainBroken, verified, headID)
	}
	if expected != headHash {
		return verified, fmt.Errorf("%w: entry %d was rewritten in place", ErrChainBroken, headID)
	}
	return verified, nil
}

// QueryRange returns entries with from <= timestamp < to, in append
// order.
func (l *Log) QueryRange(ctx context.Context, from, to time.Time) ([]*Entry, error) {
	return l.query(ctx,
		`SELECT entry_id, timestamp, actor, action, outcome, prior_hash
		 FROM audit_entries WHERE timestamp >= ? AND timestamp < ?
		 ORDER BY entry_id ASC`,
		from.UnixMilli(), to.UnixMilli())
}

// QueryActor returns all entries recorded for one actor, in append
// order.
func (l *Log) QueryActor(ctx context.Context, actor string) ([]*Entry, error) {
	return l.query(ctx,
		`SELECT entry_id, timestamp, actor, action, outcome, prior_hash
		 FROM audit_entries WHERE actor = ? ORDER BY entry_id ASC`,
		actor)
}

func (l *Log) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: acquiring connection: %w", err)
	}
	defer l.pool.Put(conn)

	var entries []*Entry
	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, scanEntry(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audit: querying entries: %w", err)
	}
	return entries, nil
}

func scanEntry(stmt *sqlite.Stmt) *Entry {
	entry := &Entry{
		EntryID:   stmt.ColumnInt64(0),
		Timestamp: stmt.ColumnInt64(1),
		Actor:     stmt.ColumnText(2),
		Action:    stmt.ColumnText(3),
		Outcome:   stmt.ColumnText(4),
	}
	stmt.ColumnBytes(5, entry.PriorEntryHash[:])
	return entry
}
