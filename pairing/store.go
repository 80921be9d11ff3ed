// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/sqlitepool"
)

// Store errors.
var (
	ErrRequestNotFound = errors.New("pairing: request not found")
	ErrClientNotFound  = errors.New("pairing: client not found")
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS pairing_requests (
	request_id    TEXT PRIMARY KEY,
	public_key    BLOB NOT NULL,
	bundle_key    TEXT NOT NULL,
	display_name  TEXT NOT NULL,
	challenge     BLOB NOT NULL,
	created_at    INTEGER NOT NULL,
	expires_at    INTEGER NOT NULL,
	status        TEXT NOT NULL,
	client_id     TEXT NOT NULL DEFAULT '',
	sealed_bundle TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS pairing_requests_status ON pairing_requests (status);

CREATE TABLE IF NOT EXISTS trusted_clients (
	client_id       TEXT PRIMARY KEY,
	public_key      BLOB NOT NULL,
	display_name    TEXT NOT NULL,
	bundle_key      TEXT NOT NULL,
	paired_at       INTEGER NOT NULL,
	max_level       INTEGER NOT NULL,
	credential_hash BLOB NOT NULL,
	revoked_at      INTEGER NOT NULL DEFAULT 0
);
`

// StoreConfig holds the parameters for opening the trust store.
type StoreConfig struct {
	// Path is the SQLite database file. The parent directory must
	// exist.
	Path string

	// PoolSize defaults to 2.
	PoolSize int

	// Logger receives operational messages.
	Logger *slog.Logger
}

// Store persists pairing requests and trusted clients.
type Store struct {
	pool *sqlitepool.Pool
}

// OpenStore opens (creating if necessary) the trust store.
func OpenStore(cfg StoreConfig) (*Store, error) {
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
		return nil, fmt.Errorf("pairing: opening trust store: %w", err)
	}

	conn, err := pool.Take(context.Background())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pairing: acquiring connection: %w", err)
	}
	schemaErr := sqlitex.ExecuteScript(conn, storeSchema, nil)
	pool.Put(conn)
	if schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("pairing: creating schema: %w", schemaErr)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) insertRequest(ctx context.Context, req *Request) error {
	return s.exec(ctx,
		`INSERT INTO pairing_requests
		 (request_id, public_key, bundle_key, display_name, challenge, created_at, expires_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, []byte(req.PublicKey), req.BundleKey, req.DisplayName,
		req.Challenge, req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli(), string(req.Status))
}

func (s *Store) request(ctx context.Context, requestID string) (*Request, error) {
	var req *Request
	err := s.query(ctx,
		`SELECT request_id, public_key, bundle_key, display_name, challenge,
		        created_at, expires_at, status, client_id, sealed_bundle
		 FROM pairing_requests WHERE request_id = ?`,
		func(stmt *sqlite.Stmt) error {
			req = scanRequest(stmt)
			return nil
		}, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// pendingByKey finds the pending request for a requester public key,
// or nil.
func (s *Store) pendingByKey(ctx context.Context, publicKey ed25519.PublicKey) (*Request, error) {
	var req *Request
	err := s.query(ctx,
		`SELECT request_id, public_key, bundle_key, display_name, challenge,
		        created_at, expires_at, status, client_id, sealed_bundle
		 FROM pairing_requests WHERE status = 'pending' AND public_key = ?`,
		func(stmt *sqlite.Stmt) error {
			req = scanRequest(stmt)
			return nil
		}, []byte(publicKey))
	return req, err
}

// pendingRequests lists requests awaiting a decision, oldest first.
func (s *Store) pendingRequests(ctx context.Context) ([]*Request, error) {
	var requests []*Request
	err := s.query(ctx,
		`SELECT request_id, public_key, bundle_key, display_name, challenge,
		        created_at, expires_at, status, client_id, sealed_bundle
		 FROM pairing_requests WHERE status = 'pending' ORDER BY created_at ASC`,
		func(stmt *sqlite.Stmt) error {
			requests = append(requests, scanRequest(stmt))
			return nil
		})
	return requests, err
}

func (s *Store) setRequestStatus(ctx context.Context, requestID string, status Status) error {
	return s.exec(ctx,
		`UPDATE pairing_requests SET status = ? WHERE request_id = ?`,
		string(status), requestID)
}

// markApproved transitions a request to approved and records the
// client it produced plus the sealed bundle awaiting confirmation.
func (s *Store) markApproved(ctx context.Context, requestID, clientID, sealedBundle string) error {
	return s.exec(ctx,
		`UPDATE pairing_requests SET status = 'approved', client_id = ?, sealed_bundle = ?
		 WHERE request_id = ?`,
		clientID, sealedBundle, requestID)
}

// deleteRequest removes a consumed request. Confirmation consumes the
// challenge; a deleted request can never be confirmed again.
func (s *Store) deleteRequest(ctx context.Context, requestID string) error {
	return s.exec(ctx, `DELETE FROM pairing_requests WHERE request_id = ?`, requestID)
}

// expirePending marks pending requests whose expiry has passed.
// Returns how many were expired.
func (s *Store) expirePending(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("pairing: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE pairing_requests SET status = 'expired'
		 WHERE status = 'pending' AND expires_at <= ?`,
		&sqlitex.ExecOptions{Args: []any{now.UnixMilli()}})
	if err != nil {
		return 0, fmt.Errorf("pairing: expiring requests: %w", err)
	}
	return conn.Changes(), nil
}

func (s *Store) insertClient(ctx context.Context, client *TrustedClient, credentialHash []byte) error {
	return s.exec(ctx,
		`INSERT INTO trusted_clients
		 (client_id, public_key, display_name, bundle_key, paired_at, max_level, credential_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		client.ClientID, []byte(client.PublicKey), client.DisplayName, client.BundleKey,
		client.PairedAt.UnixMilli(), int64(client.MaxAuthorizedLevel), credentialHash)
}

// Client loads a trusted client by ID.
func (s *Store) Client(ctx context.Context, clientID string) (*TrustedClient, error) {
	var client *TrustedClient
	err := s.query(ctx,
		`SELECT client_id, public_key, display_name, bundle_key, paired_at, max_level, revoked_at
		 FROM trusted_clients WHERE client_id = ?`,
		func(stmt *sqlite.Stmt) error {
			client = scanClient(stmt)
			return nil
		}, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, ErrClientNotFound
	}
	return client, nil
}

// Clients lists all trusted clients, including revoked ones.
func (s *Store) Clients(ctx context.Context) ([]*TrustedClient, error) {
	var clients []*TrustedClient
	err := s.query(ctx,
		`SELECT client_id, public_key, display_name, bundle_key, paired_at, max_level, revoked_at
		 FROM trusted_clients ORDER BY paired_at ASC`,
		func(stmt *sqlite.Stmt) error {
			clients = append(clients, scanClient(stmt))
			return nil
		})
	return clients, err
}

// credentialHash loads the stored credential hash for a client.
func (s *Store) credentialHash(ctx context.Context, clientID string) ([]byte, error) {
	var hash []byte
	err := s.query(ctx,
		`SELECT credential_hash FROM trusted_clients WHERE client_id = ?`,
		func(stmt *sqlite.Stmt) error {
			hash = make([]byte, stmt.ColumnLen(0))
			stmt.ColumnBytes(0, hash)
			return nil
		}, clientID)
	if err != nil {
		return nil, err
	}
	if hash == nil {
		return nil, ErrClientNotFound
	}
	return hash, nil
}

// revokeClient stamps revoked_at. Idempotent: re-revoking keeps the
// original timestamp.
func (s *Store) revokeClient(ctx context.Context, clientID string, now time.Time) error {
	return s.exec(ctx,
		`UPDATE trusted_clients SET revoked_at = ? WHERE client_id = ? AND revoked_at = 0`,
		now.UnixMilli(), clientID)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("pairing: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{Args: args}); err != nil {
		return fmt.Errorf("pairing: executing statement: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, sql string, result func(*sqlite.Stmt) error, args ...any) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("pairing: acquiring connection: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, sql, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: result,
	})
	if err != nil {
		return fmt.Errorf("pairing: querying: %w", err)
	}
	return nil
}

func scanRequest(stmt *sqlite.Stmt) *Request {
	publicKey := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, publicKey)
	challenge := make([]byte, stmt.ColumnLen(4))
	stmt.ColumnBytes(4, challenge)

	return &Request{
		RequestID:    stmt.ColumnText(0),
		PublicKey:    ed25519.PublicKey(publicKey),
		BundleKey:    stmt.ColumnText(2),
		DisplayName:  stmt.ColumnText(3),
		Challenge:    challenge,
		CreatedAt:    time.UnixMilli(stmt.ColumnInt64(5)),
		ExpiresAt:    time.UnixMilli(stmt.ColumnInt64(6)),
		Status:       Status(stmt.ColumnText(7)),
		ClientID:     stmt.ColumnText(8),
		SealedBundle: stmt.ColumnText(9),
	}
}

func scanClient(stmt *sqlite.Stmt) *TrustedClient {
	publicKey := make([]byte, stmt.ColumnLen(1))
	stmt.ColumnBytes(1, publicKey)

	client := &TrustedClient{
		ClientID:           stmt.ColumnText(0),
		PublicKey:          ed25519.PublicKey(publicKey),
		DisplayName:        stmt.ColumnText(2),
		BundleKey:          stmt.ColumnText(3),
		PairedAt:           time.UnixMilli(stmt.ColumnInt64(4)),
		MaxAuthorizedLevel: authorization.Level(stmt.ColumnInt64(5)),
	}
	if revokedAt := stmt.ColumnInt64(6); revokedAt != 0 {
		client.RevokedAt = time.UnixMilli(revokedAt)
	}
	return client
}
