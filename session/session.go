// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package session converts a paired identity into a time-bounded,
// revocable authorization context.
//
// A session is minted against a trusted client's credential and lives
// for a fixed TTL (default five minutes) — renewable only by explicit
// re-start, never silently extended by activity, which bounds the
// blast radius of a stolen token. The wire token is an Ed25519-signed
// CBOR payload; early termination (explicit end, kill switch) feeds
// the token blacklist so a signed-but-revoked token dies before its
// natural expiry.
//
// The kill switch lives here too: it revokes sessions by scope
// (session, client, all), cancels their in-flight work through the
// per-session context, and audits one entry per revoked session — or a
// recorded no-op when nothing matched.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/secret"
)

// State is the lifecycle state of a session.
type State string

const (
	StateActive  State = "active"
	StateExpired State = "expired" // natural expiry or explicit end
	StateRevoked State = "revoked" // kill switch or client revocation
)

// Session is one active authorization context. Fields are guarded by
// the manager; callers treat a Session as read-only and use manager
// methods for transitions.
type Session struct {
	SessionID string
	ClientID  string
	TokenID   string
	CreatedAt time.Time
	ExpiresAt time.Time

	mu           sync.Mutex
	currentLevel authorization.Level
	maxLevel     authorization.Level
	state        State

	// secret derives the out-of-band auth code and confirm token.
	// Held in guarded memory; zeroed when the session leaves the
	// active state.
	secret *secret.Buffer

	// ctx is cancelled when the session leaves the active state.
	// The executor runs this session's driver calls under it.
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the session-scoped context. It is cancelled the
// moment the session is ended, expires, or is revoked.
func (s *Session) Context() context.Context {
	return s.ctx
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active reports whether the session is still active.
func (s *Session) Active() bool {
	return s.State() == StateActive
}

// CurrentLevel returns the session's present authorization level: L1
// at start, L2 after auth-code elevation.
func (s *Session) CurrentLevel() authorization.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLevel
}

// MaxLevel returns the client ceiling baked in at pairing.
func (s *Session) MaxLevel() authorization.Level {
	return s.maxLevel
}

// close transitions the session out of active exactly once: state set,
// context cancelled, secret zeroed. Callers hold no session lock.
func (s *Session) close(to State) bool {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false
	}
	s.state = to
	sec := s.secret
	s.secret = nil
	s.mu.Unlock()

	s.cancel()
	if sec != nil {
		sec.Close()
	}
	return true
}
