// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/secret"
	"github.com/Bazza1982/lily-remote/lib/sessiontoken"
	"github.com/Bazza1982/lily-remote/pairing"
)

// Scope selects which sessions a kill-switch invocation revokes.
type Scope struct {
	// Kind is "session", "client", or "all".
	Kind string

	// ID is the session or client ID; ignored for "all".
	ID string
}

// Config holds the parameters for creating a session manager.
type Config struct {
	// Pairing authenticates client credentials. Required.
	Pairing *pairing.Engine

	// Audit receives an entry for every session transition. Required.
	Audit *audit.Log

	// SigningKey mints session tokens. Required.
	SigningKey ed25519.PrivateKey

	// VerifyKey is the public half of SigningKey. Required.
	VerifyKey ed25519.PublicKey

	// Clock drives TTLs. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// TTL is the session lifetime. Defaults to 5 minutes.
	TTL time.Duration

	// OnRevoked is called for each session the kill switch revokes,
	// after the session context is cancelled. The queue and event
	// broadcaster hook in here. Optional.
	OnRevoked func(sessionID string)
}

// Manager owns every live session. Sessions are memory-only: a process
// restart drops them, and controllers re-start against their durable
// pairing credential.
type Manager struct {
	pairing    *pairing.Engine
	audit      *audit.Log
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
	clock      clock.Clock
	logger     *slog.Logger
	ttl        time.Duration
	onRevoked  func(sessionID string)

	blacklist *sessiontoken.Blacklist

	mu       sync.Mutex
	sessions map[string]*Session // session ID → session
	byClient map[string]string   // client ID → active session ID
}

// NewManager creates a session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Pairing == nil {
		return nil, fmt.Errorf("session: Pairing is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("session: Audit is required")
	}
	if len(cfg.SigningKey) != ed25519.PrivateKeySize || len(cfg.VerifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("session: signing keypair is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return &Manager{
		pairing:    cfg.Pairing,
		audit:      cfg.Audit,
		signingKey: cfg.SigningKey,
		verifyKey:  cfg.VerifyKey,
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		ttl:        cfg.TTL,
		onRevoked:  cfg.OnRevoked,
		blacklist:  sessiontoken.NewBlacklist(),
		sessions:   make(map[string]*Session),
		byClient:   make(map[string]string),
	}, nil
}

// Start mints a session for a paired client. The credential is the
// one released in the pairing bundle; unknown, revoked, or mismatched
// clients get NotPaired. Starting a new session while one is active
// for the same client ends the old one — explicit re-start is the only
// renewal mechanism.
func (m *Manager) Start(ctx context.Context, clientID, credential string) (*Session, []byte, error) {
	client, err := m.pairing.Authenticate(ctx, clientID, credential)
	if err != nil {
		return nil, nil, err
	}

	// Re-start supersedes: the previous session dies first.
	m.mu.Lock()
	previousID, hadPrevious := m.byClient[clientID]
	m.mu.Unlock()
	if hadPrevious {
		if err := m.End(ctx, previousID); err != nil {
			return nil, nil, err
		}
	}

	now := m.clock.Now()
	sessionSecret, err := sessiontoken.NewSessionSecret()
	if err != nil {
		return nil, nil, err
	}
	guarded, err := secret.NewFromBytes(sessionSecret)
	if err != nil {
		return nil, nil, fmt.Errorf("session: protecting session secret: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	session := &Session{
		SessionID:    "s-" + uuid.NewString(),
		ClientID:     clientID,
		TokenID:      "tok-" + uuid.NewString(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		currentLevel: min(authorization.L1, client.MaxAuthorizedLevel),
		maxLevel:     client.MaxAuthorizedLevel,
		state:        StateActive,
		secret:       guarded,
		ctx:          sessionCtx,
		cancel:       cancel,
	}

	tokenBytes, err := sessiontoken.Mint(m.signingKey, &sessiontoken.Token{
		SessionID: session.SessionID,
		ClientID:  clientID,
		Level:     uint8(session.currentLevel),
		IssuedAt:  now.Unix(),
		ExpiresAt: session.ExpiresAt.Unix(),
		ID:        session.TokenID,
	})
	if err != nil {
		cancel()
		guarded.Close()
		return nil, nil, err
	}

	if _, err := m.audit.Append(ctx, clientID, "session.started", session.SessionID); err != nil {
		cancel()
		guarded.Close()
		return nil, nil, err
	}

	m.mu.Lock()
	m.sessions[session.SessionID] = session
	m.byClient[clientID] = session.SessionID
	m.mu.Unlock()

	m.logger.Info("session started",
		"session_id", session.SessionID, "client_id", clientID, "expires_at", session.ExpiresAt)
	return session, tokenBytes, nil
}

// Validate authenticates a wire token and returns the live session it
// names. Expired tokens and sessions yield Expired; revoked or unknown
// ones yield Unauthorized.
func (m *Manager) Validate(tokenBytes []byte) (*Session, error) {
	now := m.clock.Now()
	token, err := sessiontoken.VerifyAt(m.verifyKey, tokenBytes, now)
	if err != nil {
		if errors.Is(err, sessiontoken.ErrTokenExpired) {
			return nil, apierror.New(apierror.KindExpired, "session token expired")
		}
		return nil, apierror.New(apierror.KindUnauthorized, "invalid session token")
	}
	if m.blacklist.IsRevoked(token.ID) {
		return nil, apierror.New(apierror.KindUnauthorized, "session token revoked")
	}

	m.mu.Lock()
	session, exists := m.sessions[token.SessionID]
	m.mu.Unlock()
	if !exists {
		return nil, apierror.New(apierror.KindUnauthorized, "unknown session")
	}

	switch session.State() {
	case StateRevoked:
		return nil, apierror.New(apierror.KindUnauthorized, "session revoked")
	case StateExpired:
		return nil, apierror.New(apierror.KindExpired, "session ended")
	}
	if !now.Before(session.ExpiresAt) {
		m.expire(session)
		return nil, apierror.New(apierror.KindExpired, "session expired")
	}
	return session, nil
}

// Session returns a session by ID, live or not.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, exists := m.sessions[sessionID]
	return session, exists
}

// Sessions returns the currently active sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if session.Active() {
			out = append(out, session)
		}
	}
	return out
}

// End terminates a session. Idempotent: ending an already-ended
// session succeeds silently.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if !exists {
		return nil
	}
	if !session.close(StateExpired) {
		return nil
	}
	m.blacklist.Revoke(session.TokenID, session.ExpiresAt)
	m.detach(session)

	if _, err := m.audit.Append(ctx, session.ClientID, "session.ended", sessionID); err != nil {
		return err
	}
	m.logger.Info("session ended", "session_id", sessionID)
	return nil
}

// Elevate raises the session to L2 against the out-of-band auth code.
// The code is read off the machine by an operator; presenting it is
// the human consent the input tier requires.
func (m *Manager) Elevate(ctx context.Context, sessionID, authCode string) error {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if !exists || !session.Active() {
		return apierror.New(apierror.KindUnauthorized, "no active session")
	}
	if session.maxLevel < authorization.L2 {
		return apierror.New(apierror.KindUnauthorized, "client ceiling does not allow input")
	}

	expected, err := m.AuthCode(sessionID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(authCode)) != 1 {
		if _, auditErr := m.audit.Append(ctx, session.ClientID, "session.elevate_failed", sessionID); auditErr != nil {
			return auditErr
		}
		return apierror.New(apierror.KindUnauthorized, "auth code mismatch")
	}

	if _, err := m.audit.Append(ctx, session.ClientID, "session.elevated", sessionID); err != nil {
		return err
	}
	session.mu.Lock()
	session.currentLevel = authorization.L2
	session.mu.Unlock()
	return nil
}

// AuthCode derives the session's elevation code. Admin socket only —
// the code reaches the controller out of band.
func (m *Manager) AuthCode(sessionID string) (string, error) {
	return m.derived(sessionID, sessiontoken.DeriveAuthCode)
}

// ConfirmToken derives the session's machine-restart confirmation
// token. Wired into the approval registry for L4 grants.
func (m *Manager) ConfirmToken(sessionID string) (string, error) {
	return m.derived(sessionID, sessiontoken.DeriveConfirmToken)
}

func (m *Manager) derived(sessionID string, derive func([]byte, string) (string, error)) (string, error) {
	m.mu.Lock()
	session, exists := m.sessions[sessionID]
	m.mu.Unlock()
	if !exists {
		return "", apierror.New(apierror.KindUnauthorized, "unknown session")
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.state != StateActive || session.secret == nil {
		return "", apierror.New(apierror.KindUnauthorized, "session is not active")
	}
	return derive(session.secret.Bytes(), session.SessionID)
}

// KillSwitch revokes every session matching scope: tokens blacklisted,
// contexts cancelled, one audit entry per revoked session. It never
// blocks on command completion — cancellation is signalled through the
// session context and observed cooperatively. A second invocation
// finds nothing to revoke and records a single no-op entry, so the
// operator sees that the switch fired and that it had nothing left to
// do.
func (m *Manager) KillSwitch(ctx context.Context, scope Scope) ([]string, error) {
	m.mu.Lock()
	var matched []*Session
	for _, session := range m.sessions {
		if !session.Active() {
			continue
		}
		switch scope.Kind {
		case "session":
			if session.SessionID == scope.ID {
				matched = append(matched, session)
			}
		case "client":
			if session.ClientID == scope.ID {
				matched = append(matched, session)
			}
		case "all":
			matched = append(matched, session)
		}
	}
	m.mu.Unlock()

	if len(matched) == 0 {
		if _, err := m.audit.Append(ctx, audit.ActorSystem, "killswitch."+scope.Kind, "noop"); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var revoked []string
	for _, session := range matched {
		// Audit before the externally observable effect.
		if _, err := m.audit.Append(ctx, audit.ActorSystem, "killswitch."+scope.Kind, session.SessionID); err != nil {
			return revoked, err
		}
		if !session.close(StateRevoked) {
			continue
		}
		m.blacklist.Revoke(session.TokenID, session.ExpiresAt)
		m.detach(session)
		revoked = append(revoked, session.SessionID)

		if m.onRevoked != nil {
			m.onRevoked(session.SessionID)
		}
		m.logger.Warn("session revoked by kill switch",
			"session_id", session.SessionID, "scope", scope.Kind)
	}
	return revoked, nil
}

// Sweep expires sessions past their deadline and cleans the token
// blacklist. Called on a background tick.
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.clock.Now()

	m.mu.Lock()
	var dead []*Session
	for _, session := range m.sessions {
		if session.Active() && !now.Before(session.ExpiresAt) {
			dead = append(dead, session)
		}
	}
	m.mu.Unlock()

	for _, session := range dead {
		m.expire(session)
	}
	m.blacklist.Cleanup(now)
	return len(dead)
}

func (m *Manager) expire(session *Session) {
	if !session.close(StateExpired) {
		return
	}
	m.blacklist.Revoke(session.TokenID, session.ExpiresAt)
	m.detach(session)
	if _, err := m.audit.Append(context.Background(), session.ClientID, "session.expired", session.SessionID); err != nil {
		m.logger.Error("auditing session expiry", "error", err)
	}
}

// detach removes the client → session mapping; the session record
// itself stays queryable until process restart.
func (m *Manager) detach(session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byClient[session.ClientID] == session.SessionID {
		delete(m.byClient, session.ClientID)
	}
}
