// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/lib/sealed"
	"github.com/Bazza1982/lily-remote/pairing"
)

type harness struct {
	manager *Manager
	clock   *clock.FakeClock
	audit   *audit.Log

	clientID   string
	credential string

	mu      sync.Mutex
	revoked []string
}

// newHarness builds a manager with one paired client at the given
// ceiling.
func newHarness(t *testing.T, maxLevel authorization.Level) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	auditLog, err := audit.Open(audit.Config{Path: filepath.Join(dir, "audit.db"), Clock: fake})
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { auditLog.Close() })

	store, err := pairing.OpenStore(pairing.StoreConfig{Path: filepath.Join(dir, "trust.db")})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	engine, err := pairing.NewEngine(pairing.Config{
		Store:            store,
		Audit:            auditLog,
		Clock:            fake,
		RequireApproval:  false,
		AutoApproveLevel: maxLevel,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	// Pair one controller.
	controllerPublic, controllerPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	agePublic, agePrivate, err := sealed.GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	t.Cleanup(func() { agePrivate.Close() })

	request, err := engine.RequestPairing(ctx, controllerPublic, agePublic, "test-controller")
	if err != nil {
		t.Fatalf("RequestPairing: %v", err)
	}
	signature := ed25519.Sign(controllerPrivate, request.Challenge)
	clientID, sealedBundle, err := engine.Confirm(ctx, request.RequestID, signature)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	plaintext, err := sealed.Decrypt(sealedBundle, agePrivate)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer plaintext.Close()
	var bundle pairing.Bundle
	if err := codec.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		t.Fatalf("decoding bundle: %v", err)
	}

	signPublic, signPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	h := &harness{clock: fake, audit: auditLog, clientID: clientID, credential: bundle.Credential}
	manager, err := NewManager(Config{
		Pairing:    engine,
		Audit:      auditLog,
		SigningKey: signPrivate,
		VerifyKey:  signPublic,
		Clock:      fake,
		OnRevoked: func(sessionID string) {
			h.mu.Lock()
			h.revoked = append(h.revoked, sessionID)
			h.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	h.manager = manager
	return h
}

func TestStartAndValidate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	session, token, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if session.CurrentLevel() != authorization.L1 {
		t.Errorf("CurrentLevel = %v, want L1", session.CurrentLevel())
	}
	if session.ExpiresAt.Sub(session.CreatedAt) != 5*time.Minute {
		t.Errorf("TTL = %v, want 5m", session.ExpiresAt.Sub(session.CreatedAt))
	}

	validated, err := h.manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if validated.SessionID != session.SessionID {
		t.Errorf("Validate returned session %q, want %q", validated.SessionID, session.SessionID)
	}
}

func TestStartRejectsBadCredential(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	if _, _, err := h.manager.Start(ctx, h.clientID, "deadbeef"); !apierror.HasKind(err, apierror.KindNotPaired) {
		t.Fatalf("Start with bad credential: got %v, want NotPaired", err)
	}
	if _, _, err := h.manager.Start(ctx, "c-nobody", h.credential); !apierror.HasKind(err, apierror.KindNotPaired) {
		t.Fatalf("Start with unknown client: got %v, want NotPaired", err)
	}
}

func TestRestartSupersedes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	first, firstToken, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("first Start: %v", err)
	}
	second, _, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	if first.State() != StateExpired {
		t.Errorf("first session state = %s, want expired after re-start", first.State())
	}
	if _, err := h.manager.Validate(firstToken); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("old token after re-start: got %v, want Unauthorized", err)
	}
	if !second.Active() {
		t.Error("second session is not active")
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	_, token, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.clock.Advance(5*time.Minute + time.Second)
	if _, err := h.manager.Validate(token); !apierror.HasKind(err, apierror.KindExpired) {
		t.Fatalf("Validate after TTL: got %v, want Expired", err)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	session, token, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.manager.End(ctx, session.SessionID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := h.manager.End(ctx, session.SessionID); err != nil {
		t.Fatalf("second End: %v", err)
	}
	if err := h.manager.End(ctx, "s-nobody"); err != nil {
		t.Fatalf("End of unknown session: %v", err)
	}

	if _, err := h.manager.Validate(token); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("Validate after End: got %v, want Unauthorized", err)
	}

	// Exactly one session.ended entry despite three End calls.
	entries, err := h.audit.QueryActor(ctx, h.clientID)
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	var ended int
	for _, entry := range entries {
		if entry.Action == "session.ended" {
			ended++
		}
	}
	if ended != 1 {
		t.Fatalf("session.ended audited %d times, want 1", ended)
	}
}

func TestElevation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	session, _, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.manager.Elevate(ctx, session.SessionID, "00000000"); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("Elevate with wrong code: got %v, want Unauthorized", err)
	}
	if session.CurrentLevel() != authorization.L1 {
		t.Fatal("failed elevation changed the session level")
	}

	code, err := h.manager.AuthCode(session.SessionID)
	if err != nil {
		t.Fatalf("AuthCode: %v", err)
	}
	if err := h.manager.Elevate(ctx, session.SessionID, code); err != nil {
		t.Fatalf("Elevate: %v", err)
	}
	if session.CurrentLevel() != authorization.L2 {
		t.Fatalf("CurrentLevel after elevation = %v, want L2", session.CurrentLevel())
	}
}

func TestElevationRespectsCeiling(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L1)

	session, _, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	code, err := h.manager.AuthCode(session.SessionID)
	if err != nil {
		t.Fatalf("AuthCode: %v", err)
	}
	if err := h.manager.Elevate(ctx, session.SessionID, code); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("Elevate past ceiling: got %v, want Unauthorized", err)
	}
}

func TestKillSwitchIdempotence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	session, token, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	revoked, err := h.manager.KillSwitch(ctx, Scope{Kind: "session", ID: session.SessionID})
	if err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}
	if len(revoked) != 1 || revoked[0] != session.SessionID {
		t.Fatalf("KillSwitch revoked %v, want [%s]", revoked, session.SessionID)
	}
	if session.State() != StateRevoked {
		t.Errorf("state = %s, want revoked", session.State())
	}
	if _, err := h.manager.Validate(token); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("Validate after kill: got %v, want Unauthorized", err)
	}

	// Session context is cancelled so in-flight work unwinds.
	select {
	case <-session.Context().Done():
	default:
		t.Fatal("session context not cancelled by kill switch")
	}

	// Second invocation: identical state, exactly one no-op entry.
	before, err := h.audit.QueryActor(ctx, audit.ActorSystem)
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	revoked, err = h.manager.KillSwitch(ctx, Scope{Kind: "session", ID: session.SessionID})
	if err != nil {
		t.Fatalf("second KillSwitch: %v", err)
	}
	if len(revoked) != 0 {
		t.Fatalf("second KillSwitch revoked %v, want none", revoked)
	}
	after, err := h.audit.QueryActor(ctx, audit.ActorSystem)
	if err != nil {
		t.Fatalf("QueryActor: %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("second KillSwitch appended %d entries, want 1", len(after)-len(before))
	}
	if last := after[len(after)-1]; last.Outcome != "noop" {
		t.Fatalf("second KillSwitch outcome = %q, want noop", last.Outcome)
	}

	h.mu.Lock()
	hookCalls := len(h.revoked)
	h.mu.Unlock()
	if hookCalls != 1 {
		t.Fatalf("OnRevoked called %d times, want 1", hookCalls)
	}
}

func TestKillSwitchAllScope(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	if _, _, err := h.manager.Start(ctx, h.clientID, h.credential); err != nil {
		t.Fatalf("Start: %v", err)
	}

	revoked, err := h.manager.KillSwitch(ctx, Scope{Kind: "all"})
	if err != nil {
		t.Fatalf("KillSwitch: %v", err)
	}
	if len(revoked) != 1 {
		t.Fatalf("KillSwitch(all) revoked %d sessions, want 1", len(revoked))
	}
}

func TestDerivedSecretsDieWithSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, authorization.L2)

	session, _, err := h.manager.Start(ctx, h.clientID, h.credential)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := h.manager.ConfirmToken(session.SessionID); err != nil {
		t.Fatalf("ConfirmToken: %v", err)
	}

	if err := h.manager.End(ctx, session.SessionID); err != nil {
		t.Fatalf("End: %v", err)
	}
	if _, err := h.manager.AuthCode(session.SessionID); !apierror.HasKind(err, apierror.KindUnauthorized) {
		t.Fatalf("AuthCode after End: got %v, want Unauthorized", err)
	}
}
