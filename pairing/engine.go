// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Bazza1982/lily-remote/audit"
	"github.com/Bazza1982/lily-remote/authorization"
	"github.com/Bazza1982/lily-remote/lib/apierror"
	"github.com/Bazza1982/lily-remote/lib/clock"
	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/lib/sealed"
)

const challengeSize = 32
const credentialSize = 32

// Config holds the parameters for creating a pairing engine.
type Config struct {
	// Store is the persistent trust store. Required.
	Store *Store

	// Audit receives an entry for every pairing transition, before
	// the transition takes effect. Required.
	Audit *audit.Log

	// Clock provides challenge expiry. Defaults to the real clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// Timeout is the pending-request lifetime. Defaults to 60s.
	Timeout time.Duration

	// RequireApproval gates admission on an operator decision. When
	// false, requests are approved automatically at AutoApproveLevel.
	RequireApproval bool

	// AutoApproveLevel is the ceiling granted by automatic approval.
	// Defaults to L2 (observation plus input, no restarts).
	AutoApproveLevel authorization.Level
}

// Engine runs the pairing handshake against the trust store.
type Engine struct {
	store            *Store
	audit            *audit.Log
	clock            clock.Clock
	logger           *slog.Logger
	timeout          time.Duration
	requireApproval  bool
	autoApproveLevel authorization.Level
}

// NewEngine creates a pairing engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("pairing: Store is required")
	}
	if cfg.Audit == nil {
		return nil, fmt.Errorf("pairing: Audit is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.AutoApproveLevel == 0 {
		cfg.AutoApproveLevel = authorization.L2
	}
	return &Engine{
		store:            cfg.Store,
		audit:            cfg.Audit,
		clock:            cfg.Clock,
		logger:           cfg.Logger,
		timeout:          cfg.Timeout,
		requireApproval:  cfg.RequireApproval,
		autoApproveLevel: cfg.AutoApproveLevel,
	}, nil
}

// RequestPairing opens a pairing attempt for an unrecognized key. If a
// pending request already exists for the same key, the old request is
// marked expired (superseded) and the call fails with Conflict; the
// controller's retry then succeeds with a fresh challenge.
func (e *Engine) RequestPairing(ctx context.Context, publicKey ed25519.PublicKey, bundleKey, displayName string) (*Request, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return nil, apierror.New(apierror.KindUnauthorized, "malformed public key")
	}
	if err := sealed.ParsePublicKey(bundleKey); err != nil {
		return nil, apierror.New(apierror.KindUnauthorized, "malformed bundle key: %v", err)
	}

	existing, err := e.store.pendingByKey(ctx, publicKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if _, err := e.audit.Append(ctx, audit.ActorSystem, "pairing.superseded", existing.RequestID); err != nil {
			return nil, err
		}
		if err := e.store.setRequestStatus(ctx, existing.RequestID, StatusExpired); err != nil {
			return nil, err
		}
		return nil, apierror.New(apierror.KindConflict,
			"pending pairing request superseded; retry to receive a fresh challenge")
	}

	now := e.clock.Now()
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, fmt.Errorf("pairing: generating challenge: %w", err)
	}
	request := &Request{
		RequestID:   "pr-" + uuid.NewString(),
		PublicKey:   publicKey,
		BundleKey:   bundleKey,
		DisplayName: displayName,
		Challenge:   challenge,
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.timeout),
		Status:      StatusPending,
	}

	if _, err := e.audit.Append(ctx, audit.ActorSystem, "pairing.requested", request.RequestID); err != nil {
		return nil, err
	}
	if err := e.store.insertRequest(ctx, request); err != nil {
		return nil, err
	}
	e.logger.Info("pairing requested",
		"request_id", request.RequestID, "display_name", displayName)

	if !e.requireApproval {
		if err := e.approve(ctx, request, e.autoApproveLevel, "pairing.autoapproved"); err != nil {
			return nil, err
		}
	}
	return request, nil
}

// Pending lists requests awaiting an operator decision.
func (e *Engine) Pending(ctx context.Context) ([]*Request, error) {
	return e.store.pendingRequests(ctx)
}

// Approve resolves a pending request. On approval a TrustedClient is
// created with the given ceiling and the credential bundle is sealed
// to the requester's age key, ready for Confirm to release. Reachable
// only through the admin socket.
func (e *Engine) Approve(ctx context.Context, requestID string, approved bool, maxLevel authorization.Level) error {
	request, err := e.store.request(ctx, requestID)
	if err != nil {
		return err
	}
	if request.Status != StatusPending {
		return apierror.New(apierror.KindConflict, "request is %s, not pending", request.Status)
	}
	if !e.clock.Now().Before(request.ExpiresAt) {
		if err := e.store.setRequestStatus(ctx, requestID, StatusExpired); err != nil {
			return err
		}
		return apierror.New(apierror.KindExpired, "pairing request expired")
	}

	if !approved {
		if _, err := e.audit.Append(ctx, audit.ActorSystem, "pairing.denied", requestID); err != nil {
			return err
		}
		return e.store.setRequestStatus(ctx, requestID, StatusDenied)
	}
	return e.approve(ctx, request, maxLevel, "pairing.approved")
}

func (e *Engine) approve(ctx context.Context, request *Request, maxLevel authorization.Level, action string) error {
	clientID := "c-" + uuid.NewString()

	rawCredential := make([]byte, credentialSize)
	if _, err := rand.Read(rawCredential); err != nil {
		return fmt.Errorf("pairing: generating credential: %w", err)
	}
	credential := hex.EncodeToString(rawCredential)
	credentialHash := sha256.Sum256([]byte(credential))

	bundlePayload, err := codec.Marshal(&Bundle{
		ClientID:   clientID,
		Credential: credential,
		MaxLevel:   uint8(maxLevel),
	})
	if err != nil {
		return fmt.Errorf("pairing: encoding bundle: %w", err)
	}
	sealedBundle, err := sealed.Encrypt(bundlePayload, []string{request.BundleKey})
	if err != nil {
		return fmt.Errorf("pairing: sealing bundle: %w", err)
	}

	if _, err := e.audit.Append(ctx, clientID, action, request.RequestID); err != nil {
		return err
	}
	client := &TrustedClient{
		ClientID:           clientID,
		PublicKey:          request.PublicKey,
		DisplayName:        request.DisplayName,
		BundleKey:          request.BundleKey,
		PairedAt:           e.clock.Now(),
		MaxAuthorizedLevel: maxLevel,
	}
	if err := e.store.insertClient(ctx, client, credentialHash[:]); err != nil {
		return err
	}
	if err := e.store.markApproved(ctx, request.RequestID, clientID, sealedBundle); err != nil {
		return err
	}
	request.Status = StatusApproved
	request.ClientID = clientID
	request.SealedBundle = sealedBundle

	e.logger.Info("pairing approved",
		"request_id", request.RequestID, "client_id", clientID, "max_level", maxLevel)
	return nil
}

// Confirm completes the handshake: the controller proves possession of
// the private key by signing the challenge, and receives the sealed
// credential bundle. Challenges are single-use — the request is
// consumed on success, and any later confirm for it fails Unauthorized.
func (e *Engine) Confirm(ctx context.Context, requestID string, signature []byte) (clientID, sealedBundle string, err error) {
	request, err := e.store.request(ctx, requestID)
	if err != nil {
		// A consumed challenge is indistinguishable from an unknown
		// request on purpose.
		return "", "", apierror.New(apierror.KindUnauthorized, "unknown or consumed pairing request")
	}

	switch request.Status {
	case StatusDenied:
		return "", "", apierror.New(apierror.KindUnauthorized, "pairing request denied")
	case StatusExpired:
		return "", "", apierror.New(apierror.KindExpired, "pairing request expired")
	case StatusPending:
		if !e.clock.Now().Before(request.ExpiresAt) {
			if err := e.store.setRequestStatus(ctx, requestID, StatusExpired); err != nil {
				return "", "", err
			}
			return "", "", apierror.New(apierror.KindExpired, "pairing request expired")
		}
		return "", "", apierror.New(apierror.KindConflict, "pairing request awaiting approval")
	}

	if !e.clock.Now().Before(request.ExpiresAt) {
		if err := e.store.setRequestStatus(ctx, requestID, StatusExpired); err != nil {
			return "", "", err
		}
		return "", "", apierror.New(apierror.KindExpired, "pairing request expired")
	}
	if !ed25519.Verify(request.PublicKey, request.Challenge, signature) {
		if _, err := e.audit.Append(ctx, request.ClientID, "pairing.confirm_failed", "bad_signature"); err != nil {
			return "", "", err
		}
		return "", "", apierror.New(apierror.KindUnauthorized, "challenge signature mismatch")
	}

	if _, err := e.audit.Append(ctx, request.ClientID, "pairing.confirmed", request.RequestID); err != nil {
		return "", "", err
	}
	if err := e.store.deleteRequest(ctx, requestID); err != nil {
		return "", "", err
	}
	e.logger.Info("pairing confirmed", "client_id", request.ClientID)
	return request.ClientID, request.SealedBundle, nil
}

// Authenticate checks a client credential against the trust store.
// Returns NotPaired for unknown, revoked, or mismatched credentials —
// indistinguishable on the wire.
func (e *Engine) Authenticate(ctx context.Context, clientID, credential string) (*TrustedClient, error) {
	client, err := e.store.Client(ctx, clientID)
	if err != nil {
		return nil, apierror.New(apierror.KindNotPaired, "unknown client")
	}
	if client.Revoked() {
		return nil, apierror.New(apierror.KindNotPaired, "client revoked")
	}

	storedHash, err := e.store.credentialHash(ctx, clientID)
	if err != nil {
		return nil, apierror.New(apierror.KindNotPaired, "unknown client")
	}
	presentedHash := sha256.Sum256([]byte(credential))
	if subtle.ConstantTimeCompare(storedHash, presentedHash[:]) != 1 {
		return nil, apierror.New(apierror.KindNotPaired, "credential mismatch")
	}
	return client, nil
}

// Client loads a trusted client by ID.
func (e *Engine) Client(ctx context.Context, clientID string) (*TrustedClient, error) {
	return e.store.Client(ctx, clientID)
}

// Clients lists all trusted clients.
func (e *Engine) Clients(ctx context.Context) ([]*TrustedClient, error) {
	return e.store.Clients(ctx)
}

// Revoke permanently revokes a client. A revoked client can never be
// reused without re-pairing. Idempotent.
func (e *Engine) Revoke(ctx context.Context, clientID string) error {
	if _, err := e.store.Client(ctx, clientID); err != nil {
		return err
	}
	if _, err := e.audit.Append(ctx, clientID, "pairing.revoked", "revoked"); err != nil {
		return err
	}
	return e.store.revokeClient(ctx, clientID, e.clock.Now())
}

// PruneExpired transitions pending requests past their expiry. Called
// on a background tick.
func (e *Engine) PruneExpired(ctx context.Context) (int, error) {
	expired, err := e.store.expirePending(ctx, e.clock.Now())
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		if _, err := e.audit.Append(ctx, audit.ActorSystem, "pairing.pruned", fmt.Sprintf("%d", expired)); err != nil {
			return expired, err
		}
	}
	return expired, nil
}
