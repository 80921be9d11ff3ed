// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/Bazza1982/lily-remote/lib/codec"
)

// signatureSize is the fixed size of an Ed25519 signature.
const signatureSize = ed25519.SignatureSize // 64 bytes

// Token is the CBOR-encoded payload of a session token. The agent mints
// one per successful session/start and the controller echoes it back on
// every subsequent call.
type Token struct {
	// SessionID identifies the session this token belongs to. All
	// command sequencing, event subscriptions, and audit attribution
	// key off this ID.
	SessionID string `cbor:"1,keyasint"`

	// ClientID is the paired controller identity the session was
	// started for. Commands are attributed to this client in the
	// audit log.
	ClientID string `cbor:"2,keyasint"`

	// Level is the authorization level granted at session start.
	// Elevation past this level requires the out-of-band auth code;
	// the token itself is never re-minted for elevation.
	Level uint8 `cbor:"3,keyasint"`

	// IssuedAt is a Unix timestamp (seconds) of when the agent
	// minted this token.
	IssuedAt int64 `cbor:"4,keyasint"`

	// ExpiresAt is a Unix timestamp (seconds) after which this
	// token is no longer valid.
	ExpiresAt int64 `cbor:"5,keyasint"`

	// ID is a unique token identifier (hex string). Used for
	// revocation via the Blacklist when a session ends early or the
	// kill switch fires.
	ID string `cbor:"6,keyasint"`
}

// Errors returned by Verify and related functions.
var (
	ErrTokenTooShort    = errors.New("sessiontoken: token too short for signature")
	ErrInvalidSignature = errors.New("sessiontoken: invalid Ed25519 signature")
	ErrTokenExpired     = errors.New("sessiontoken: token has expired")
	ErrTokenRevoked     = errors.New("sessiontoken: token has been revoked")
)

// Mint signs a Token with the agent's private key and returns the raw
// wire-format bytes: CBOR-encoded payload followed by the 64-byte
// Ed25519 signature.
func Mint(privateKey ed25519.PrivateKey, token *Token) ([]byte, error) {
	payload, err := codec.Marshal(token)
	if err != nil {
		return nil, fmt.Errorf("sessiontoken: encoding token payload: %w", err)
	}

	signature := ed25519.Sign(privateKey, payload)

	result := make([]byte, len(payload)+signatureSize)
	copy(result, payload)
	copy(result[len(payload):], signature)

	return result, nil
}

// Verify splits the raw token bytes, verifies the Ed25519 signature,
// CBOR-decodes the payload, and checks expiry. Returns the decoded
// Token on success.
//
// The caller should additionally consult the Blacklist for revoked
// token IDs.
func Verify(publicKey ed25519.PublicKey, tokenBytes []byte) (*Token, error) {
	return VerifyAt(publicKey, tokenBytes, time.Now())
}

// VerifyAt is like Verify but accepts an explicit time for expiry
// checks. This supports deterministic testing.
func VerifyAt(publicKey ed25519.PublicKey, tokenBytes []byte, now time.Time) (*Token, error) {
	if len(tokenBytes) <= signatureSize {
		return nil, ErrTokenTooShort
	}

	splitPoint := len(tokenBytes) - signatureSize
	payload := tokenBytes[:splitPoint]
	signature := tokenBytes[splitPoint:]

	if !ed25519.Verify(publicKey, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var token Token
	if err := codec.Unmarshal(payload, &token); err != nil {
		return nil, fmt.Errorf("sessiontoken: decoding token payload: %w", err)
	}

	if now.Unix() >= token.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &token, nil
}

// ExpiresAtTime returns the token's expiry as a time.Time, for feeding
// the Blacklist's natural-expiry cleanup.
func (t *Token) ExpiresAtTime() time.Time {
	return time.Unix(t.ExpiresAt, 0)
}
