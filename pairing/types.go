// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing establishes the long-lived trust relationship
// between a controller identity and the agent.
//
// The handshake is a three-step dance: the controller requests pairing
// with its ed25519 public key and receives a random challenge; the
// local trust authority (a human on the admin socket, or automatic
// policy in trusted-network mode) approves or denies; the controller
// confirms by signing the challenge and receives its credential bundle,
// sealed to the age key it supplied in the request. Challenges are
// single-use and short-lived, bounding the exposure window of an
// unattended approval prompt.
//
// Trusted clients persist in SQLite and survive restarts. The raw
// credential crosses the wire exactly once, inside the sealed bundle;
// the store keeps only its SHA-256.
package pairing

import (
	"crypto/ed25519"
	"time"

	"github.com/Bazza1982/lily-remote/authorization"
)

// Status is the lifecycle state of a pairing request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Request is one pairing attempt. At most one pending request exists
// per requester key at a time.
type Request struct {
	RequestID   string
	PublicKey   ed25519.PublicKey
	BundleKey   string // age recipient the credential bundle is sealed to
	DisplayName string
	Challenge   []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Status      Status

	// Filled at approval.
	ClientID     string
	SealedBundle string
}

// TrustedClient is a paired controller. Immutable except for
// revocation.
type TrustedClient struct {
	ClientID           string
	PublicKey          ed25519.PublicKey
	DisplayName        string
	BundleKey          string
	PairedAt           time.Time
	MaxAuthorizedLevel authorization.Level
	RevokedAt          time.Time // zero when not revoked
}

// Revoked reports whether the client has been revoked.
func (c *TrustedClient) Revoked() bool {
	return !c.RevokedAt.IsZero()
}

// Bundle is the credential payload sealed to the requester's age key
// at approval. The credential authenticates session/start calls for
// the life of the pairing.
type Bundle struct {
	ClientID   string `cbor:"client_id"`
	Credential string `cbor:"credential"`
	MaxLevel   uint8  `cbor:"max_level"`
}
