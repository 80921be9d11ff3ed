// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package sessiontoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info strings. Distinct per derived secret so knowledge of one
// derived value reveals nothing about the others.
const (
	authCodeInfo     = "lily-remote session auth-code v1"
	confirmTokenInfo = "lily-remote session confirm-token v1"
)

// sessionSecretSize is the size of the per-session root secret.
const sessionSecretSize = 32

// AuthCodeDigits is the length of the elevation auth code. Eight
// decimal digits: short enough for an operator to read off the
// machine's screen, long enough that online guessing is stopped by the
// request rate limit well before exhaustion.
const AuthCodeDigits = 8

// ConfirmTokenSize is the byte length of the machine-restart
// confirmation token before hex encoding.
const ConfirmTokenSize = 16

// NewSessionSecret generates the random root secret minted alongside a
// session token. The secret never crosses the wire; only values derived
// from it do, via out-of-band surfaces.
func NewSessionSecret() ([]byte, error) {
	secret := make([]byte, sessionSecretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("sessiontoken: generating session secret: %w", err)
	}
	return secret, nil
}

// DeriveAuthCode derives the session's elevation auth code: the decimal
// code an operator reads from the machine (admin socket) and relays to
// the controller to unlock input injection. Deterministic for a given
// secret and session ID.
func DeriveAuthCode(secret []byte, sessionID string) (string, error) {
	raw, err := expand(secret, sessionID, authCodeInfo, 8)
	if err != nil {
		return "", err
	}
	value := binary.BigEndian.Uint64(raw)
	modulus := uint64(1)
	for range AuthCodeDigits {
		modulus *= 10
	}
	return fmt.Sprintf("%0*d", AuthCodeDigits, value%modulus), nil
}

// DeriveConfirmToken derives the hex confirmation token required as the
// second step of a machine restart. Same out-of-band path as the auth
// code but a separate derivation, so holding the auth code does not
// yield the confirm token.
func DeriveConfirmToken(secret []byte, sessionID string) (string, error) {
	raw, err := expand(secret, sessionID, confirmTokenInfo, ConfirmTokenSize)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func expand(secret []byte, sessionID, info string, size int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(sessionID), []byte(info))
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("sessiontoken: deriving %q: %w", info, err)
	}
	return out, nil
}
