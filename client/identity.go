// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Bazza1982/lily-remote/lib/sealed"
	"github.com/Bazza1982/lily-remote/lib/secret"
)

// Identity is a controller's pairing identity: the Ed25519 keypair
// that signs pairing challenges, and the bundle keypair the agent
// seals the credential bundle to.
type Identity struct {
	SigningKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey

	// BundlePublic is the age recipient string sent with the pairing
	// request.
	BundlePublic string

	// bundlePrivate decrypts the sealed credential bundle. Held in
	// guarded memory.
	bundlePrivate *secret.Buffer
}

// GenerateIdentity creates a fresh controller identity.
func GenerateIdentity() (*Identity, error) {
	publicKey, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("client: generating signing key: %w", err)
	}
	bundlePublic, bundlePrivate, err := sealed.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	return &Identity{
		SigningKey:    signingKey,
		PublicKey:     publicKey,
		BundlePublic:  bundlePublic,
		bundlePrivate: bundlePrivate,
	}, nil
}

// Close zeroes the bundle decryption key.
func (id *Identity) Close() {
	if id.bundlePrivate != nil {
		id.bundlePrivate.Close()
	}
}

const (
	signingKeyFile = "controller-key"
	bundleKeyFile  = "controller-bundle-key"
)

// SaveIdentity writes the identity under dir with owner-only
// permissions.
func SaveIdentity(dir string, id *Identity) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("client: creating identity directory: %w", err)
	}

	seed := hex.EncodeToString(id.SigningKey.Seed())
	if err := os.WriteFile(filepath.Join(dir, signingKeyFile), []byte(seed+"\n"), 0o600); err != nil {
		return fmt.Errorf("client: writing signing key: %w", err)
	}
	bundleKey := id.bundlePrivate.Bytes()
	if err := os.WriteFile(filepath.Join(dir, bundleKeyFile), append(append([]byte(nil), bundleKey...), '\n'), 0o600); err != nil {
		return fmt.Errorf("client: writing bundle key: %w", err)
	}
	return nil
}

// LoadIdentity reads an identity previously written by SaveIdentity.
func LoadIdentity(dir string) (*Identity, error) {
	seedHex, err := os.ReadFile(filepath.Join(dir, signingKeyFile))
	if err != nil {
		return nil, fmt.Errorf("client: reading signing key: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(seedHex)))
	if err != nil {
		return nil, fmt.Errorf("client: decoding signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("client: signing key seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	signingKey := ed25519.NewKeyFromSeed(seed)
	secret.Zero(seed)

	bundleRaw, err := os.ReadFile(filepath.Join(dir, bundleKeyFile))
	if err != nil {
		return nil, fmt.Errorf("client: reading bundle key: %w", err)
	}
	bundleKey := []byte(strings.TrimSpace(string(bundleRaw)))
	secret.Zero(bundleRaw)
	bundlePrivate, err := secret.NewFromBytes(bundleKey)
	if err != nil {
		return nil, fmt.Errorf("client: protecting bundle key: %w", err)
	}

	bundlePublic, err := sealed.RecipientOf(bundlePrivate)
	if err != nil {
		bundlePrivate.Close()
		return nil, err
	}

	return &Identity{
		SigningKey:    signingKey,
		PublicKey:     signingKey.Public().(ed25519.PublicKey),
		BundlePublic:  bundlePublic,
		bundlePrivate: bundlePrivate,
	}, nil
}
