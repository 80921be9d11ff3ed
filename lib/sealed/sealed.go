// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts credential bundles to age x25519 recipients.
//
// When a pairing request is approved the agent hands the controller a
// long-lived credential. The bundle crosses the pairing channel sealed to
// the bundle key the controller supplied in its request, so a listener on
// that channel learns nothing it can replay. Decrypted plaintext lands in
// mmap-backed secret buffers that are zeroed on close.
package sealed

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/Bazza1982/lily-remote/lib/secret"
)

// GenerateIdentity creates a fresh age x25519 keypair. The public half is
// returned as a plain string (it is not secret); the private half lands in
// a secret.Buffer the caller must Close.
func GenerateIdentity() (publicKey string, privateKey *secret.Buffer, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", nil, fmt.Errorf("generating age identity: %w", err)
	}
	buffer, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return "", nil, fmt.Errorf("protecting age identity: %w", err)
	}
	return identity.Recipient().String(), buffer, nil
}

// Encrypt encrypts plaintext to one or more age recipient public keys and
// returns the ciphertext base64-encoded for transport inside CBOR or JSON
// payloads.
func Encrypt(plaintext []byte, recipientKeys []string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertextBuffer bytes.Buffer
	writer, err := age.Encrypt(&ciphertextBuffer, recipients...)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}

	return base64.StdEncoding.EncodeToString(ciphertextBuffer.Bytes()), nil
}

// Decrypt decrypts a base64-encoded ciphertext string using the given
// private key. Returns the plaintext in a secret.Buffer (mmap-backed,
// zeroed on close).
//
// The private key is borrowed and is NOT closed by this function. The
// caller must Close the returned buffer when the plaintext is no longer
// needed.
func Decrypt(ciphertext string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	// age.ParseX25519Identity requires a string. The heap copy is brief
	// and request-scoped.
	identity, err := age.ParseX25519Identity(string(privateKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	rawCiphertext, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(rawCiphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}

	if len(plaintext) == 0 {
		// age can produce empty plaintext (sealed empty bundle).
		buffer, err := secret.New(1)
		if err != nil {
			return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
		}
		return buffer, nil
	}

	// NewFromBytes zeros the heap copy.
	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// ParsePublicKey validates an age public key string. Useful for rejecting a
// malformed bundle key at pairing-request time rather than at approval.
func ParsePublicKey(publicKey string) error {
	_, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}

// ParsePrivateKey validates an age private key stored in a secret.Buffer.
func ParsePrivateKey(privateKey *secret.Buffer) error {
	_, err := age.ParseX25519Identity(string(privateKey.Bytes()))
	if err != nil {
		return fmt.Errorf("invalid age private key: %w", err)
	}
	return nil
}

// RecipientOf derives the public recipient string for a private key.
func RecipientOf(privateKey *secret.Buffer) (string, error) {
	identity, err := age.ParseX25519Identity(string(privateKey.Bytes()))
	if err != nil {
		return "", fmt.Errorf("invalid age private key: %w", err)
	}
	return identity.Recipient().String(), nil
}

// FormatRecipients formats recipient public keys as a multi-line string
// suitable for display or logging (no private keys involved).
func FormatRecipients(recipientKeys []string) string {
	return strings.Join(recipientKeys, "\n")
}
