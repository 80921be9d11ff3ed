// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"github.com/Bazza1982/lily-remote/lib/codec"
	"github.com/Bazza1982/lily-remote/lib/sealed"
	"github.com/Bazza1982/lily-remote/pairing"
)

// Pairing is the outcome of a completed pairing handshake.
type Pairing struct {
	ClientID   string
	Credential string
	MaxLevel   uint8
}

// RequestPairing submits a pairing request and returns its ID. The
// returned request stays pending until an operator approves it on the
// agent; poll Confirm to collect the credential.
func (c *Controller) RequestPairing(ctx context.Context, id *Identity, displayName string) (requestID string, err error) {
	var response struct {
		RequestID string `cbor:"request_id"`
		Challenge []byte `cbor:"challenge"`
		ExpiresAt int64  `cbor:"expires_at"`
	}
	err = c.Call(ctx, "pair/request", map[string]any{
		"public_key":   []byte(id.PublicKey),
		"bundle_key":   id.BundlePublic,
		"display_name": displayName,
	}, &response)
	if err != nil {
		return "", err
	}

	c.challenges = storeChallenge(c.challenges, response.RequestID, response.Challenge)
	return response.RequestID, nil
}

// Confirm proves possession of the identity key by signing the
// request's challenge, and unseals the credential bundle the agent
// returns. Call it after the operator has approved the request.
func (c *Controller) Confirm(ctx context.Context, id *Identity, requestID string) (*Pairing, error) {
	challenge, ok := c.challenges[requestID]
	if !ok {
		return nil, fmt.Errorf("client: no challenge recorded for request %s", requestID)
	}

	var response struct {
		ClientID     string `cbor:"client_id"`
		SealedBundle string `cbor:"sealed_bundle"`
	}
	err := c.Call(ctx, "pair/confirm", map[string]any{
		"request_id": requestID,
		"signature":  ed25519.Sign(id.SigningKey, challenge),
	}, &response)
	if err != nil {
		return nil, err
	}
	delete(c.challenges, requestID)

	plaintext, err := sealed.Decrypt(response.SealedBundle, id.bundlePrivate)
	if err != nil {
		return nil, fmt.Errorf("client: unsealing credential bundle: %w", err)
	}
	defer plaintext.Close()

	var bundle pairing.Bundle
	if err := codec.Unmarshal(plaintext.Bytes(), &bundle); err != nil {
		return nil, fmt.Errorf("client: decoding credential bundle: %w", err)
	}
	if bundle.ClientID != response.ClientID {
		return nil, fmt.Errorf("client: bundle client %s does not match response %s",
			bundle.ClientID, response.ClientID)
	}

	return &Pairing{
		ClientID:   bundle.ClientID,
		Credential: bundle.Credential,
		MaxLevel:   bundle.MaxLevel,
	}, nil
}

func storeChallenge(challenges map[string][]byte, requestID string, challenge []byte) map[string][]byte {
	if challenges == nil {
		challenges = make(map[string][]byte)
	}
	challenges[requestID] = challenge
	return challenges
}
