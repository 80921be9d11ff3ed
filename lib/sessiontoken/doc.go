// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package sessiontoken mints and verifies the Ed25519-signed session
// tokens that controllers present on every call after session/start.
//
// A token is a deterministic CBOR payload followed by a 64-byte Ed25519
// signature. The agent holds the signing key; controllers only ever see
// the opaque bytes. Tokens are short-lived (minutes) and carry the
// session's authorization level, so verification is a pure local check
// with no store lookup on the hot path. Revocation before natural expiry
// goes through the Blacklist, which the kill switch and session/end feed.
//
// The package also derives the out-of-band secrets bound to a session:
// the elevation auth code an operator reads off the machine to unlock
// input injection, and the confirmation token for machine-restart
// double-confirmation. Both come from a per-session HKDF secret with
// distinct info strings, so neither can be computed from the other or
// from the token itself.
package sessiontoken
