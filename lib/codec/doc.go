// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used on every Lily Remote
// wire surface: control-channel requests and responses, session token
// payloads, event stream payloads, and the canonical audit entry
// encoding.
//
// Encoding is RFC 8949 Core Deterministic Encoding. The audit chain
// hashes canonical encodings, so the same logical entry must always
// produce identical bytes no matter which process encoded it.
package codec
