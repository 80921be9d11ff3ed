// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the agent's append-only, tamper-evident activity
// record. Every authorization decision, pairing transition, session
// transition, kill-switch invocation, and command outcome lands here —
// and lands here BEFORE the corresponding external effect, so a crash
// mid-operation can orphan an entry but never orphan an action.
//
// Tamper evidence comes from a hash chain: each entry stores the keyed
// BLAKE3 digest of the previous entry's deterministic CBOR encoding,
// rooted at a fixed genesis digest. VerifyChain recomputes the chain
// from genesis and reports the first break, which catches truncation
// and in-place edits without external signing infrastructure.
//
// Appends are the only mutation. The log lives in SQLite and survives
// process restarts; the chain resumes from the last persisted entry.
package audit
