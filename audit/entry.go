// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/Bazza1982/lily-remote/lib/codec"
)

// ActorSystem is the actor recorded for agent-initiated entries
// (expiry sweeps, kill-switch no-op confirmations, startup recovery).
// Controller-initiated entries record the client ID instead.
const ActorSystem = "system"

// Hash is a 32-byte BLAKE3 digest chaining one entry to its
// predecessor.
type Hash [32]byte

// String returns the hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The byte values
// are the ASCII encoding of the domain name, zero-padded to 32 bytes:
// readable in hex dumps without sacrificing any cryptographic
// property.
type domainKey [32]byte

var entryDomainKey = domainKey{
	'l', 'i', 'l', 'y', '.', 'a', 'u', 'd', 'i', 't', '.',
	'e', 'n', 't', 'r', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

var genesisDomainKey = domainKey{
	'l', 'i', 'l', 'y', '.', 'a', 'u', 'd', 'i', 't', '.',
	'g', 'e', 'n', 'e', 's', 'i', 's', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Entry is one audit record. Entries are immutable once appended.
type Entry struct {
	// EntryID is the append position, assigned by the log. Strictly
	// increasing with no gaps.
	EntryID int64 `cbor:"1,keyasint"`

	// Timestamp is Unix milliseconds at append time.
	Timestamp int64 `cbor:"2,keyasint"`

	// Actor is the client ID that caused the entry, or ActorSystem.
	Actor string `cbor:"3,keyasint"`

	// Action names what happened, dotted lowercase
	// ("pairing.approved", "command.succeeded", "killswitch.session").
	Action string `cbor:"4,keyasint"`

	// Outcome carries the decision or result ("allowed", "denied",
	// "noop", an error kind). Never token material.
	Outcome string `cbor:"5,keyasint"`

	// PriorEntryHash is the keyed BLAKE3 digest of the previous
	// entry's deterministic CBOR encoding, or Genesis() for the
	// first entry.
	PriorEntryHash Hash `cbor:"6,keyasint"`
}

// Genesis returns the fixed digest the chain roots at. It is a
// constant of the format, not of any particular database.
func Genesis() Hash {
	return keyedHash(genesisDomainKey, []byte("lily-remote audit chain v1"))
}

// HashEntry computes the chain digest of an entry: the keyed BLAKE3
// hash of its deterministic CBOR encoding. Deterministic encoding is
// what makes recomputation during verification exact.
func HashEntry(entry *Entry) (Hash, error) {
	encoded, err := codec.Marshal(entry)
	if err != nil {
		return Hash{}, err
	}
	return keyedHash(entryDomainKey, encoded), nil
}

func keyedHash(key domainKey, data []byte) Hash {
	// NewKeyed requires exactly 32 bytes, which domainKey guarantees.
	// The error is only returned for wrong key length, so this cannot
	// fail with our fixed-size type.
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("audit: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Hash
	copy(digest[:], hasher.Sum(nil))
	return digest
}
