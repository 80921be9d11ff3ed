// Copyright 2026 The Lily Remote Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	publicKey, privateKey, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	defer privateKey.Close()

	plaintext := []byte(`{"client_id":"c-1","credential":"deadbeef"}`)
	ciphertext, err := Encrypt(plaintext, []string{publicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ciphertext == "" {
		t.Fatal("Encrypt returned empty ciphertext")
	}

	decrypted, err := Decrypt(ciphertext, privateKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	defer decrypted.Close()
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Fatalf("plaintext mismatch: got %q want %q", decrypted.Bytes(), plaintext)
	}
}

func TestEncryptRequiresRecipient(t *testing.T) {
	if _, err := Encrypt([]byte("x"), nil); err == nil {
		t.Fatal("Encrypt with no recipients should fail")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	publicKey, privateKey, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	defer privateKey.Close()

	_, otherPrivate, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	defer otherPrivate.Close()

	ciphertext, err := Encrypt([]byte("bundle"), []string{publicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(ciphertext, otherPrivate); err == nil {
		t.Fatal("Decrypt with wrong key should fail")
	}
}

func TestParsePublicKey(t *testing.T) {
	publicKey, privateKey, err := GenerateIdentity()
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	defer privateKey.Close()

	if err := ParsePublicKey(publicKey); err != nil {
		t.Fatalf("ParsePublicKey rejected valid key: %v", err)
	}
	if err := ParsePublicKey("not-a-key"); err == nil {
		t.Fatal("ParsePublicKey accepted garbage")
	}
	if err := ParsePrivateKey(privateKey); err != nil {
		t.Fatalf("ParsePrivateKey rejected valid key: %v", err)
	}
}
