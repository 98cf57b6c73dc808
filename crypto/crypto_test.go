package crypto

import (
	"bytes"
	"testing"
)

func TestBothSidesDeriveSameTokenAndKey(t *testing.T) {
	alice, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	bob, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	aliceSecret, err := alice.SharedSecret(bob.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret failed: %v", err)
	}
	bobSecret, err := bob.SharedSecret(alice.Public[:])
	if err != nil {
		t.Fatalf("SharedSecret failed: %v", err)
	}
	if !bytes.Equal(aliceSecret, bobSecret) {
		t.Fatalf("expected matching shared secrets")
	}

	aliceToken, err := AuthenticationToken(aliceSecret, "alice", "bob")
	if err != nil {
		t.Fatalf("AuthenticationToken failed: %v", err)
	}
	bobToken, err := AuthenticationToken(bobSecret, "bob", "alice")
	if err != nil {
		t.Fatalf("AuthenticationToken failed: %v", err)
	}
	if aliceToken != bobToken {
		t.Fatalf("expected equal tokens, got %q and %q", aliceToken, bobToken)
	}
	if len(aliceToken) != 4 {
		t.Fatalf("expected 4-digit token, got %q", aliceToken)
	}

	aliceKey, _ := LinkKey(aliceSecret, "alice", "bob")
	bobKey, _ := LinkKey(bobSecret, "bob", "alice")
	if !bytes.Equal(aliceKey, bobKey) || len(aliceKey) != LinkKeySize {
		t.Fatalf("expected matching %d-byte link keys", LinkKeySize)
	}
}

func TestSharedSecretRejectsBadKey(t *testing.T) {
	pair, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if _, err := pair.SharedSecret([]byte("short")); err == nil {
		t.Fatalf("expected error for short public key")
	}
	if _, err := AuthenticationToken(nil, "a", "b"); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestSealOpenRoundTripAndTamper(t *testing.T) {
	key := bytes.Repeat([]byte{7}, LinkKeySize)

	ciphertext, nonce, err := Seal(key, []byte("need medical help"), []byte("alice"))
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	plaintext, err := Open(key, nonce, ciphertext, []byte("alice"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(plaintext) != "need medical help" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}

	if _, err := Open(key, nonce, ciphertext, []byte("mallory")); err == nil {
		t.Fatalf("expected additional data mismatch to fail")
	}
	ciphertext[0] ^= 0xff
	if _, err := Open(key, nonce, ciphertext, []byte("alice")); err == nil {
		t.Fatalf("expected tampered ciphertext to fail")
	}
	if _, err := Open(key, nonce[:3], ciphertext, nil); err == nil {
		t.Fatalf("expected short nonce to fail")
	}
}
