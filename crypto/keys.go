// Package crypto provides the key agreement, authentication token and
// payload sealing used by the LAN transport.
package crypto

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const KeySize = curve25519.ScalarSize

// KeyPair is an ephemeral X25519 key pair. A new pair is generated for
// every connection negotiation.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// GenerateKeyPair returns a fresh clamped X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var pair KeyPair
	if _, err := rand.Read(pair.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("generate X25519 private key: %w", err)
	}
	clamp(&pair.Private)

	pub, err := curve25519.X25519(pair.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive X25519 public key: %w", err)
	}
	copy(pair.Public[:], pub)
	return pair, nil
}

// SharedSecret computes the X25519 shared secret with a peer public key.
func (k KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	if len(peerPublic) != KeySize {
		return nil, fmt.Errorf("invalid peer public key length: got %d want %d", len(peerPublic), KeySize)
	}
	secret, err := curve25519.X25519(k.Private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}
	return secret, nil
}

func clamp(k *[KeySize]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}
