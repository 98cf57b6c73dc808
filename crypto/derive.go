package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	tokenInfo   = "helphub|auth-token"
	linkKeyInfo = "helphub|link-key"
	LinkKeySize = 32
)

// AuthenticationToken derives the 4-digit code both sides show during
// negotiation. Endpoint id order does not matter.
func AuthenticationToken(sharedSecret []byte, endpointA, endpointB string) (string, error) {
	raw, err := expand(sharedSecret, endpointA, endpointB, tokenInfo, 4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", binary.BigEndian.Uint32(raw)%10000), nil
}

// LinkKey derives the payload sealing key for a connection.
func LinkKey(sharedSecret []byte, endpointA, endpointB string) ([]byte, error) {
	return expand(sharedSecret, endpointA, endpointB, linkKeyInfo, LinkKeySize)
}

func expand(sharedSecret []byte, endpointA, endpointB, info string, size int) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, fmt.Errorf("shared secret is required")
	}
	if endpointB < endpointA {
		endpointA, endpointB = endpointB, endpointA
	}
	salt := []byte(endpointA + "|" + endpointB)

	out := make([]byte, size)
	r := hkdf.New(sha256.New, sharedSecret, salt, []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}
