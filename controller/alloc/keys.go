// Package alloc generates per-user cryptographic identities and allocates
// client addresses inside the server subnet.
package alloc

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Keypair generates a Curve25519 keypair in the exact format the daemon's
// key utility produces: base64-encoded 32-byte values, the private scalar
// clamped per the curve requirements. No subprocess is involved.
func Keypair() (private, public string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("generating private key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("deriving public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(priv),
		base64.StdEncoding.EncodeToString(pub), nil
}

// Preshared generates a preshared key: 32 random bytes, base64-encoded.
func Preshared() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating preshared key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
