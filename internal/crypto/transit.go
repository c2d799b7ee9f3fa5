package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveTransitSecret derives the per-direction transit shared secret for
// a connection. Both peers hold the same connection secret; mixing the
// sender and recipient identifiers into the HKDF info keeps the two
// directions of a connection from sharing a wire key.
func DeriveTransitSecret(connectionSecret *SecretMaterial, sender, recipient string) (*SecretMaterial, error) {
	if connectionSecret.IsEmpty() {
		return nil, ErrSecretWiped
	}
	info := []byte("transit:" + sender + ">" + recipient)
	r := hkdf.New(sha256.New, connectionSecret.Bytes(), nil, info)
	key := make([]byte, AesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return NewSecretMaterial(key), nil
}
