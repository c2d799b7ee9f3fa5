package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// ErrWrongKey is returned when unwrapping with a key that does not match
// the recorded key hash.
var ErrWrongKey = errors.New("wrong decryption key")

// SymmetricKeyEncrypted is a symmetric key wrapped under another symmetric
// key (AES-CBC). KeyHash lets the unwrapper detect a wrong key instead of
// handing back garbage bytes. This is the at-rest form of drive storage
// keys: encrypted under the owner master key in the drive record, and
// under a group's key store key in each drive grant.
type SymmetricKeyEncrypted struct {
	Iv           []byte `json:"iv"`
	KeyEncrypted []byte `json:"keyEncrypted"`
	KeyHash      []byte `json:"keyHash"`
}

// WrapKey encrypts secret under wrappingKey with a fresh IV.
func WrapKey(secret *SecretMaterial, wrappingKey *SecretMaterial) (*SymmetricKeyEncrypted, error) {
	if secret.IsEmpty() || wrappingKey.IsEmpty() {
		return nil, ErrSecretWiped
	}
	iv := RandomIV()
	enc, err := EncryptAesCbc(secret.Bytes(), wrappingKey, iv)
	if err != nil {
		return nil, err
	}
	return &SymmetricKeyEncrypted{
		Iv:           iv,
		KeyEncrypted: enc,
		KeyHash:      keyHash(wrappingKey, iv),
	}, nil
}

// Unwrap decrypts the wrapped key, verifying the wrapping key first.
func (s *SymmetricKeyEncrypted) Unwrap(wrappingKey *SecretMaterial) (*SecretMaterial, error) {
	if s == nil {
		return nil, errors.New("no wrapped key")
	}
	if wrappingKey.IsEmpty() {
		return nil, ErrSecretWiped
	}
	if subtle.ConstantTimeCompare(s.KeyHash, keyHash(wrappingKey, s.Iv)) != 1 {
		return nil, ErrWrongKey
	}
	plain, err := DecryptAesCbc(s.KeyEncrypted, wrappingKey, s.Iv)
	if err != nil {
		return nil, err
	}
	return NewSecretMaterial(plain), nil
}

func keyHash(key *SecretMaterial, iv []byte) []byte {
	h := sha256.New()
	h.Write(key.Bytes())
	h.Write(iv)
	return h.Sum(nil)
}
