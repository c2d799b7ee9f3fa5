package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// KeyHeader is the symmetric key and IV protecting one file's payload and
// thumbnails. A fresh header is generated for every new file and is never
// persisted or transmitted in the clear; it exists at rest only wrapped
// under a drive storage key and on the wire only wrapped under a client
// or transit shared secret.
type KeyHeader struct {
	AesKey *SecretMaterial
	Iv     []byte
}

// NewRandomKeyHeader generates a fresh key header.
func NewRandomKeyHeader() *KeyHeader {
	return &KeyHeader{
		AesKey: RandomSecret(AesKeySize),
		Iv:     RandomIV(),
	}
}

// Equals compares key and IV.
func (k *KeyHeader) Equals(o *KeyHeader) bool {
	if k == nil || o == nil {
		return false
	}
	if !k.AesKey.Equals(o.AesKey) {
		return false
	}
	if len(k.Iv) != len(o.Iv) {
		return false
	}
	for i := range k.Iv {
		if k.Iv[i] != o.Iv[i] {
			return false
		}
	}
	return true
}

// EncryptPayload encrypts plain under this header's key and IV.
func (k *KeyHeader) EncryptPayload(plain []byte) ([]byte, error) {
	return EncryptAesCbc(plain, k.AesKey, k.Iv)
}

// DecryptPayload decrypts ciphertext produced by EncryptPayload.
func (k *KeyHeader) DecryptPayload(ciphertext []byte) ([]byte, error) {
	return DecryptAesCbc(ciphertext, k.AesKey, k.Iv)
}

// Wipe destroys the key material.
func (k *KeyHeader) Wipe() {
	if k == nil {
		return
	}
	k.AesKey.Wipe()
	for i := range k.Iv {
		k.Iv[i] = 0
	}
}

// EncryptedKeyHeader is a KeyHeader encrypted under some wrapping key:
// the drive storage key for the persisted form, a client shared secret or
// a transit shared secret for the wire forms. Two encryptions of the same
// header are independent; neither is derivable from the other without the
// respective wrapping key.
type EncryptedKeyHeader struct {
	EncryptionVersion int    `json:"encryptionVersion"`
	Type              string `json:"type"`
	Iv                []byte `json:"iv"`
	Data              []byte `json:"data"`
}

const encryptionVersionAesCbc = 1

// EncryptKeyHeader wraps kh under wrappingKey with a fresh outer IV.
func EncryptKeyHeader(kh *KeyHeader, wrappingKey *SecretMaterial) (*EncryptedKeyHeader, error) {
	if kh == nil || kh.AesKey.IsEmpty() {
		return nil, errors.New("empty key header")
	}
	if len(kh.Iv) != IvSize {
		return nil, ErrInvalidIV
	}
	combined := make([]byte, 0, AesKeySize+IvSize)
	combined = append(combined, kh.AesKey.Bytes()...)
	combined = append(combined, kh.Iv...)

	outerIv := RandomIV()
	data, err := EncryptAesCbc(combined, wrappingKey, outerIv)
	if err != nil {
		return nil, err
	}
	return &EncryptedKeyHeader{
		EncryptionVersion: encryptionVersionAesCbc,
		Type:              "aes",
		Iv:                outerIv,
		Data:              data,
	}, nil
}

// Decrypt unwraps the key header using wrappingKey.
func (e *EncryptedKeyHeader) Decrypt(wrappingKey *SecretMaterial) (*KeyHeader, error) {
	if e == nil {
		return nil, errors.New("no encrypted key header")
	}
	if e.EncryptionVersion != encryptionVersionAesCbc {
		return nil, fmt.Errorf("unsupported key header encryption version %d", e.EncryptionVersion)
	}
	combined, err := DecryptAesCbc(e.Data, wrappingKey, e.Iv)
	if err != nil {
		return nil, err
	}
	if len(combined) != AesKeySize+IvSize {
		return nil, errors.New("malformed key header")
	}
	key := make([]byte, AesKeySize)
	copy(key, combined[:AesKeySize])
	iv := make([]byte, IvSize)
	copy(iv, combined[AesKeySize:])
	return &KeyHeader{AesKey: NewSecretMaterial(key), Iv: iv}, nil
}

// ReEncrypt unwraps with fromKey and wraps again under toKey. Used to
// convert the persisted storage-key form to the wire shared-secret form.
func (e *EncryptedKeyHeader) ReEncrypt(fromKey, toKey *SecretMaterial) (*EncryptedKeyHeader, error) {
	kh, err := e.Decrypt(fromKey)
	if err != nil {
		return nil, err
	}
	defer kh.Wipe()
	return EncryptKeyHeader(kh, toKey)
}

// ToBase64 returns the JSON form base64-encoded, the representation
// carried in the SharedSecretEncryptedHeader64 response header.
func (e *EncryptedKeyHeader) ToBase64() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
