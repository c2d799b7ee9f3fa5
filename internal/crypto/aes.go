package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// AesKeySize is the symmetric key size used throughout the drive layer.
	AesKeySize = 16

	// IvSize is the AES block / IV size.
	IvSize = 16
)

var (
	ErrInvalidIV         = errors.New("iv must be 16 bytes and not all zeroes")
	ErrInvalidCiphertext = errors.New("ciphertext is not a whole number of blocks")
	ErrInvalidPadding    = errors.New("invalid pkcs7 padding")
)

// RandomIV returns a fresh 16-byte IV.
func RandomIV() []byte {
	iv := make([]byte, IvSize)
	if _, err := rand.Read(iv); err != nil {
		panic(err)
	}
	return iv
}

// ValidateIV rejects short or all-zero IVs. An all-zero IV on an encrypted
// payload almost always means the client forgot to generate one.
func ValidateIV(iv []byte) error {
	if len(iv) != IvSize {
		return ErrInvalidIV
	}
	zero := true
	for _, b := range iv {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return ErrInvalidIV
	}
	return nil
}

// EncryptAesCbc encrypts plain with AES-CBC and PKCS7 padding.
func EncryptAesCbc(plain []byte, key *SecretMaterial, iv []byte) ([]byte, error) {
	if key.IsEmpty() {
		return nil, ErrSecretWiped
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if len(iv) != IvSize {
		return nil, ErrInvalidIV
	}

	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptAesCbc decrypts AES-CBC ciphertext and strips PKCS7 padding.
func DecryptAesCbc(ciphertext []byte, key *SecretMaterial, iv []byte) ([]byte, error) {
	if key.IsEmpty() {
		return nil, ErrSecretWiped
	}
	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	if len(iv) != IvSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
