package crypto_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/odinfed/odinfed-go/internal/crypto"
)

func TestSecretMaterialWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	s := crypto.NewSecretMaterial(b)
	if s.IsEmpty() {
		t.Fatal("secret should not be empty")
	}
	s.Wipe()
	if !s.IsEmpty() {
		t.Error("secret should be empty after wipe")
	}
	for _, v := range b {
		if v != 0 {
			t.Fatal("underlying bytes not zeroed")
		}
	}
	if s.Bytes() != nil {
		t.Error("Bytes() should return nil after wipe")
	}
}

func TestSecretMaterialNeverSerializes(t *testing.T) {
	s := crypto.RandomSecret(16)
	if s.String() != "[redacted]" {
		t.Errorf("String() leaked: %q", s.String())
	}
	if _, err := json.Marshal(s); err == nil {
		t.Error("expected MarshalJSON to refuse")
	}
}

func TestSecretMaterialEquals(t *testing.T) {
	a := crypto.NewSecretMaterial([]byte("0123456789abcdef"))
	b := crypto.NewSecretMaterial([]byte("0123456789abcdef"))
	c := crypto.NewSecretMaterial([]byte("0123456789abcdeX"))
	if !a.Equals(b) {
		t.Error("equal secrets compared unequal")
	}
	if a.Equals(c) {
		t.Error("different secrets compared equal")
	}
	b.Wipe()
	if a.Equals(b) {
		t.Error("wiped secret compared equal")
	}
}

func TestAesCbcRoundTrip(t *testing.T) {
	key := crypto.RandomSecret(crypto.AesKeySize)
	iv := crypto.RandomIV()

	for _, plain := range [][]byte{
		[]byte(""),
		[]byte("pie"),
		[]byte(strings.Repeat("block-aligned-16", 4)),
		bytes.Repeat([]byte{0xff}, 1000),
	} {
		ct, err := crypto.EncryptAesCbc(plain, key, iv)
		if err != nil {
			t.Fatal(err)
		}
		got, err := crypto.DecryptAesCbc(ct, key, iv)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("round trip mismatch for %d bytes", len(plain))
		}
	}
}

func TestDecryptRejectsBadCiphertext(t *testing.T) {
	key := crypto.RandomSecret(crypto.AesKeySize)
	iv := crypto.RandomIV()
	if _, err := crypto.DecryptAesCbc([]byte{1, 2, 3}, key, iv); err == nil {
		t.Error("expected error on partial block")
	}
	if _, err := crypto.DecryptAesCbc(nil, key, iv); err == nil {
		t.Error("expected error on empty ciphertext")
	}
}

func TestValidateIV(t *testing.T) {
	if err := crypto.ValidateIV(make([]byte, 16)); err == nil {
		t.Error("all-zero iv accepted")
	}
	if err := crypto.ValidateIV([]byte{1, 2}); err == nil {
		t.Error("short iv accepted")
	}
	if err := crypto.ValidateIV(crypto.RandomIV()); err != nil {
		t.Errorf("random iv rejected: %v", err)
	}
}

func TestKeyWrapRoundTrip(t *testing.T) {
	storageKey := crypto.RandomSecret(crypto.AesKeySize)
	keyStoreKey := crypto.RandomSecret(crypto.AesKeySize)

	wrapped, err := crypto.WrapKey(storageKey, keyStoreKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := wrapped.Unwrap(keyStoreKey)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(storageKey) {
		t.Error("unwrapped key differs")
	}
}

func TestKeyWrapDetectsWrongKey(t *testing.T) {
	storageKey := crypto.RandomSecret(crypto.AesKeySize)
	right := crypto.RandomSecret(crypto.AesKeySize)
	wrong := crypto.RandomSecret(crypto.AesKeySize)

	wrapped, err := crypto.WrapKey(storageKey, right)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wrapped.Unwrap(wrong); err != crypto.ErrWrongKey {
		t.Errorf("expected ErrWrongKey, got %v", err)
	}
}

func TestKeyHeaderEnvelopeRoundTrip(t *testing.T) {
	kh := crypto.NewRandomKeyHeader()
	storageKey := crypto.RandomSecret(crypto.AesKeySize)

	ekh, err := crypto.EncryptKeyHeader(kh, storageKey)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ekh.Decrypt(storageKey)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(kh) {
		t.Error("decrypted key header differs")
	}
}

func TestKeyHeaderReEncrypt(t *testing.T) {
	kh := crypto.NewRandomKeyHeader()
	storageKey := crypto.RandomSecret(crypto.AesKeySize)
	sharedSecret := crypto.RandomSecret(crypto.AesKeySize)

	stored, err := crypto.EncryptKeyHeader(kh, storageKey)
	if err != nil {
		t.Fatal(err)
	}
	wire, err := stored.ReEncrypt(storageKey, sharedSecret)
	if err != nil {
		t.Fatal(err)
	}

	// The shared-secret form must be independent of the storage key.
	if _, err := wire.Decrypt(storageKey); err == nil {
		t.Error("wire form decryptable with storage key")
	}
	got, err := wire.Decrypt(sharedSecret)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equals(kh) {
		t.Error("re-encrypted key header differs")
	}
}

func TestKeyHeaderPayloadEncryption(t *testing.T) {
	kh := crypto.NewRandomKeyHeader()
	plain := []byte("pie")
	ct, err := kh.EncryptPayload(plain)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct, plain) {
		t.Fatal("payload not encrypted")
	}
	got, err := kh.DecryptPayload(ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("payload round trip mismatch")
	}
}

func TestDeriveTransitSecretDirectional(t *testing.T) {
	conn := crypto.RandomSecret(crypto.AesKeySize)

	ab, err := crypto.DeriveTransitSecret(conn, "alice.example", "bob.example")
	if err != nil {
		t.Fatal(err)
	}
	ab2, err := crypto.DeriveTransitSecret(conn, "alice.example", "bob.example")
	if err != nil {
		t.Fatal(err)
	}
	ba, err := crypto.DeriveTransitSecret(conn, "bob.example", "alice.example")
	if err != nil {
		t.Fatal(err)
	}

	if !ab.Equals(ab2) {
		t.Error("derivation not deterministic")
	}
	if ab.Equals(ba) {
		t.Error("directions share a wire key")
	}
}
