// Package crypto implements the envelope-encryption primitives used by the
// drive layer: secret byte containers, AES-CBC, symmetric key wrapping, the
// per-file key header and transit key derivation.
package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"log/slog"
)

// ErrSecretWiped is returned when a wiped secret is used.
var ErrSecretWiped = errors.New("secret material has been wiped")

// SecretMaterial wraps a sensitive byte sequence. It is wiped explicitly
// via Wipe and never serialized or logged: String, LogValue and
// MarshalJSON all redact. The zero value is empty.
type SecretMaterial struct {
	bytes []byte
	wiped bool
}

// NewSecretMaterial wraps b. Ownership of b transfers to the secret;
// callers must not retain the slice.
func NewSecretMaterial(b []byte) *SecretMaterial {
	return &SecretMaterial{bytes: b}
}

// RandomSecret returns n cryptographically random secret bytes.
func RandomSecret(n int) *SecretMaterial {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// rand.Read only fails when the platform RNG is broken.
		panic(err)
	}
	return &SecretMaterial{bytes: b}
}

// Bytes exposes the raw secret. Callers must not retain or mutate the
// returned slice beyond the immediate operation.
func (s *SecretMaterial) Bytes() []byte {
	if s == nil || s.wiped {
		return nil
	}
	return s.bytes
}

// Clone returns an independent copy of the secret.
func (s *SecretMaterial) Clone() *SecretMaterial {
	if s.IsEmpty() {
		return &SecretMaterial{}
	}
	b := make([]byte, len(s.bytes))
	copy(b, s.bytes)
	return &SecretMaterial{bytes: b}
}

// IsEmpty reports whether the secret holds no usable bytes.
func (s *SecretMaterial) IsEmpty() bool {
	return s == nil || s.wiped || len(s.bytes) == 0
}

// Equals compares two secrets in constant time.
func (s *SecretMaterial) Equals(o *SecretMaterial) bool {
	if s.IsEmpty() || o.IsEmpty() {
		return false
	}
	return subtle.ConstantTimeCompare(s.bytes, o.bytes) == 1
}

// Wipe zeroes the underlying bytes. The secret is unusable afterwards.
func (s *SecretMaterial) Wipe() {
	if s == nil {
		return
	}
	for i := range s.bytes {
		s.bytes[i] = 0
	}
	s.bytes = nil
	s.wiped = true
}

func (s *SecretMaterial) String() string { return "[redacted]" }

// LogValue keeps secrets out of structured logs.
func (s *SecretMaterial) LogValue() slog.Value { return slog.StringValue("[redacted]") }

// MarshalJSON refuses serialization; secrets never leave the process in
// the clear.
func (s *SecretMaterial) MarshalJSON() ([]byte, error) {
	return nil, errors.New("secret material cannot be serialized")
}
