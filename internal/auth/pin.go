package auth

import (
	"crypto/sha256"
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// PinVerifier checks an admin MFA PIN. The engine never sees the
// configured credential, only the verdict.
type PinVerifier interface {
	Verify(pin string) bool
}

// BcryptVerifier verifies PINs against a bcrypt hash from configuration.
type BcryptVerifier struct {
	hash []byte
}

// NewBcryptVerifier wraps a bcrypt hash string (e.g. "$2a$10$...").
func NewBcryptVerifier(hash string) *BcryptVerifier {
	return &BcryptVerifier{hash: []byte(hash)}
}

func (v *BcryptVerifier) Verify(pin string) bool {
	return bcrypt.CompareHashAndPassword(v.hash, []byte(pin)) == nil
}

// StaticVerifier verifies against a plaintext PIN in constant time.
// Intended for development setups only; production config should carry a
// bcrypt hash instead.
type StaticVerifier struct {
	sum [sha256.Size]byte
}

// NewStaticVerifier wraps a plaintext PIN.
func NewStaticVerifier(pin string) *StaticVerifier {
	return &StaticVerifier{sum: sha256.Sum256([]byte(pin))}
}

func (v *StaticVerifier) Verify(pin string) bool {
	sum := sha256.Sum256([]byte(pin))
	return subtle.ConstantTimeCompare(sum[:], v.sum[:]) == 1
}

// SecretsEqual compares two secrets (e.g. API bearer tokens) without
// leaking length or content through timing.
func SecretsEqual(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}
