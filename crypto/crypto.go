package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize      = 32                          // XChaCha20-Poly1305 key size
	PasswordSize = 32                          // Generated install password size
	SaltSize     = 32                          // Derivation salt size
	NonceSize    = chacha20poly1305.NonceSizeX // 24-byte extended nonce
	TagSize      = chacha20poly1305.Overhead   // Poly1305 authentication tag size
)

var (
	ErrKeyGeneration      = errors.New("key generation failed")
	ErrInvalidKey         = errors.New("invalid key")
	ErrInvalidCiphertext  = errors.New("invalid ciphertext")
	ErrHashingUnavailable = errors.New("hashing unavailable: no salt configured")
)

// KDFParams holds the Argon2id cost parameters. The salt is passed
// separately so a fixed per-install salt can be combined with shared
// parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // in KiB
	Threads uint8
}

// DefaultKDFParams returns the production Argon2id parameters:
// 3 passes over 64 MiB with 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}
}

// FastKDFParams returns deliberately weak parameters for tests.
func FastKDFParams() KDFParams {
	return KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
}

// GenerateSecretKey generates a random data-encryption key.
func GenerateSecretKey() ([]byte, error) {
	return generateRandom(KeySize)
}

// GeneratePassword generates a random install password. It has the same
// size as a key but is never used to encrypt data directly; keys are
// derived from it via DeriveKeyFromPassword.
func GeneratePassword() ([]byte, error) {
	return generateRandom(PasswordSize)
}

// GenerateNonce generates a random single-use nonce.
func GenerateNonce() ([]byte, error) {
	return generateRandom(NonceSize)
}

// GenerateSalt generates a random derivation salt.
func GenerateSalt() ([]byte, error) {
	return generateRandom(SaltSize)
}

// DeriveKeyFromPassword derives a key from a password using Argon2id.
// The same (password, salt, params) always yields the same key.
func DeriveKeyFromPassword(password, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 || len(salt) == 0 {
		return nil, fmt.Errorf("%w: empty password or salt", ErrKeyGeneration)
	}
	return argon2.IDKey(password, salt, p.Time, p.Memory, p.Threads, KeySize), nil
}

// Encrypt encrypts data using XChaCha20-Poly1305 with a random nonce
// prepended to the ciphertext.
func Encrypt(data, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceSize, NonceSize+len(data)+TagSize)
	copy(out, nonce)
	return aead.Seal(out, nonce, data, nil), nil
}

// Decrypt decrypts data produced by Encrypt. It returns ErrInvalidKey
// when the authentication tag does not verify, whether the cause is a
// wrong key or a tampered ciphertext.
func Decrypt(data, key []byte) ([]byte, error) {
	if len(data) < NonceSize+TagSize {
		return nil, ErrInvalidCiphertext
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	plaintext, err := aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return plaintext, nil
}

// HashData returns a salted SHA-256 fingerprint of data. The hash is
// one-way and not reversible to the input. A missing salt yields
// ErrHashingUnavailable rather than an unsalted hash.
func HashData(data, salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, ErrHashingUnavailable
	}
	h := sha256.New()
	h.Write(salt)
	h.Write(data)
	return h.Sum(nil), nil
}

// ClearBytes securely clears a byte slice
func ClearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// ConstantTimeCompare performs a constant-time comparison of two byte slices
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func generateRandom(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}
	return b, nil
}
