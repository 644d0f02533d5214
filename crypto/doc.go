// Package crypto provides the cryptographic primitives for securevault.
//
// Encryption uses XChaCha20-Poly1305 with:
//   - 32-byte keys
//   - 24-byte random nonce per encryption operation, prepended to the
//     ciphertext
//   - Authenticated encryption prevents tampering; a failed tag check
//     surfaces as ErrInvalidKey whether the cause is a wrong key or a
//     modified ciphertext
//
// Key derivation uses Argon2id with:
//   - a caller-supplied salt (fixed per install, stored by the caller)
//   - memory-hard default parameters (64 MiB, 3 passes)
//
// Derivation is deterministic: the same password, salt and parameters
// always yield the same key, so derived keys never need to be persisted.
//
// Memory safety:
//   - Use ClearBytes() to zero sensitive data after use
package crypto
