// Package vault composes the crypto, keychain, keystore and storage
// layers into a single unlock-or-create lifecycle.
//
// The key hierarchy has three levels:
//   - the install password, generated once per installation and kept in
//     the OS credential store
//   - L1, derived from the install password with a fixed per-install
//     salt; a cached copy in the credential store lets warm starts skip
//     the derivation, with the password as the fallback source of truth
//   - L2, the random data-encryption key for the local database; only
//     ever persisted wrapped under L1
//
// A Factory runs the bootstrap at most once per process. Concurrent
// first callers block on the in-flight attempt rather than racing to
// create two install passwords. A wrapped L2 that fails to unwrap under
// the derived L1 is fatal: the vault reports itself unavailable instead
// of regenerating keys, because regenerating would silently orphan the
// existing database.
//
// Collaborators receive an opaque unlocked handle exposing record CRUD
// and transaction scopes. Key bytes never cross that boundary.
package vault
