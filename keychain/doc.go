// Package keychain abstracts the platform credential store behind a
// small capability interface.
//
// The Store interface covers the three operations the vault needs:
// lookup by query, upsert and idempotent delete. SystemStore backs it
// with the OS secret store (macOS Keychain, Windows Credential Manager,
// Secret Service on Linux); MemStore is an injectable in-memory double
// for tests.
//
// A missing item is reported as ErrNotFound and is distinct from an OS
// failure: callers routinely treat a miss as "generate and store", while
// any other error is surfaced for diagnostics.
package keychain
