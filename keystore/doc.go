// Package keystore maps the vault's three logical secrets onto
// credential-store queries.
//
// The three secrets are the install password (root of the key
// hierarchy), the cached L1 derivation, and the wrapped L2 key. Each is
// addressed by an entry name under a configured service name.
//
// Entry attributes have drifted across application versions. Lookups
// therefore try the current scheme first and fall back through the
// retained legacy schemes, newest to oldest, stopping at the first hit.
// Writes always use only the current scheme, so a legacy entry migrates
// forward the next time it is stored. A miss across every scheme is
// keychain.ErrNotFound, not a failure.
package keystore
