// Package storage owns the encrypted local database file and its schema
// evolution.
//
// The database is a single BBolt file. Record payloads are encrypted
// under the store key before they are written; an encrypted canary
// written at initialization is verified on every open, so a file whose
// key no longer matches is detected immediately.
//
// Structure uses three internal buckets plus collaborator collections:
//   - meta: encrypted canary, creation timestamp
//   - migrations: applied migration identifiers
//   - records: one child bucket per named collection
//
// Corruption recovery: when an existing file fails to open or fails its
// key check, the file is moved to a deterministic sibling backup path
// (overwriting any prior backup) and a fresh empty database is created
// and migrated at the original path. Exactly one recovery attempt is
// made per Open call, and it completes before Open returns. A failed
// migration is not corruption: it aborts the open with the propagated
// error and leaves the file where it is.
//
// BBolt provides ACID transactions, file locking, one writer with
// concurrent readers, and structural corruption detection at open.
package storage
