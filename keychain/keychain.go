package keychain

import (
	"errors"
)

// ErrNotFound indicates the queried item does not exist in the store.
// It is not a failure: callers fall back to generating the secret.
var ErrNotFound = errors.New("keychain: item not found")

// Query identifies a single stored secret.
type Query struct {
	Service string
	Account string
}

// Store is the capability interface over a platform credential store.
// Implementations must be safe to inject at construction time so tests
// can substitute an in-memory double.
type Store interface {
	// Item returns the secret matching the query, or ErrNotFound.
	Item(q Query) ([]byte, error)
	// Add stores the secret under the query with upsert semantics.
	Add(q Query, secret []byte) error
	// Delete removes the item. Deleting an absent item succeeds.
	Delete(q Query) error
}
