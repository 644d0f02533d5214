package vault

import (
	"errors"
	"sync"

	"github.com/live-labs/securevault/crypto"
	"github.com/live-labs/securevault/storage"
)

var ErrVaultClosed = errors.New("vault: closed")

// Vault is the opaque unlocked handle collaborators work with. It
// exposes record CRUD and transaction scopes over the encrypted store;
// key material stays inside.
type Vault struct {
	factory *Factory
	store   *storage.Store
	l2      []byte

	mu     sync.Mutex
	closed bool
}

// Put stores a record in the named collection.
func (v *Vault) Put(collection string, rec *storage.Record) error {
	st, err := v.open()
	if err != nil {
		return err
	}
	return st.Put(collection, rec)
}

// Record returns one record by ID.
func (v *Vault) Record(collection, id string) (*storage.Record, error) {
	st, err := v.open()
	if err != nil {
		return nil, err
	}
	return st.Record(collection, id)
}

// Delete removes a record. Deleting an absent record succeeds.
func (v *Vault) Delete(collection, id string) error {
	st, err := v.open()
	if err != nil {
		return err
	}
	return st.Delete(collection, id)
}

// Records returns every record in the collection.
func (v *Vault) Records(collection string) ([]*storage.Record, error) {
	st, err := v.open()
	if err != nil {
		return nil, err
	}
	return st.Records(collection)
}

// View runs fn in a read-only transaction scope.
func (v *Vault) View(fn func(tx *storage.Tx) error) error {
	st, err := v.open()
	if err != nil {
		return err
	}
	return st.View(fn)
}

// Update runs fn in a write transaction scope with commit-or-rollback
// on every exit path.
func (v *Vault) Update(fn func(tx *storage.Tx) error) error {
	st, err := v.open()
	if err != nil {
		return err
	}
	return st.Update(fn)
}

// Reset wipes all vault state through the owning factory: credential
// entries, database file and backup. The handle is closed; a subsequent
// MakeVault bootstraps from scratch.
func (v *Vault) Reset() error {
	return v.factory.Reset()
}

// Close releases the store and clears key material. The factory forgets
// this handle, so the next MakeVault reopens with the persisted keys.
func (v *Vault) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	err := v.store.Close()
	crypto.ClearBytes(v.l2)
	v.mu.Unlock()

	v.factory.forget(v)
	return err
}

// close releases resources without touching factory state. Caller holds
// the factory lock.
func (v *Vault) close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	v.store.Close()
	crypto.ClearBytes(v.l2)
}

func (v *Vault) open() (*storage.Store, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrVaultClosed
	}
	return v.store, nil
}
