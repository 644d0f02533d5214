package keystore

import (
	"errors"
	"fmt"

	"github.com/live-labs/securevault/keychain"
)

// Secret identifies one of the three logical secrets the vault keeps in
// the credential store.
type Secret int

const (
	SecretInstallPassword Secret = iota
	SecretL1Key
	SecretEncryptedL2Key
)

// entryName returns the account-level name of the secret. The names are
// part of the persisted layout and must not change without adding a new
// scheme.
func (s Secret) entryName() string {
	switch s {
	case SecretInstallPassword:
		return "generated_password"
	case SecretL1Key:
		return "l1_key"
	case SecretEncryptedL2Key:
		return "l2_key"
	default:
		return "unknown"
	}
}

// Scheme is a versioned convention for how a secret's attributes are
// stored and queried. Only the current scheme is ever written; legacy
// schemes are usable for lookup only.
type Scheme int

const (
	SchemeCurrent Scheme = iota
	SchemeV3
	SchemeV2
	SchemeV1
)

// lookupOrder is the fixed newest-to-oldest fallback sequence.
var lookupOrder = []Scheme{SchemeCurrent, SchemeV3, SchemeV2, SchemeV1}

// AccessError reports a credential-store failure that is not a simple
// miss, carrying the operation and secret name for diagnostics.
type AccessError struct {
	Op    string
	Field string
	Err   error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("keystore: %s %s: %v", e.Op, e.Field, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// Provider resolves the vault's logical secrets against an injected
// credential store.
type Provider struct {
	store   keychain.Store
	service string
}

// New creates a Provider over the given store. The service name scopes
// all entries; tests use distinct service names for isolation.
func New(store keychain.Store, service string) *Provider {
	return &Provider{store: store, service: service}
}

// queryFor builds the attributes for one (secret, scheme) pair. The
// variants reflect how earlier application versions named entries.
func (p *Provider) queryFor(kind Secret, scheme Scheme) keychain.Query {
	name := kind.entryName()
	switch scheme {
	case SchemeCurrent:
		return keychain.Query{Service: p.service + ".v4", Account: name}
	case SchemeV3:
		return keychain.Query{Service: p.service + ".v3", Account: name}
	case SchemeV2:
		return keychain.Query{Service: p.service, Account: name + ".v2"}
	default: // SchemeV1 stored bare entry names under the bare service
		return keychain.Query{Service: p.service, Account: name}
	}
}

// fetch looks the secret up under the current scheme, then each legacy
// scheme newest to oldest, returning the first hit. A miss across every
// scheme returns keychain.ErrNotFound.
func (p *Provider) fetch(kind Secret) ([]byte, error) {
	for _, scheme := range lookupOrder {
		secret, err := p.store.Item(p.queryFor(kind, scheme))
		if err == nil {
			return secret, nil
		}
		if errors.Is(err, keychain.ErrNotFound) {
			continue
		}
		return nil, &AccessError{Op: "read", Field: kind.entryName(), Err: err}
	}
	return nil, keychain.ErrNotFound
}

// put writes the secret under the current scheme only.
func (p *Provider) put(kind Secret, secret []byte) error {
	if err := p.store.Add(p.queryFor(kind, SchemeCurrent), secret); err != nil {
		return &AccessError{Op: "write", Field: kind.entryName(), Err: err}
	}
	return nil
}

// remove deletes the secret under every known scheme so a reset leaves
// no legacy copies behind.
func (p *Provider) remove(kind Secret) error {
	for _, scheme := range lookupOrder {
		if err := p.store.Delete(p.queryFor(kind, scheme)); err != nil {
			return &AccessError{Op: "delete", Field: kind.entryName(), Err: err}
		}
	}
	return nil
}

// InstallPassword returns the stored install password.
func (p *Provider) InstallPassword() ([]byte, error) {
	return p.fetch(SecretInstallPassword)
}

// StoreInstallPassword stores the install password under the current scheme.
func (p *Provider) StoreInstallPassword(password []byte) error {
	return p.put(SecretInstallPassword, password)
}

// L1Key returns the cached L1 key, if any. The cache is an
// optimization; L1 is always re-derivable from the install password.
func (p *Provider) L1Key() ([]byte, error) {
	return p.fetch(SecretL1Key)
}

// StoreL1Key caches the derived L1 key under the current scheme.
func (p *Provider) StoreL1Key(key []byte) error {
	return p.put(SecretL1Key, key)
}

// EncryptedL2Key returns the wrapped L2 key. This is the only persisted
// form of L2.
func (p *Provider) EncryptedL2Key() ([]byte, error) {
	return p.fetch(SecretEncryptedL2Key)
}

// StoreEncryptedL2Key stores the wrapped L2 key under the current scheme.
func (p *Provider) StoreEncryptedL2Key(wrapped []byte) error {
	return p.put(SecretEncryptedL2Key, wrapped)
}

// DeleteAll removes all three secrets under every scheme. It is
// idempotent: absent entries do not fail.
func (p *Provider) DeleteAll() error {
	for _, kind := range []Secret{SecretInstallPassword, SecretL1Key, SecretEncryptedL2Key} {
		if err := p.remove(kind); err != nil {
			return err
		}
	}
	return nil
}
