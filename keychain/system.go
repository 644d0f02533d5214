package keychain

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// SystemStore is the OS-backed credential store. Secrets are
// base64-armored because the underlying keyring API is string-typed.
type SystemStore struct{}

// NewSystemStore returns a Store backed by the platform secret store.
func NewSystemStore() *SystemStore {
	return &SystemStore{}
}

func (s *SystemStore) Item(q Query) ([]byte, error) {
	encoded, err := keyring.Get(q.Service, q.Account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keychain: get %s/%s: %w", q.Service, q.Account, err)
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keychain: decode %s/%s: %w", q.Service, q.Account, err)
	}
	return secret, nil
}

func (s *SystemStore) Add(q Query, secret []byte) error {
	if err := keyring.Set(q.Service, q.Account, base64.StdEncoding.EncodeToString(secret)); err != nil {
		return fmt.Errorf("keychain: set %s/%s: %w", q.Service, q.Account, err)
	}
	return nil
}

func (s *SystemStore) Delete(q Query) error {
	err := keyring.Delete(q.Service, q.Account)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keychain: delete %s/%s: %w", q.Service, q.Account, err)
	}
	return nil
}
