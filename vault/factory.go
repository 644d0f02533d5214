package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/live-labs/securevault/crypto"
	"github.com/live-labs/securevault/keychain"
	"github.com/live-labs/securevault/keystore"
	"github.com/live-labs/securevault/storage"
)

// ErrVaultUnavailable is the terminal "cannot unlock" condition: the
// stored wrapped L2 does not match the install password, typically after
// a credential-store restore from a different install. An explicit Reset
// is the only way out.
var ErrVaultUnavailable = errors.New("vault: unavailable")

type state int

const (
	stateUninitialized state = iota
	stateUnlocked
	stateInvalid
)

// Factory owns the bootstrap-or-unlock lifecycle. Use one factory per
// database path.
type Factory struct {
	cfg  Config
	log  *slog.Logger
	keys *keystore.Provider

	mu    sync.Mutex
	state state
	vault *Vault
	fatal error
}

// NewFactory validates the configuration and prepares a factory. No
// secret material is touched until MakeVault.
func NewFactory(cfg Config) (*Factory, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	return &Factory{
		cfg:  cfg,
		log:  cfg.Logger,
		keys: keystore.New(cfg.Keychain, cfg.ServiceName),
	}, nil
}

// MakeVault returns the unlocked vault, bootstrapping on first call.
// The bootstrap is a critical section: concurrent callers block on the
// in-flight attempt, so two install passwords can never be created. A
// transient failure leaves the factory ready to retry; a key-hierarchy
// mismatch is terminal until Reset.
func (f *Factory) MakeVault() (*Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateUnlocked:
		return f.vault, nil
	case stateInvalid:
		return nil, f.fatal
	}

	v, err := f.bootstrap()
	if err != nil {
		if errors.Is(err, ErrVaultUnavailable) {
			f.state = stateInvalid
			f.fatal = err
		}
		return nil, err
	}

	f.state = stateUnlocked
	f.vault = v
	return v, nil
}

// bootstrap runs the unlock-or-create sequence. Caller holds f.mu.
func (f *Factory) bootstrap() (*Vault, error) {
	// Step 1: install password, generated on first run.
	password, generated, err := f.installPassword()
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(password)

	// Steps 2-3: unwrap or create L2. The L1 derivation happens inside,
	// skipped entirely when the cached copy still opens the wrapped key.
	l2, err := f.obtainL2(password, generated)
	if err != nil {
		return nil, err
	}

	// Step 4: open the encrypted store under L2.
	store, err := storage.Open(f.cfg.DatabasePath, l2, storage.Options{
		Migrations: f.cfg.Migrations,
	})
	if err != nil {
		crypto.ClearBytes(l2)
		return nil, err
	}
	if store.Recovered() {
		f.log.Warn("vault: database was unreadable and has been recreated",
			slog.String("backup", f.cfg.DatabasePath+storage.BackupSuffix))
	}

	f.log.Info("vault: unlocked", slog.String("path", f.cfg.DatabasePath))
	return &Vault{factory: f, store: store, l2: l2}, nil
}

// installPassword fetches the install password, generating and storing
// one on first run. The generated flag tells later stages whether the
// credential store already held the password.
func (f *Factory) installPassword() ([]byte, bool, error) {
	password, err := f.keys.InstallPassword()
	if err == nil {
		return password, false, nil
	}
	if !errors.Is(err, keychain.ErrNotFound) {
		return nil, false, err
	}

	f.log.Info("vault: no install password found, creating one")
	password, err = crypto.GeneratePassword()
	if err != nil {
		return nil, false, err
	}
	if err := f.keys.StoreInstallPassword(password); err != nil {
		crypto.ClearBytes(password)
		return nil, false, err
	}
	return password, true, nil
}

// deriveL1 runs the KDF over the install password and refreshes the
// cached copy. The cache write may fail without consequence; L1 is
// always re-derivable from the password.
func (f *Factory) deriveL1(password []byte) ([]byte, error) {
	l1, err := crypto.DeriveKeyFromPassword(password, f.cfg.DerivationSalt, f.cfg.KDF)
	if err != nil {
		return nil, err
	}
	if err := f.keys.StoreL1Key(l1); err != nil {
		f.log.Warn("vault: failed to cache derived key", slog.Any("error", err))
	}
	return l1, nil
}

// obtainL2 fetches and unwraps the data-encryption key, or creates it
// exactly once on first bootstrap.
func (f *Factory) obtainL2(password []byte, generated bool) ([]byte, error) {
	wrapped, err := f.keys.EncryptedL2Key()
	if errors.Is(err, keychain.ErrNotFound) {
		l1, err := f.deriveL1(password)
		if err != nil {
			return nil, err
		}
		defer crypto.ClearBytes(l1)

		l2, err := crypto.GenerateSecretKey()
		if err != nil {
			return nil, err
		}
		wrapped, err := crypto.Encrypt(l2, l1)
		if err != nil {
			crypto.ClearBytes(l2)
			return nil, err
		}
		if err := f.keys.StoreEncryptedL2Key(wrapped); err != nil {
			crypto.ClearBytes(l2)
			return nil, err
		}
		return l2, nil
	}
	if err != nil {
		return nil, err
	}
	return f.unwrapL2(wrapped, password, generated)
}

// unwrapL2 decrypts the wrapped data-encryption key. The cached L1 is
// tried first to skip the expensive KDF on warm starts; a stale or
// missing cache falls back to a fresh derivation. A password that was
// regenerated this bootstrap means the credential store was partially
// wiped, so the cache cannot be trusted and is skipped.
//
// An unwrap failure after derivation is fatal: the wrapped key and the
// install password come from different installs, and regenerating here
// would silently orphan the database.
func (f *Factory) unwrapL2(wrapped, password []byte, generated bool) ([]byte, error) {
	if !generated {
		cached, err := f.keys.L1Key()
		switch {
		case err == nil:
			if len(cached) == crypto.KeySize {
				l2, derr := crypto.Decrypt(wrapped, cached)
				if derr == nil {
					crypto.ClearBytes(cached)
					return l2, nil
				}
			}
			crypto.ClearBytes(cached)
		case !errors.Is(err, keychain.ErrNotFound):
			return nil, err
		}
	}

	l1, err := f.deriveL1(password)
	if err != nil {
		return nil, err
	}
	defer crypto.ClearBytes(l1)

	l2, err := crypto.Decrypt(wrapped, l1)
	if err != nil {
		return nil, fmt.Errorf("%w: stored key does not match install secret", ErrVaultUnavailable)
	}
	return l2, nil
}

// Reset wipes all vault state: the three credential-store entries, the
// database file and its backup. It works from any state, including
// Invalid, and returns the factory to Uninitialized so a subsequent
// MakeVault starts clean.
func (f *Factory) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.vault != nil {
		f.vault.close()
		f.vault = nil
	}

	if err := f.keys.DeleteAll(); err != nil {
		return err
	}
	for _, path := range []string{f.cfg.DatabasePath, f.cfg.DatabasePath + storage.BackupSuffix} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("vault: failed to remove %s: %w", path, err)
		}
	}

	f.state = stateUninitialized
	f.fatal = nil
	f.log.Info("vault: reset complete")
	return nil
}

// forget is called when a vault handle closes outside of Reset, so the
// next MakeVault reopens instead of handing out a dead handle.
func (f *Factory) forget(v *Vault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vault == v {
		f.vault = nil
		f.state = stateUninitialized
	}
}
