package vault

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"

	"github.com/live-labs/securevault/crypto"
	"github.com/live-labs/securevault/keychain"
	"github.com/live-labs/securevault/storage"
)

const DefaultServiceName = "com.live-labs.securevault"

var ErrBadConfig = errors.New("vault: invalid configuration")

// Config carries everything the factory needs at construction time.
// The derivation salt is explicit configuration rather than static
// state so isolated test runs can use distinct salts.
type Config struct {
	// DatabasePath is the caller-supplied location of the encrypted
	// database file.
	DatabasePath string `env:"SECUREVAULT_DB_PATH"`

	// ServiceName scopes the credential-store entries.
	ServiceName string `env:"SECUREVAULT_SERVICE" envDefault:"com.live-labs.securevault"`

	// DerivationSalt is the fixed per-install salt for deriving L1 from
	// the install password. Required; changing it orphans the vault.
	DerivationSalt []byte

	// KDF overrides the Argon2id parameters. Zero value means the
	// production defaults.
	KDF crypto.KDFParams

	// Keychain is the credential store to use. Nil means the platform
	// store.
	Keychain keychain.Store

	// Migrations are the collaborator-owned schema steps applied when
	// the database opens.
	Migrations []storage.Migration

	// Logger receives bootstrap and recovery diagnostics. Nil means
	// slog.Default(). Key material is never logged.
	Logger *slog.Logger
}

// ConfigFromEnv reads the environment-sourced fields. The caller still
// supplies the derivation salt and any injected dependencies.
func ConfigFromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("vault: failed to parse environment: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: database path is required", ErrBadConfig)
	}
	if len(c.DerivationSalt) == 0 {
		return fmt.Errorf("%w: derivation salt is required", ErrBadConfig)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.KDF == (crypto.KDFParams{}) {
		c.KDF = crypto.DefaultKDFParams()
	}
	if c.Keychain == nil {
		c.Keychain = keychain.NewSystemStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
