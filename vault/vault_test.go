package vault

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/live-labs/securevault/crypto"
	"github.com/live-labs/securevault/keychain"
	"github.com/live-labs/securevault/keystore"
	"github.com/live-labs/securevault/storage"
)

const testService = "com.live-labs.securevault.test"

func testConfig(t *testing.T, store keychain.Store, dir string) Config {
	t.Helper()
	salt, err := crypto.GenerateSalt()
	if err != nil {
		t.Fatalf("Failed to generate salt: %v", err)
	}
	return Config{
		DatabasePath:   filepath.Join(dir, "vault.db"),
		ServiceName:    testService,
		DerivationSalt: salt,
		KDF:            crypto.FastKDFParams(),
		Keychain:       store,
		Logger:         slog.New(slog.DiscardHandler),
		Migrations: []storage.Migration{
			{ID: 1, Name: "create credentials collection", Up: func(tx *storage.Tx) error {
				return tx.CreateCollection("credentials")
			}},
		},
	}
}

func newFactory(t *testing.T, cfg Config) *Factory {
	t.Helper()
	f, err := NewFactory(cfg)
	if err != nil {
		t.Fatalf("NewFactory failed: %v", err)
	}
	return f
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewFactory(Config{}); !errors.Is(err, ErrBadConfig) {
		t.Errorf("Expected ErrBadConfig for empty config, got %v", err)
	}
	if _, err := NewFactory(Config{DatabasePath: "/tmp/v.db"}); !errors.Is(err, ErrBadConfig) {
		t.Errorf("Expected ErrBadConfig for missing salt, got %v", err)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SECUREVAULT_DB_PATH", "/data/vault.db")
	t.Setenv("SECUREVAULT_SERVICE", "com.example.app")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv failed: %v", err)
	}
	if cfg.DatabasePath != "/data/vault.db" {
		t.Errorf("DatabasePath mismatch: got %s", cfg.DatabasePath)
	}
	if cfg.ServiceName != "com.example.app" {
		t.Errorf("ServiceName mismatch: got %s", cfg.ServiceName)
	}
}

func TestBootstrapCreatesKeyHierarchy(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	v, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	defer v.Close()

	// Install password, cached L1 and wrapped L2 are all stored
	if mem.Len() != 3 {
		t.Errorf("Expected 3 credential entries, got %d", mem.Len())
	}

	recs, err := v.Records("credentials")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Fresh vault should be empty, got %d records", len(recs))
	}
}

func TestBootstrapIdempotence(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	v1, err := f.MakeVault()
	if err != nil {
		t.Fatalf("First MakeVault failed: %v", err)
	}
	v2, err := f.MakeVault()
	if err != nil {
		t.Fatalf("Second MakeVault failed: %v", err)
	}
	if v1 != v2 {
		t.Error("Second MakeVault should return the cached handle")
	}
	if mem.Len() != 3 {
		t.Errorf("Repeat bootstrap should not create new entries, got %d", mem.Len())
	}
	v1.Close()
}

func TestConcurrentFirstAccess(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	const callers = 8
	vaults := make([]*Vault, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vaults[i], errs[i] = f.MakeVault()
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Caller %d failed: %v", i, errs[i])
		}
		if vaults[i] != vaults[0] {
			t.Fatal("All callers should receive the same vault")
		}
	}
	// Exactly one key hierarchy was created
	if mem.Len() != 3 {
		t.Errorf("Expected 3 credential entries, got %d", mem.Len())
	}
	vaults[0].Close()
}

// Scenario A: fresh install, write a record, simulate a process restart
// and read it back.
func TestRestartPersistence(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}

	rec := &storage.Record{Data: []byte(`{"site":"example.com"}`)}
	if err := v1.Put("credentials", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := v1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Restart: a new factory over the same credential store and file
	f2 := newFactory(t, cfg)
	v2, err := f2.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault after restart failed: %v", err)
	}
	defer v2.Close()

	got, err := v2.Record("credentials", rec.ID)
	if err != nil {
		t.Fatalf("Record failed after restart: %v", err)
	}
	if !bytes.Equal(got.Data, rec.Data) {
		t.Errorf("Record changed across restart: got %s, want %s", got.Data, rec.Data)
	}
	if mem.Len() != 3 {
		t.Errorf("Restart should reuse persisted material, got %d entries", mem.Len())
	}
}

// On a warm start the cached L1 unwraps L2 directly and the KDF never
// runs. Replacing the install password while keeping the cache proves
// the cached key is what actually unlocked the vault.
func TestCachedKeyShortCircuitsDerivation(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	rec := &storage.Record{Data: []byte("warm start")}
	if err := v1.Put("credentials", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v1.Close()

	// The password alone can no longer derive a matching L1
	foreign, err := crypto.GeneratePassword()
	if err != nil {
		t.Fatalf("Failed to generate password: %v", err)
	}
	if err := keystore.New(mem, testService).StoreInstallPassword(foreign); err != nil {
		t.Fatalf("Failed to replace install password: %v", err)
	}

	f2 := newFactory(t, cfg)
	v2, err := f2.MakeVault()
	if err != nil {
		t.Fatalf("Cached key should unlock the vault: %v", err)
	}
	defer v2.Close()

	got, err := v2.Record("credentials", rec.ID)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if string(got.Data) != "warm start" {
		t.Errorf("Data mismatch: got %s", got.Data)
	}
}

// A stale cache entry is not an error: bootstrap falls back to the KDF
// and refreshes the cache with the re-derived key.
func TestStaleCachedKeyFallsBackToDerivation(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	v1.Close()

	ks := keystore.New(mem, testService)
	stale, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err := ks.StoreL1Key(stale); err != nil {
		t.Fatalf("Failed to replace cached key: %v", err)
	}

	f2 := newFactory(t, cfg)
	v2, err := f2.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault should fall back to derivation: %v", err)
	}
	v2.Close()

	// The refreshed cache unwraps L2 again
	cached, err := ks.L1Key()
	if err != nil {
		t.Fatalf("L1Key failed: %v", err)
	}
	if bytes.Equal(cached, stale) {
		t.Error("Cache should be refreshed after a stale hit")
	}
	wrapped, err := ks.EncryptedL2Key()
	if err != nil {
		t.Fatalf("EncryptedL2Key failed: %v", err)
	}
	if _, err := crypto.Decrypt(wrapped, cached); err != nil {
		t.Errorf("Refreshed cache should unwrap the data key: %v", err)
	}
}

// Scenario B: the credential store was restored from a different
// install, so the wrapped L2 no longer matches the install password.
// Bootstrap must fail without touching the database.
func TestWrongInstallSecretIsFatal(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	if err := v1.Put("credentials", &storage.Record{Data: []byte("precious")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v1.Close()

	dbBefore, err := os.ReadFile(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("Failed to snapshot database: %v", err)
	}

	// Replace the install password and the cached L1, as a restore from
	// another device would. The wrapped L2 entry stays.
	ks := keystore.New(mem, testService)
	foreign, err := crypto.GeneratePassword()
	if err != nil {
		t.Fatalf("Failed to generate password: %v", err)
	}
	if err := ks.StoreInstallPassword(foreign); err != nil {
		t.Fatalf("Failed to replace install password: %v", err)
	}
	foreignL1, err := crypto.GenerateSecretKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err := ks.StoreL1Key(foreignL1); err != nil {
		t.Fatalf("Failed to replace cached key: %v", err)
	}

	f2 := newFactory(t, cfg)
	if _, err := f2.MakeVault(); !errors.Is(err, ErrVaultUnavailable) {
		t.Fatalf("Expected ErrVaultUnavailable, got %v", err)
	}

	// Terminal until reset: a second attempt reports the same condition
	if _, err := f2.MakeVault(); !errors.Is(err, ErrVaultUnavailable) {
		t.Errorf("Invalid state should persist, got %v", err)
	}

	// No silent reset: the database file is untouched
	dbAfter, err := os.ReadFile(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("Database file should still exist: %v", err)
	}
	if !bytes.Equal(dbBefore, dbAfter) {
		t.Error("Database must not be modified on a failed unlock")
	}
	if _, err := os.Stat(cfg.DatabasePath + storage.BackupSuffix); !os.IsNotExist(err) {
		t.Error("No backup should be created on a failed unlock")
	}
}

// When the install password entry is missing but the wrapped L2
// survives, a fresh password is generated and the cache cannot vouch
// for it. The hierarchy mismatch must surface instead of the cache
// papering over it.
func TestRegeneratedPasswordIgnoresCache(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	v1.Close()

	if err := mem.Delete(keychain.Query{
		Service: testService + ".v4",
		Account: "generated_password",
	}); err != nil {
		t.Fatalf("Failed to delete install password: %v", err)
	}

	f2 := newFactory(t, cfg)
	if _, err := f2.MakeVault(); !errors.Is(err, ErrVaultUnavailable) {
		t.Fatalf("Expected ErrVaultUnavailable, got %v", err)
	}
}

// Scenario C: all credential entries are gone but the database file
// remains. A new hierarchy is created and the old file is treated as
// corrupt: backed up and replaced with a fresh empty store.
func TestLostCredentialsRecreatesDatabase(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	if err := v1.Put("credentials", &storage.Record{Data: []byte("orphaned")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	v1.Close()

	oldDB, err := os.ReadFile(cfg.DatabasePath)
	if err != nil {
		t.Fatalf("Failed to snapshot database: %v", err)
	}

	if err := keystore.New(mem, testService).DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}

	f2 := newFactory(t, cfg)
	v2, err := f2.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault should recover: %v", err)
	}
	defer v2.Close()

	// Fresh hierarchy, usable empty store
	if mem.Len() != 3 {
		t.Errorf("Expected a new key hierarchy, got %d entries", mem.Len())
	}
	recs, err := v2.Records("credentials")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Recovered store should be empty, got %d records", len(recs))
	}

	// The old, differently-keyed file is preserved at the backup path
	backup, err := os.ReadFile(cfg.DatabasePath + storage.BackupSuffix)
	if err != nil {
		t.Fatalf("Backup should exist: %v", err)
	}
	if !bytes.Equal(backup, oldDB) {
		t.Error("Backup should be byte-identical to the old database")
	}
}

func TestResetWipesEverything(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f := newFactory(t, cfg)
	v, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	if err := v.Put("credentials", &storage.Record{Data: []byte("gone soon")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := v.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	if mem.Len() != 0 {
		t.Errorf("Reset should delete all credential entries, %d remain", mem.Len())
	}
	if _, err := os.Stat(cfg.DatabasePath); !os.IsNotExist(err) {
		t.Error("Reset should remove the database file")
	}

	// The old handle is dead
	if _, err := v.Records("credentials"); !errors.Is(err, ErrVaultClosed) {
		t.Errorf("Expected ErrVaultClosed, got %v", err)
	}

	// A subsequent bootstrap starts clean
	v2, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault after reset failed: %v", err)
	}
	defer v2.Close()

	recs, err := v2.Records("credentials")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("Vault should be empty after reset, got %d records", len(recs))
	}
	if mem.Len() != 3 {
		t.Errorf("New hierarchy should be created after reset, got %d entries", mem.Len())
	}
}

func TestResetClearsInvalidState(t *testing.T) {
	mem := keychain.NewMemStore()
	dir := t.TempDir()
	cfg := testConfig(t, mem, dir)

	f1 := newFactory(t, cfg)
	v1, err := f1.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	v1.Close()

	ks := keystore.New(mem, testService)
	foreign, _ := crypto.GeneratePassword()
	if err := ks.StoreInstallPassword(foreign); err != nil {
		t.Fatalf("Failed to replace install password: %v", err)
	}
	foreignL1, _ := crypto.GenerateSecretKey()
	if err := ks.StoreL1Key(foreignL1); err != nil {
		t.Fatalf("Failed to replace cached key: %v", err)
	}

	f2 := newFactory(t, cfg)
	if _, err := f2.MakeVault(); !errors.Is(err, ErrVaultUnavailable) {
		t.Fatalf("Expected ErrVaultUnavailable, got %v", err)
	}

	if err := f2.Reset(); err != nil {
		t.Fatalf("Reset from invalid state failed: %v", err)
	}

	v2, err := f2.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault after reset failed: %v", err)
	}
	v2.Close()
}

func TestCloseAllowsReopen(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	v1, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	rec := &storage.Record{Data: []byte("kept")}
	if err := v1.Put("credentials", rec); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := v1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	v2, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault after close failed: %v", err)
	}
	defer v2.Close()
	if v2 == v1 {
		t.Error("A closed handle should not be returned again")
	}

	got, err := v2.Record("credentials", rec.ID)
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if string(got.Data) != "kept" {
		t.Errorf("Data mismatch after reopen: got %s", got.Data)
	}
}

func TestTransactionThroughVault(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	v, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault failed: %v", err)
	}
	defer v.Close()

	err = v.Update(func(tx *storage.Tx) error {
		for _, site := range []string{"a.example", "b.example"} {
			if err := tx.Put("credentials", &storage.Record{Data: []byte(site)}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	recs, err := v.Records("credentials")
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("Expected 2 records, got %d", len(recs))
	}
}

func TestKeychainFailureIsNotFatal(t *testing.T) {
	mem := keychain.NewMemStore()
	cfg := testConfig(t, mem, t.TempDir())
	f := newFactory(t, cfg)

	// Transient OS failure on first access
	osErr := errors.New("keychain locked")
	mem.FailWith = osErr
	_, err := f.MakeVault()
	var accessErr *keystore.AccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Expected AccessError, got %v", err)
	}

	// Once the store recovers, bootstrap succeeds: the failure did not
	// poison the factory
	mem.FailWith = nil
	v, err := f.MakeVault()
	if err != nil {
		t.Fatalf("MakeVault after transient failure should succeed: %v", err)
	}
	v.Close()
}
