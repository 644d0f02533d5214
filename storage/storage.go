package storage

import (
	"errors"
	"fmt"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/live-labs/securevault/crypto"
)

const (
	// BackupSuffix is appended to the database path to form the
	// deterministic sibling path corrupt files are moved to.
	BackupSuffix = ".backup"

	FilePermSecure = 0600

	canaryKeyCheck = "securevault-key-check"
	openTimeout    = 5 * time.Second
)

// Bucket names
var (
	MetaBucket       = []byte("meta")       // Encrypted canary, creation timestamp
	MigrationsBucket = []byte("migrations") // Applied migration IDs
	RecordsBucket    = []byte("records")    // Parent of per-collection buckets
)

// Meta keys
var (
	metaCanary  = []byte("canary")
	metaCreated = []byte("created")
)

var (
	ErrOpenFailed     = errors.New("storage: open failed")
	ErrKeyMismatch    = errors.New("storage: database key mismatch")
	ErrRecordNotFound = errors.New("storage: record not found")
	ErrNoCollection   = errors.New("storage: collection does not exist")
)

// Options configures Open.
type Options struct {
	// Migrations are applied in order after the built-in schema setup.
	// IDs must be strictly increasing; already-applied migrations are
	// skipped.
	Migrations []Migration

	// DisableRecovery surfaces structural failures instead of moving
	// the file aside and recreating it.
	DisableRecovery bool
}

// Store is an open encrypted database.
type Store struct {
	db        *bolt.DB
	key       []byte
	path      string
	recovered bool
}

// Open opens or creates the encrypted database at path with the given
// key, applying pending migrations. On a structural failure of an
// existing file it performs at most one recovery attempt: the unreadable
// file is moved to path+BackupSuffix and a fresh database is created and
// migrated, yielding a usable but empty store.
func Open(path string, key []byte, opts Options) (*Store, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes", ErrOpenFailed, crypto.KeySize)
	}
	if err := validateMigrations(opts.Migrations); err != nil {
		return nil, err
	}

	store, err := openAndMigrate(path, key, opts.Migrations)
	if err == nil {
		return store, nil
	}
	if opts.DisableRecovery || !isRecoverable(err) {
		return nil, err
	}
	if _, statErr := os.Stat(path); statErr != nil {
		// Nothing on disk to recover; the failure is environmental.
		return nil, err
	}

	if moveErr := moveToBackup(path); moveErr != nil {
		return nil, fmt.Errorf("%w: recovery: %v (after %v)", ErrOpenFailed, moveErr, err)
	}

	store, retryErr := openAndMigrate(path, key, opts.Migrations)
	if retryErr != nil {
		return nil, retryErr
	}
	store.recovered = true
	return store, nil
}

// isRecoverable reports whether the failure is corruption-class: an
// unreadable file or a re-keyed database. A failed migration is a
// collaborator bug, not corruption; it aborts the open with the
// propagated error and must never move the user's data aside.
func isRecoverable(err error) bool {
	return errors.Is(err, ErrOpenFailed) ||
		errors.Is(err, ErrKeyMismatch)
}

// moveToBackup moves the database file to its sibling backup path,
// overwriting any prior backup. The move preserves the corrupt file's
// bytes for later inspection.
func moveToBackup(path string) error {
	backup := path + BackupSuffix
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear previous backup: %w", err)
	}
	if err := os.Rename(path, backup); err != nil {
		return fmt.Errorf("failed to move database aside: %w", err)
	}
	return nil
}

func openAndMigrate(path string, key []byte, migrations []Migration) (*Store, error) {
	db, err := bolt.Open(path, FilePermSecure, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	store := &Store{
		db:   db,
		key:  append([]byte(nil), key...),
		path: path,
	}

	// Schema setup, key check and all pending migrations share one
	// write transaction: a failure rolls everything back and nothing
	// partially-applied is left committed.
	err = db.Update(func(btx *bolt.Tx) error {
		if err := store.initialize(btx); err != nil {
			return err
		}
		return store.applyMigrations(btx, migrations)
	})
	if err != nil {
		db.Close()
		crypto.ClearBytes(store.key)
		return nil, err
	}

	return store, nil
}

// initialize creates the internal buckets and verifies or writes the
// encrypted canary. A canary that fails to decrypt means the file was
// written under a different key.
func (s *Store) initialize(btx *bolt.Tx) error {
	for _, bucket := range [][]byte{MetaBucket, MigrationsBucket, RecordsBucket} {
		if _, err := btx.CreateBucketIfNotExists(bucket); err != nil {
			return fmt.Errorf("%w: failed to create bucket %s: %v", ErrOpenFailed, bucket, err)
		}
	}

	meta := btx.Bucket(MetaBucket)
	if canary := meta.Get(metaCanary); canary != nil {
		plaintext, err := crypto.Decrypt(canary, s.key)
		if err != nil || string(plaintext) != canaryKeyCheck {
			return ErrKeyMismatch
		}
		return nil
	}

	canary, err := crypto.Encrypt([]byte(canaryKeyCheck), s.key)
	if err != nil {
		return fmt.Errorf("%w: failed to encrypt canary: %v", ErrOpenFailed, err)
	}
	if err := meta.Put(metaCanary, canary); err != nil {
		return fmt.Errorf("%w: failed to store canary: %v", ErrOpenFailed, err)
	}

	created, _ := time.Now().MarshalBinary()
	return meta.Put(metaCreated, created)
}

// Close closes the database and clears the key from memory.
func (s *Store) Close() error {
	crypto.ClearBytes(s.key)
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Recovered reports whether this open recreated the database after
// detecting corruption.
func (s *Store) Recovered() bool {
	return s.recovered
}

// View runs fn in a read-only transaction. Readers may run concurrently
// with each other but not with a write transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, store: s})
	})
}

// Update runs fn in a write transaction with commit-or-rollback on
// every exit path, including panics.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{btx: btx, store: s, writable: true})
	})
}
