package storage

import (
	"encoding/binary"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var ErrMigrationFailed = errors.New("storage: migration failed")

// ErrBadMigration indicates a registration mistake: duplicate or
// non-increasing identifiers. It fails loudly rather than being
// swallowed by the recovery path.
var ErrBadMigration = errors.New("storage: invalid migration registration")

// Migration is one schema step. Migrations are identified by a
// monotonically increasing ID, are applied at most once, and run inside
// the opening write transaction.
type Migration struct {
	ID   int
	Name string
	Up   func(tx *Tx) error
}

func validateMigrations(migrations []Migration) error {
	last := 0
	for _, m := range migrations {
		if m.ID <= last {
			return fmt.Errorf("%w: id %d after %d", ErrBadMigration, m.ID, last)
		}
		if m.Up == nil {
			return fmt.Errorf("%w: migration %d has no Up", ErrBadMigration, m.ID)
		}
		last = m.ID
	}
	return nil
}

// applyMigrations runs every not-yet-applied migration in order,
// recording each in the tracking bucket. The caller supplies the write
// transaction, so a failed migration rolls back all of them along with
// the schema setup.
func (s *Store) applyMigrations(btx *bolt.Tx, migrations []Migration) error {
	tracking := btx.Bucket(MigrationsBucket)
	tx := &Tx{btx: btx, store: s, writable: true}

	for _, m := range migrations {
		id := migrationKey(m.ID)
		if tracking.Get(id) != nil {
			continue
		}
		if err := m.Up(tx); err != nil {
			return fmt.Errorf("%w: %d %s: %w", ErrMigrationFailed, m.ID, m.Name, err)
		}
		if err := tracking.Put(id, []byte(m.Name)); err != nil {
			return fmt.Errorf("%w: %d %s: %w", ErrMigrationFailed, m.ID, m.Name, err)
		}
	}
	return nil
}

// AppliedMigrations returns the IDs recorded in the tracking bucket.
func (s *Store) AppliedMigrations() ([]int, error) {
	var ids []int
	err := s.db.View(func(btx *bolt.Tx) error {
		return btx.Bucket(MigrationsBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, int(binary.BigEndian.Uint64(k)))
			return nil
		})
	})
	return ids, err
}

func migrationKey(id int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
