package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/live-labs/securevault/crypto"
)

// Tx is one transaction scope over the store. All record payloads pass
// through the store's encryption on the way in and out.
type Tx struct {
	btx      *bolt.Tx
	store    *Store
	writable bool
}

// Raw exposes the underlying bolt transaction for collaborator-owned
// schema that does not fit the record model.
func (t *Tx) Raw() *bolt.Tx {
	return t.btx
}

// CreateCollection creates the named collection if it does not exist.
// Collections are normally created by migrations.
func (t *Tx) CreateCollection(name string) error {
	if !t.writable {
		return bolt.ErrTxNotWritable
	}
	_, err := t.btx.Bucket(RecordsBucket).CreateBucketIfNotExists([]byte(name))
	if err != nil {
		return fmt.Errorf("storage: failed to create collection %s: %w", name, err)
	}
	return nil
}

func (t *Tx) collection(name string) (*bolt.Bucket, error) {
	b := t.btx.Bucket(RecordsBucket).Bucket([]byte(name))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoCollection, name)
	}
	return b, nil
}

// Put stores the record, assigning a fresh ID when empty and
// maintaining created/modified timestamps.
func (t *Tx) Put(collection string, rec *Record) error {
	if !t.writable {
		return bolt.ErrTxNotWritable
	}
	b, err := t.collection(collection)
	if err != nil {
		return err
	}

	now := time.Now()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.Created = now
	}
	if rec.Created.IsZero() {
		rec.Created = now
	}
	rec.Modified = now

	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("storage: failed to marshal record: %w", err)
	}
	sealed, err := crypto.Encrypt(plaintext, t.store.key)
	crypto.ClearBytes(plaintext)
	if err != nil {
		return fmt.Errorf("storage: failed to encrypt record: %w", err)
	}

	return b.Put([]byte(rec.ID), sealed)
}

// Record returns one record by ID, or ErrRecordNotFound.
func (t *Tx) Record(collection, id string) (*Record, error) {
	b, err := t.collection(collection)
	if err != nil {
		return nil, err
	}
	sealed := b.Get([]byte(id))
	if sealed == nil {
		return nil, ErrRecordNotFound
	}
	return t.decode(sealed)
}

// Delete removes a record. Deleting an absent record succeeds.
func (t *Tx) Delete(collection, id string) error {
	if !t.writable {
		return bolt.ErrTxNotWritable
	}
	b, err := t.collection(collection)
	if err != nil {
		return err
	}
	return b.Delete([]byte(id))
}

// Records returns every record in the collection.
func (t *Tx) Records(collection string) ([]*Record, error) {
	b, err := t.collection(collection)
	if err != nil {
		return nil, err
	}

	var recs []*Record
	err = b.ForEach(func(k, sealed []byte) error {
		rec, err := t.decode(sealed)
		if err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (t *Tx) decode(sealed []byte) (*Record, error) {
	plaintext, err := crypto.Decrypt(sealed, t.store.key)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to decrypt record: %w", err)
	}
	defer crypto.ClearBytes(plaintext)

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, fmt.Errorf("storage: failed to unmarshal record: %w", err)
	}
	return &rec, nil
}
