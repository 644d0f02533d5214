package storage

import (
	"time"
)

// Record is one domain record in a named collection. The payload is
// opaque to the store and encrypted before it touches disk.
type Record struct {
	ID       string    `json:"id"`
	Data     []byte    `json:"data"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Put stores the record in the collection, assigning an ID and
// timestamps as needed.
func (s *Store) Put(collection string, rec *Record) error {
	return s.Update(func(tx *Tx) error {
		return tx.Put(collection, rec)
	})
}

// Record returns one record by ID, or ErrRecordNotFound.
func (s *Store) Record(collection, id string) (*Record, error) {
	var rec *Record
	err := s.View(func(tx *Tx) error {
		var err error
		rec, err = tx.Record(collection, id)
		return err
	})
	return rec, err
}

// Delete removes a record. Deleting an absent record succeeds.
func (s *Store) Delete(collection, id string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(collection, id)
	})
}

// Records returns every record in the collection.
func (s *Store) Records(collection string) ([]*Record, error) {
	var recs []*Record
	err := s.View(func(tx *Tx) error {
		var err error
		recs, err = tx.Records(collection)
		return err
	})
	return recs, err
}
