package reportstore

import (
	"context"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

const boltBucket = "reports"

// boltStore is a Store backed by an embedded bbolt database. Reports
// survive process restarts. bbolt allows one writer at a time, so the
// check and the put inside one Update are atomic.
type boltStore struct {
	db *bolt.DB
}

// NewBolt opens (or creates) the bbolt database at path and ensures the
// bucket exists.
func NewBolt(path string) (Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open report store %q: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	}); err != nil {
		db.Close() //nolint:errcheck // best-effort close on init failure
		return nil, fmt.Errorf("create bbolt bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Lookup(_ context.Context, key Key) (*Report, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key.String())); v != nil {
			// v is only valid inside the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bbolt lookup: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return decode(raw)
}

func (s *boltStore) InsertIfAbsent(_ context.Context, r *Report) (*Report, bool, error) {
	val, err := encode(r)
	if err != nil {
		return nil, false, err
	}
	var (
		stored   []byte
		inserted bool
	)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if b == nil {
			return fmt.Errorf("bucket %q not found", boltBucket)
		}
		k := []byte(r.Key().String())
		if v := b.Get(k); v != nil {
			stored = append([]byte(nil), v...)
			return nil
		}
		inserted = true
		stored = val
		return b.Put(k, val)
	})
	if err != nil {
		return nil, false, fmt.Errorf("bbolt insert: %w", err)
	}
	rep, err := decode(stored)
	return rep, inserted, err
}

func (s *boltStore) Close() error {
	return s.db.Close()
}
