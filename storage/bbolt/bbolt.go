// Package bbolt provides a BBolt-backed storage repository.
//
// Each repository bucket maps to a top-level BBolt bucket and each record
// type to a nested bucket inside it, so listing a type is a plain cursor walk.
package bbolt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmcleod/authkeeper/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns
// a new Repository. A nil options value uses a one second open timeout so a
// second process holding the file lock fails fast instead of hanging.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	if options == nil {
		options = &bbolt.Options{Timeout: time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		top, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		records, err := top.CreateBucketIfNotExists([]byte(recordType))
		if err != nil {
			return err
		}
		return records.Put([]byte(recordID), data)
	})
}

func (s *Store) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	var envelope storage.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		records, err := recordBucket(tx, bucket, recordType, recordID)
		if err != nil {
			return err
		}
		data := records.Get([]byte(recordID))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &envelope)
	})
	if err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (s *Store) Delete(bucket, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records, err := recordBucket(tx, bucket, recordType, recordID)
		if err != nil {
			return err
		}
		if records.Get([]byte(recordID)) == nil {
			return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
		}
		return records.Delete([]byte(recordID))
	})
}

func (s *Store) List(bucket, recordType string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		top := tx.Bucket([]byte(bucket))
		if top == nil {
			return nil
		}
		records := top.Bucket([]byte(recordType))
		if records == nil {
			return nil
		}
		return records.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

func recordBucket(tx *bbolt.Tx, bucket, recordType, recordID string) (*bbolt.Bucket, error) {
	top := tx.Bucket([]byte(bucket))
	if top == nil {
		return nil, fmt.Errorf("%s: %w", bucket, storage.ErrVaultNotFound)
	}
	records := top.Bucket([]byte(recordType))
	if records == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return records, nil
}
