// Package storage provides the record storage layer behind the secret and
// metadata stores. Records are addressed by (bucket, record type, record ID)
// and always travel as Envelopes.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrVaultNotFound is returned when the addressed bucket does not exist.
	ErrVaultNotFound = errors.New("bucket not found")
)

// Repository defines the interface for record storage.
type Repository interface {
	Put(bucket string, recordType string, recordID string, envelope *Envelope) error
	Get(bucket string, recordType string, recordID string) (*Envelope, error)
	Delete(bucket string, recordType string, recordID string) error
	List(bucket string, recordType string) ([]string, error)
}

// IsNotFound reports whether err means the record or its bucket is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrVaultNotFound)
}
