// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"sort"
	"sync"

	"github.com/jmcleod/authkeeper/storage"
)

// Repository keeps records in nested maps keyed bucket -> record type -> ID.
// Suitable for tests and for processes that must not touch disk.
type Repository struct {
	mu      sync.RWMutex
	buckets map[string]map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{buckets: make(map[string]map[string]map[string]*storage.Envelope)}
}

func cloneEnvelope(env *storage.Envelope) *storage.Envelope {
	if env == nil {
		return nil
	}
	return &storage.Envelope{
		Ver:        env.Ver,
		Scheme:     env.Scheme,
		Nonce:      append([]byte(nil), env.Nonce...),
		Ciphertext: append([]byte(nil), env.Ciphertext...),
	}
}

func (r *Repository) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	types, ok := r.buckets[bucket]
	if !ok {
		types = make(map[string]map[string]*storage.Envelope)
		r.buckets[bucket] = types
	}
	records, ok := types[recordType]
	if !ok {
		records = make(map[string]*storage.Envelope)
		types[recordType] = records
	}
	records[recordID] = cloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types, ok := r.buckets[bucket]
	if !ok {
		return nil, storage.ErrVaultNotFound
	}
	env, ok := types[recordType][recordID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (r *Repository) Delete(bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	types, ok := r.buckets[bucket]
	if !ok {
		return storage.ErrVaultNotFound
	}
	records := types[recordType]
	if _, ok := records[recordID]; !ok {
		return storage.ErrNotFound
	}
	delete(records, recordID)
	return nil
}

// List returns the record IDs of the given type in sorted order.
func (r *Repository) List(bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.buckets[bucket][recordType]
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
