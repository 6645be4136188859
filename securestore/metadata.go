package securestore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/authkeeper/storage"
)

const (
	metadataBucket     = "__metadata"
	metadataRecordType = "JSON"
)

// MetadataStore is a fast key-value store for small JSON documents.
type MetadataStore interface {
	// GetJSON decodes the document stored under key into v. ok is false when
	// the key has no document, in which case v is untouched.
	GetJSON(ctx context.Context, key string, v any) (ok bool, err error)
	SetJSON(ctx context.Context, key string, v any) error
	// DeleteJSON removes key. Deleting an absent key is not an error.
	DeleteJSON(ctx context.Context, key string) error
}

// JSONStore is a MetadataStore over a storage.Repository. Documents are
// stored unencrypted.
type JSONStore struct {
	repo storage.Repository
}

var _ MetadataStore = (*JSONStore)(nil)

// NewJSONStore stores JSON documents in repo.
func NewJSONStore(repo storage.Repository) *JSONStore {
	return &JSONStore{repo: repo}
}

func (s *JSONStore) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	env, err := s.repo.Get(metadataBucket, metadataRecordType, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading %q: %w", key, err)
	}
	data, err := storage.OpenRaw(env)
	if err != nil {
		return false, fmt.Errorf("reading %q: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decoding %q: %w", key, err)
	}
	return true, nil
}

func (s *JSONStore) SetJSON(ctx context.Context, key string, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	return s.repo.Put(metadataBucket, metadataRecordType, key, storage.RawRecord(data))
}

func (s *JSONStore) DeleteJSON(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.repo.Delete(metadataBucket, metadataRecordType, key); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("deleting %q: %w", key, err)
	}
	return nil
}
