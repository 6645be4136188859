package securestore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/storage"
)

const (
	secretBucket       = "__secrets"
	secretRecordType   = "SECRET"
	dataKeyRecordType  = "DATA_KEY"
	dataKeyID          = "current"
	secretAADPrefix    = "secret:"
	dataKeyWrappingAAD = "authkeeper:secret_store_data_key:v1"
)

// ErrStoreClosed is returned by a SealedStore after Close.
var ErrStoreClosed = errors.New("secret store closed")

// SecretStore holds a single string value per key in platform-secure storage.
type SecretStore interface {
	// GetSecret returns the value stored under key. ok is false when the key
	// has no value.
	GetSecret(ctx context.Context, key string) (value string, ok bool, err error)
	SetSecret(ctx context.Context, key, value string) error
	// DeleteSecret removes key. Deleting an absent key is not an error.
	DeleteSecret(ctx context.Context, key string) error
}

// SealedStore is a SecretStore over a storage.Repository. Values are sealed
// with a random data key; the data key is itself sealed with an externally
// provided wrapping key before it is stored, and is held in memory only
// inside a memguard Enclave.
type SealedStore struct {
	repo storage.Repository

	mu      sync.RWMutex
	dataKey *memguard.Enclave
}

var _ SecretStore = (*SealedStore)(nil)

// NewSealedStore opens (or initializes) the sealed store in repo. The
// wrapping key must be 32 bytes and is not retained.
//
// If the stored data key cannot be unsealed with wrappingKey, a new data key
// replaces it and every previously stored secret becomes unreadable.
func NewSealedStore(repo storage.Repository, wrappingKey []byte) (*SealedStore, error) {
	if len(wrappingKey) != util.KeySize {
		return nil, fmt.Errorf("wrapping key must be exactly %d bytes, got %d", util.KeySize, len(wrappingKey))
	}
	key, err := loadOrCreateDataKey(repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	return &SealedStore{
		repo:    repo,
		dataKey: memguard.NewEnclave(key),
	}, nil
}

// Close drops the data key. Subsequent calls return ErrStoreClosed.
func (s *SealedStore) Close() {
	s.mu.Lock()
	s.dataKey = nil
	s.mu.Unlock()
}

func (s *SealedStore) GetSecret(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	env, err := s.repo.Get(secretBucket, secretRecordType, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading secret %q: %w", key, err)
	}

	var value string
	err = s.withDataKey(func(dk []byte) error {
		data, err := storage.OpenRecord(dk, env, []byte(secretAADPrefix+key))
		if err != nil {
			return fmt.Errorf("unsealing secret %q: %w", key, err)
		}
		value = string(data)
		util.WipeBytes(data)
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SealedStore) SetSecret(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var env *storage.Envelope
	err := s.withDataKey(func(dk []byte) error {
		plain := []byte(value)
		defer util.WipeBytes(plain)
		sealed, err := storage.SealRecord(dk, plain, []byte(secretAADPrefix+key))
		if err != nil {
			return fmt.Errorf("sealing secret %q: %w", key, err)
		}
		env = sealed
		return nil
	})
	if err != nil {
		return err
	}
	return s.repo.Put(secretBucket, secretRecordType, key, env)
}

func (s *SealedStore) DeleteSecret(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.repo.Delete(secretBucket, secretRecordType, key); err != nil && !storage.IsNotFound(err) {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

func (s *SealedStore) withDataKey(fn func(dk []byte) error) error {
	s.mu.RLock()
	enclave := s.dataKey
	s.mu.RUnlock()
	if enclave == nil {
		return ErrStoreClosed
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("opening data key enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// loadOrCreateDataKey unseals the stored data key with wrappingKey. A
// missing or unreadable key is replaced by a freshly generated one.
func loadOrCreateDataKey(repo storage.Repository, wrappingKey []byte) ([]byte, error) {
	aad := []byte(dataKeyWrappingAAD)

	env, err := repo.Get(secretBucket, dataKeyRecordType, dataKeyID)
	switch {
	case err == nil:
		key, openErr := storage.OpenRecord(wrappingKey, env, aad)
		if openErr == nil && len(key) == util.KeySize {
			return key, nil
		}
		util.WipeBytes(key)
		// Wrong wrapping key or corrupt record: fall through and rotate.
	case !storage.IsNotFound(err):
		return nil, fmt.Errorf("reading data key: %w", err)
	}

	key, err := util.NewKey()
	if err != nil {
		return nil, err
	}
	sealed, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing new data key: %w", err)
	}
	if err := repo.Put(secretBucket, dataKeyRecordType, dataKeyID, sealed); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("persisting data key: %w", err)
	}
	return key, nil
}
