package securestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jmcleod/authkeeper/internal/util"
)

const (
	deviceKeySize     = 32
	wrappingKeyInfo   = "authkeeper:secret_store_wrapping_key:v1"
	deviceKeyFileMode = 0o600
)

// LoadOrCreateDeviceKey reads the random device key at path, creating it
// with owner-only permissions on first use.
func LoadOrCreateDeviceKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != deviceKeySize {
			return nil, fmt.Errorf("device key %s: expected %d bytes, got %d", path, deviceKeySize, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading device key: %w", err)
	}

	key, err = util.RandomBytes(deviceKeySize)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(path, key, deviceKeyFileMode); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("writing device key: %w", err)
	}
	return key, nil
}

// WrappingKey derives the key that seals the secret store's data key from
// the device key and an optional passphrase.
func WrappingKey(deviceKey []byte, passphrase string) ([]byte, error) {
	return util.DeriveWrappingKey(deviceKey, passphrase, []byte(wrappingKeyInfo))
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
