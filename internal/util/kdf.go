package util

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
	}
}

// DeriveArgon2idKey stretches a passphrase into a KeySize key. The
// passphrase is normalized first so visually identical input derives the
// same key on every platform.
func DeriveArgon2idKey(passphrase string, salt []byte, params Argon2idParams) []byte {
	return argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, KeySize)
}

// VerifyArgon2idKey reports whether passphrase derives expected.
func VerifyArgon2idKey(passphrase string, salt []byte, params Argon2idParams, expected []byte) bool {
	key := DeriveArgon2idKey(passphrase, salt, params)
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1
}

func HKDF(seed, salt, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// DeriveWrappingKey turns device key material into a key-encryption key.
// With a passphrase the result needs both factors: the HKDF output of the
// device key is combined with the Argon2id output of the passphrase.
func DeriveWrappingKey(deviceKey []byte, passphrase string, info []byte) ([]byte, error) {
	if len(deviceKey) < 16 {
		return nil, fmt.Errorf("device key too short: %d bytes", len(deviceKey))
	}
	salt := deviceKey[:16]
	kDevice, err := HKDF(deviceKey, salt, info)
	if err != nil {
		return nil, fmt.Errorf("deriving device key: %w", err)
	}
	if passphrase == "" {
		return kDevice, nil
	}
	defer WipeBytes(kDevice)

	kPass := DeriveArgon2idKey(passphrase, salt, DefaultArgon2idParams())
	defer WipeBytes(kPass)

	combined, err := xor(kPass, kDevice)
	if err != nil {
		return nil, fmt.Errorf("combining keys: %w", err)
	}
	return combined, nil
}
