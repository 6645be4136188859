package securestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/authkeeper/internal/util"
	"github.com/jmcleod/authkeeper/storage"
	"github.com/jmcleod/authkeeper/storage/memory"
)

func newWrappingKey(t *testing.T) []byte {
	t.Helper()
	key, err := util.NewKey()
	require.NoError(t, err)
	return key
}

func TestSealedStore_RoundTrip(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	store, err := NewSealedStore(repo, newWrappingKey(t))
	require.NoError(t, err)

	require.NoError(t, store.SetSecret(ctx, "tokens", `{"refresh_token":"r-1"}`))

	got, ok, err := store.GetSecret(ctx, "tokens")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"refresh_token":"r-1"}`, got)

	env, err := repo.Get(secretBucket, secretRecordType, "tokens")
	require.NoError(t, err)
	assert.Equal(t, storage.SchemeAES256GCM, env.Scheme)
	assert.NotContains(t, string(env.Ciphertext), "r-1")
}

func TestSealedStore_MissingAndDelete(t *testing.T) {
	ctx := t.Context()
	store, err := NewSealedStore(memory.NewRepository(), newWrappingKey(t))
	require.NoError(t, err)

	_, ok, err := store.GetSecret(ctx, "nothing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetSecret(ctx, "k", "v"))
	require.NoError(t, store.DeleteSecret(ctx, "k"))
	require.NoError(t, store.DeleteSecret(ctx, "k"), "deleting an absent secret must not fail")

	_, ok, err = store.GetSecret(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSealedStore_ReopenWithSameWrappingKey(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	wk := newWrappingKey(t)

	first, err := NewSealedStore(repo, wk)
	require.NoError(t, err)
	require.NoError(t, first.SetSecret(ctx, "k", "persisted"))

	second, err := NewSealedStore(repo, wk)
	require.NoError(t, err)
	got, ok, err := second.GetSecret(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "persisted", got)
}

func TestSealedStore_WrongWrappingKeyRotatesDataKey(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()

	first, err := NewSealedStore(repo, newWrappingKey(t))
	require.NoError(t, err)
	require.NoError(t, first.SetSecret(ctx, "k", "old"))

	second, err := NewSealedStore(repo, newWrappingKey(t))
	require.NoError(t, err)
	_, _, err = second.GetSecret(ctx, "k")
	assert.Error(t, err, "secrets sealed under the old data key must be unreadable")
}

func TestSealedStore_RejectsBadWrappingKey(t *testing.T) {
	_, err := NewSealedStore(memory.NewRepository(), []byte("short"))
	assert.Error(t, err)
}

func TestSealedStore_Closed(t *testing.T) {
	ctx := t.Context()
	store, err := NewSealedStore(memory.NewRepository(), newWrappingKey(t))
	require.NoError(t, err)
	require.NoError(t, store.SetSecret(ctx, "k", "v"))

	store.Close()
	_, _, err = store.GetSecret(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.SetSecret(ctx, "k", "v2"), ErrStoreClosed)
}

func TestSealedStore_CancelledContext(t *testing.T) {
	store, err := NewSealedStore(memory.NewRepository(), newWrappingKey(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	assert.Error(t, store.SetSecret(ctx, "k", "v"))
}

type meta struct {
	UserID string `json:"user_id"`
}

func TestJSONStore(t *testing.T) {
	ctx := t.Context()
	store := NewJSONStore(memory.NewRepository())

	var m meta
	ok, err := store.GetJSON(ctx, "meta", &m)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SetJSON(ctx, "meta", meta{UserID: "u-1"}))
	ok, err = store.GetJSON(ctx, "meta", &m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u-1", m.UserID)

	require.NoError(t, store.DeleteJSON(ctx, "meta"))
	require.NoError(t, store.DeleteJSON(ctx, "meta"))
	ok, err = store.GetJSON(ctx, "meta", &m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONStore_CorruptDocument(t *testing.T) {
	ctx := t.Context()
	repo := memory.NewRepository()
	require.NoError(t, repo.Put(metadataBucket, metadataRecordType, "meta", storage.RawRecord([]byte("{not json"))))

	var m meta
	_, err := NewJSONStore(repo).GetJSON(ctx, "meta", &m)
	assert.Error(t, err)
}

func TestLoadOrCreateDeviceKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device.key")

	first, err := LoadOrCreateDeviceKey(path)
	require.NoError(t, err)
	assert.Len(t, first, deviceKeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(deviceKeyFileMode), info.Mode().Perm())

	second, err := LoadOrCreateDeviceKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("truncated"), 0o600))
	_, err = LoadOrCreateDeviceKey(path)
	assert.Error(t, err)
}

func TestWrappingKey(t *testing.T) {
	device, err := util.RandomBytes(deviceKeySize)
	require.NoError(t, err)

	plain, err := WrappingKey(device, "")
	require.NoError(t, err)
	withPass, err := WrappingKey(device, "hunter2")
	require.NoError(t, err)

	assert.Len(t, plain, util.KeySize)
	assert.NotEqual(t, plain, withPass)
}
