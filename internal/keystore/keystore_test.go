package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/devsync/internal/errs"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("file")
	require.ErrorIs(t, err, errs.ErrKeyStoreMissing)

	r.Register("memory", MemoryProvider(NewMemoryStore()))
	store, err := r.Create("memory")
	require.NoError(t, err)
	require.NotNil(t, store)
	require.Equal(t, []string{"memory"}, r.Names())
}

func testStoreBehavior(t *testing.T, store KeyStore) {
	t.Helper()

	// operations before LoadStore fail
	_, err := store.Load("device/x/sign-key")
	require.ErrorIs(t, err, errs.ErrKeyStoreMissing)

	require.NoError(t, store.LoadStore())

	ok, err := store.Contains("device/x/sign-key")
	require.NoError(t, err)
	require.False(t, ok)

	blob := []byte{0x30, 0x82, 0x01, 0x02}
	require.NoError(t, store.Store("device/x/sign-key", blob))
	ok, err = store.Contains("device/x/sign-key")
	require.NoError(t, err)
	require.True(t, ok)

	out, err := store.Load("device/x/sign-key")
	require.NoError(t, err)
	require.Equal(t, blob, out)

	require.NoError(t, store.Remove("device/x/sign-key"))
	require.NoError(t, store.Remove("device/x/sign-key")) // idempotent
	_, err = store.Load("device/x/sign-key")
	require.ErrorIs(t, err, errs.ErrKeyStoreMissing)

	require.NoError(t, store.CloseStore())
}

func TestMemoryStore(t *testing.T) {
	testStoreBehavior(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	testStoreBehavior(t, NewFileStore(filepath.Join(t.TempDir(), "keys")))
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	store := NewFileStore(dir)
	require.NoError(t, store.LoadStore())
	require.NoError(t, store.Store("device/abc/crypt-key", []byte("blob")))
	require.NoError(t, store.CloseStore())

	reopened := NewFileStore(dir)
	require.NoError(t, reopened.LoadStore())
	out, err := reopened.Load("device/abc/crypt-key")
	require.NoError(t, err)
	require.Equal(t, []byte("blob"), out)
}
