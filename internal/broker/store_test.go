package broker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"uwgate/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	state, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.Profile)
	assert.Empty(t, state.Tokens)

	expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Update(ctx, func(s *State) error {
		s.Profile = &Profile{UserID: "jdoe", Name: "Jane Doe"}
		s.Tokens[provider.Ticketing] = &TokenRecord{AccessToken: "tok", ExpiresAt: expires, Strategy: provider.OAuthPassword}
		s.Pending[provider.Ticketing] = &PendingRedirect{Nonce: "n", Verifier: "v"}
		return nil
	}))

	state, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", state.Profile.Name)
	assert.Equal(t, "tok", state.Tokens[provider.Ticketing].AccessToken)
	assert.True(t, expires.Equal(state.Tokens[provider.Ticketing].ExpiresAt))
	assert.Equal(t, "n", state.Pending[provider.Ticketing].Nonce)

	// a failing update leaves the state untouched
	boom := errors.New("boom")
	err = store.Update(ctx, func(s *State) error {
		s.Profile = nil
		return boom
	})
	assert.ErrorIs(t, err, boom)
	state, err = store.Load(ctx)
	require.NoError(t, err)
	assert.NotNil(t, state.Profile)

	// loaded state is a copy
	state.Profile.Name = "changed"
	again, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", again.Profile.Name)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.json")
	store := NewFileStore(path)
	exerciseStore(t, store)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())

	// a second store on the same path sees the same data
	state, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jdoe", state.Profile.UserID)
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, CheckKeyring())
	exerciseStore(t, NewKeyringStore())
}

func TestKeyringStore_Unavailable(t *testing.T) {
	keyring.MockInitWithError(errors.New("no dbus"))
	defer keyring.MockInit()

	assert.Error(t, CheckKeyring())
	_, err := NewKeyringStore().Load(context.Background())
	assert.Error(t, err)
}
