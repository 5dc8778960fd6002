package creds_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioneyes/claimsync/internal/creds"
	"github.com/unioneyes/claimsync/internal/events"
	"github.com/unioneyes/claimsync/internal/models"
)

func newTestStore(t *testing.T, dir string) *creds.TokenStore {
	t.Helper()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	return creds.NewTokenStore(filepath.Join(dir, "key"), filepath.Join(dir, "token"), logger)
}

func TestTokenRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	token := &creds.Token{
		AccessToken:  "access-abc",
		RefreshToken: "refresh-def",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		UserID:       "u1",
	}
	require.NoError(t, store.SetToken(token))

	got, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, got.AccessToken)
	assert.Equal(t, token.UserID, got.UserID)

	// A fresh store over the same files decrypts the same token.
	again := newTestStore(t, dir)
	got, err = again.Token()
	require.NoError(t, err)
	assert.Equal(t, "access-abc", got.AccessToken)
	assert.Equal(t, "refresh-def", got.RefreshToken)
}

func TestMissingToken(t *testing.T) {
	store := newTestStore(t, t.TempDir())

	_, err := store.Token()
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)
}

func TestDeleteToken(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	require.NoError(t, store.SetToken(&creds.Token{AccessToken: "abc"}))
	require.NoError(t, store.DeleteToken())

	_, err := store.Token()
	assert.ErrorIs(t, err, models.ErrNotAuthenticated)

	// Deleting again is fine.
	assert.NoError(t, store.DeleteToken())
}

func TestInvalidateDropsCacheOnly(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	require.NoError(t, store.SetToken(&creds.Token{AccessToken: "abc"}))
	store.Invalidate()

	// The persisted token is still there, the next read re-decrypts it.
	got, err := store.Token()
	require.NoError(t, err)
	assert.Equal(t, "abc", got.AccessToken)
}

func TestFilesWrittenPrivate(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	require.NoError(t, store.SetToken(&creds.Token{AccessToken: "abc"}))

	for _, name := range []string{"key", "token"} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), name)
	}
}

func TestTokenNotStoredInPlaintext(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	require.NoError(t, store.SetToken(&creds.Token{AccessToken: "super-secret-bearer"}))

	raw, err := os.ReadFile(filepath.Join(dir, "token"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "super-secret-bearer")
}

func TestExpired(t *testing.T) {
	assert.False(t, (&creds.Token{}).Expired())
	assert.False(t, (&creds.Token{ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}).Expired())
	assert.True(t, (&creds.Token{ExpiresAt: time.Now().Add(-time.Hour).UnixMilli()}).Expired())
}
