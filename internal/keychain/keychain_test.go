package keychain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestRoundTrip(t *testing.T) {
	keyring.MockInit()

	require.NoError(t, Set("user@example.com", "hunter2"))
	assert.True(t, Exists("user@example.com"))

	secret, err := Get("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)

	require.NoError(t, Delete("user@example.com"))
	assert.False(t, Exists("user@example.com"))
}

func TestGet_MissingEntry(t *testing.T) {
	keyring.MockInit()

	_, err := Get("nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_MissingEntryIsNotAnError(t *testing.T) {
	keyring.MockInit()
	assert.NoError(t, Delete("nobody@example.com"))
}
