package credential

import (
	"errors"
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withArrayKeyring(t *testing.T, items ...keyring.Item) *keyring.ArrayKeyring {
	t.Helper()
	ring := keyring.NewArrayKeyring(items)
	prev := open
	open = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { open = prev })
	return ring
}

func TestStoreAndLookup(t *testing.T) {
	withArrayKeyring(t)

	require.NoError(t, Store("bounces", "s3cret"))
	got, err := Lookup("bounces")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", got)

	require.NoError(t, Store("bounces", "rotated"))
	got, err = Lookup("bounces")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got)
}

func TestLookupMissing(t *testing.T) {
	withArrayKeyring(t, keyring.Item{Key: "other", Data: []byte("x")})

	_, err := Lookup("bounces")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete(t *testing.T) {
	withArrayKeyring(t, keyring.Item{Key: "bounces", Data: []byte("x")})

	require.NoError(t, Delete("bounces"))
	_, err := Lookup("bounces")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	withArrayKeyring(t)
	assert.Error(t, Store("", "x"))
}

func TestOpenFailure(t *testing.T) {
	prev := open
	open = func() (keyring.Keyring, error) { return nil, errors.New("no backend") }
	t.Cleanup(func() { open = prev })

	_, err := Lookup("bounces")
	assert.EqualError(t, err, "no backend")
}
