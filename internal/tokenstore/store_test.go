package tokenstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndLookup(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.AccountID("fresh-token")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetAccountID("fresh-token", 100000001))

	id, ok, err := s.AccountID("fresh-token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(100000001), id)
}

func TestOverwrite(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.SetAccountID("tok", 1))
	require.NoError(t, s.SetAccountID("tok", 2))

	id, ok, err := s.AccountID("tok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(2), id)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetAccountID("durable", 42))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	id, ok, err := s.AccountID("durable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(42), id)
}
