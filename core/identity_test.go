package core_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olserra/meshclaw/core"
)

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "node.key")

	first, err := core.LoadOrCreateIdentity(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := core.LoadOrCreateIdentity(path)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "reloaded key must derive the same peer id")
}

func TestNewIdentityIsUnique(t *testing.T) {
	a, err := core.NewIdentity()
	require.NoError(t, err)
	b, err := core.NewIdentity()
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.ID.String(), a.String())
}

func TestLoadOrCreateIdentityRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := core.LoadOrCreateIdentity(path)
	assert.Error(t, err)
}
