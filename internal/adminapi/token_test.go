package adminapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticTokenOverridesGeneration(t *testing.T) {
	auth, err := NewTokenAuthority(t.TempDir(), "static-secret")
	require.NoError(t, err)
	assert.Equal(t, "static-secret", auth.Token)
	assert.True(t, auth.Verify("static-secret"))
	assert.False(t, auth.Verify("something-else"))
}

func TestGeneratedTokenPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := NewTokenAuthority(dir, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.Token)
	assert.True(t, first.Verify(first.Token))

	second, err := NewTokenAuthority(dir, "")
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token, "the minted JWT must be stable across restarts given the same persisted secret")
	assert.True(t, second.Verify(first.Token))
}

func TestGeneratedTokenWrittenToStateFile(t *testing.T) {
	dir := t.TempDir()
	auth, err := NewTokenAuthority(dir, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "state", "api_token.txt"))
	require.NoError(t, err)
	assert.Equal(t, auth.Token+"\n", string(data))
}
