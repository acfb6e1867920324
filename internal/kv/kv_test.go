package kv

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/hosterr"
)

func TestSetGetDelete(t *testing.T) {
	s := New(t.TempDir())

	require.NoError(t, s.Set("hello-bot", "count", json.RawMessage(`1`)))
	v, err := s.Get("hello-bot", "count")
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(v))

	require.NoError(t, s.Set("hello-bot", "count", json.RawMessage(`2`)))
	v, err = s.Get("hello-bot", "count")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(v))

	require.NoError(t, s.Delete("hello-bot", "count"))
	v, err = s.Get("hello-bot", "count")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestGetMissingKeyReturnsNilNotError(t *testing.T) {
	s := New(t.TempDir())
	v, err := s.Get("hello-bot", "nope")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSetEnforcesKeyCountQuota(t *testing.T) {
	s := New(t.TempDir())
	s.maxKeys = 2

	require.NoError(t, s.Set("p", "a", json.RawMessage(`1`)))
	require.NoError(t, s.Set("p", "b", json.RawMessage(`1`)))
	err := s.Set("p", "c", json.RawMessage(`1`))
	require.Error(t, err)
	assert.Equal(t, hosterr.Quota, hosterr.CodeOf(err))

	v, _ := s.Get("p", "c")
	assert.Nil(t, v)
}

func TestSetEnforcesByteQuota(t *testing.T) {
	s := New(t.TempDir())
	s.maxBytes = 64

	big := json.RawMessage(`"` + strings.Repeat("x", 200) + `"`)
	err := s.Set("p", "big", big)
	require.Error(t, err)
	assert.Equal(t, hosterr.Quota, hosterr.CodeOf(err))
}

func TestIsolationAcrossPlugins(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Set("a", "k", json.RawMessage(`"a-value"`)))
	require.NoError(t, s.Set("b", "k", json.RawMessage(`"b-value"`)))

	va, _ := s.Get("a", "k")
	vb, _ := s.Get("b", "k")
	assert.JSONEq(t, `"a-value"`, string(va))
	assert.JSONEq(t, `"b-value"`, string(vb))
}

func TestDropPluginRemovesFile(t *testing.T) {
	s := New(t.TempDir())
	require.NoError(t, s.Set("p", "k", json.RawMessage(`1`)))
	require.NoError(t, s.DropPlugin("p"))

	v, err := s.Get("p", "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestPersistsAcrossStoreInstances(t *testing.T) {
	dir := t.TempDir()
	s1 := New(dir)
	require.NoError(t, s1.Set("p", "k", json.RawMessage(`"persisted"`)))

	s2 := New(dir)
	v, err := s2.Get("p", "k")
	require.NoError(t, err)
	assert.JSONEq(t, `"persisted"`, string(v))
}
