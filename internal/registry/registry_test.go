package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/signing"
	"github.com/nbot-dev/nbot/internal/store"
)

func buildPackage(t *testing.T, manifest map[string]any, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	writeEntry := func(name string, data []byte) {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}

	mb, err := json.Marshal(manifest)
	require.NoError(t, err)
	writeEntry("manifest.json", mb)
	for name, content := range files {
		writeEntry(name, []byte(content))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func baseManifest(id string) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     "Test Plugin",
		"version":  "1.0.0",
		"type":     "bot",
		"entry":    "index.js",
		"codeType": "script",
		"commands": []string{"ping"},
		"builtin":  true, // skip signature verification in tests that don't exercise it
	}
}

type testEnv struct {
	dataDir string
	reg     *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "plugins"))
	kvStore := kv.New(filepath.Join(dir, "storage"))
	brk := broker.New(nil, nil)
	surface := capability.New()

	reg, err := New(dir, st, kvStore, brk, surface, signing.Policy{})
	require.NoError(t, err)
	return &testEnv{dataDir: dir, reg: reg}
}

func TestInstallPersistsDisabledEntry(t *testing.T) {
	env := newTestEnv(t)
	pkg := buildPackage(t, baseManifest("echo"), map[string]string{
		"index.js": `return { onEnable: function() { return true; } };`,
	})

	m, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)
	assert.Equal(t, "echo", m.ID)

	entry, ok := env.reg.Get("echo")
	require.True(t, ok)
	assert.False(t, entry.Enabled)

	snap := env.reg.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "echo", snap[0].Manifest.ID)
}

func TestInstallRejectsUnsignedWithoutOverride(t *testing.T) {
	env := newTestEnv(t)
	m := baseManifest("unsigned")
	delete(m, "builtin")
	pkg := buildPackage(t, m, map[string]string{"index.js": "return {};"})

	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.Error(t, err)

	_, ok := env.reg.Get("unsigned")
	assert.False(t, ok, "a failed signature check must roll back the install")
}

func TestEnableRunsOnEnableAndDisableRunsOnDisable(t *testing.T) {
	env := newTestEnv(t)
	pkg := buildPackage(t, baseManifest("echo"), map[string]string{
		"index.js": `
			var enabled = false;
			return {
				onEnable: function() { enabled = true; return true; },
				onDisable: function() { enabled = false; return true; },
				preMessage: function(ctx) { return enabled; },
			};
		`,
	})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)

	require.NoError(t, env.reg.Enable(context.Background(), "echo"))
	entry, ok := env.reg.Get("echo")
	require.True(t, ok)
	assert.True(t, entry.Enabled)

	sb, ok := env.reg.Sandbox("echo")
	require.True(t, ok)
	v, present, err := sb.Call(context.Background(), "preMessage", map[string]any{})
	require.NoError(t, err)
	require.True(t, present)
	assert.Equal(t, true, v.Export())

	require.NoError(t, env.reg.Disable(context.Background(), "echo"))
	entry, ok = env.reg.Get("echo")
	require.True(t, ok)
	assert.False(t, entry.Enabled)
	_, ok = env.reg.Sandbox("echo")
	assert.False(t, ok)
}

func TestEnableRollsBackOnOnEnableFault(t *testing.T) {
	env := newTestEnv(t)
	pkg := buildPackage(t, baseManifest("broken"), map[string]string{
		"index.js": `return { onEnable: function() { throw new Error("boom"); } };`,
	})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)

	err = env.reg.Enable(context.Background(), "broken")
	require.Error(t, err)

	entry, ok := env.reg.Get("broken")
	require.True(t, ok)
	assert.False(t, entry.Enabled)
	_, ok = env.reg.Sandbox("broken")
	assert.False(t, ok)
}

func TestUninstallUnknownIDReturnsNotFound(t *testing.T) {
	env := newTestEnv(t)
	err := env.reg.Uninstall(context.Background(), "ghost")
	require.Error(t, err)
}

func TestUninstallRemovesEntryAndDisablesFirst(t *testing.T) {
	env := newTestEnv(t)
	pkg := buildPackage(t, baseManifest("echo"), map[string]string{
		"index.js": `return { onEnable: function() { return true; } };`,
	})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)
	require.NoError(t, env.reg.Enable(context.Background(), "echo"))

	require.NoError(t, env.reg.Uninstall(context.Background(), "echo"))

	_, ok := env.reg.Get("echo")
	assert.False(t, ok)
	_, ok = env.reg.Sandbox("echo")
	assert.False(t, ok)
}

func TestUpdateConfigValidatesStructureAndInvokesHook(t *testing.T) {
	env := newTestEnv(t)
	manifest := baseManifest("configurable")
	manifest["configSchema"] = []map[string]any{
		{"key": "greeting", "kind": "string"},
		{"key": "limit", "kind": "number"},
	}
	pkg := buildPackage(t, manifest, map[string]string{
		"index.js": `
			var lastConfig = null;
			return {
				onEnable: function() { return true; },
				onConfigUpdated: function(cfg) { lastConfig = cfg; return true; },
				onNotice: function(ctx) { return lastConfig; },
			};
		`,
	})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)
	require.NoError(t, env.reg.Enable(context.Background(), "configurable"))

	err = env.reg.UpdateConfig(context.Background(), "configurable", json.RawMessage(`{"greeting":"hi","limit":5}`))
	require.NoError(t, err)

	sb, ok := env.reg.Sandbox("configurable")
	require.True(t, ok)
	v, _, err := sb.Call(context.Background(), "onNotice", map[string]any{})
	require.NoError(t, err)
	exported, ok := v.Export().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hi", exported["greeting"])
}

func TestUpdateConfigRejectsWrongStructuralKind(t *testing.T) {
	env := newTestEnv(t)
	manifest := baseManifest("configurable")
	manifest["configSchema"] = []map[string]any{
		{"key": "limit", "kind": "number"},
	}
	pkg := buildPackage(t, manifest, map[string]string{"index.js": "return {};"})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)

	err = env.reg.UpdateConfig(context.Background(), "configurable", json.RawMessage(`{"limit":"not-a-number"}`))
	require.Error(t, err)
}

func TestReloadReconstructsSandboxesForEnabledPlugins(t *testing.T) {
	env := newTestEnv(t)
	pkg := buildPackage(t, baseManifest("echo"), map[string]string{
		"index.js": `return { onEnable: function() { return true; } };`,
	})
	_, err := env.reg.Install(context.Background(), pkg, SourceLocal)
	require.NoError(t, err)
	require.NoError(t, env.reg.Enable(context.Background(), "echo"))

	reg2, err := New(env.dataDir, env.reg.store, env.reg.kv, env.reg.broker, env.reg.surface, signing.Policy{})
	require.NoError(t, err)

	entry, ok := reg2.Get("echo")
	require.True(t, ok)
	assert.True(t, entry.Enabled)
	_, ok = reg2.Sandbox("echo")
	assert.True(t, ok, "restart must reconstruct sandboxes for already-enabled plugins")
}
