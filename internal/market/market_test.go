package market

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/registry"
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

func manifestFor(id, version string) map[string]any {
	return map[string]any{
		"id":       id,
		"name":     "Market Plugin",
		"version":  version,
		"type":     "bot",
		"entry":    "index.js",
		"codeType": "script",
		"builtin":  true,
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "plugins"))
	kvStore := kv.New(filepath.Join(dir, "storage"))
	brk := broker.New(nil, nil)
	surface := capability.New()
	reg, err := registry.New(dir, st, kvStore, brk, surface, signing.Policy{})
	require.NoError(t, err)
	return reg
}

// catalogServer serves /catalog from entries and /download/<id> from pkgs,
// keyed by CatalogEntry.ID.
func catalogServer(t *testing.T, entries []CatalogEntry, pkgs map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/catalog", func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(entries)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, req *http.Request) {
		id := req.URL.Path[len("/download/"):]
		data, ok := pkgs[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	return httptest.NewServer(mux)
}

func TestSyncInstallsNewPlugin(t *testing.T) {
	reg := newTestRegistry(t)
	pkg := buildPackage(t, manifestFor("weather", "1.0.0"), map[string]string{"index.js": "return {};"})
	srv := catalogServer(t, []CatalogEntry{{ID: "weather", Version: "1.0.0", SourceURL: "/download/weather"}},
		map[string][]byte{"weather": pkg})
	defer srv.Close()

	rec := New(srv.URL, reg)
	report, err := rec.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather"}, report.Installed)
	assert.Empty(t, report.Updated)
	assert.Empty(t, report.Failed)

	entry, ok := reg.Get("weather")
	require.True(t, ok)
	assert.False(t, entry.Enabled, "a freshly market-installed plugin must start disabled")
}

func TestSyncSkipsUpToDateWithoutForce(t *testing.T) {
	reg := newTestRegistry(t)
	pkg := buildPackage(t, manifestFor("weather", "1.0.0"), map[string]string{"index.js": "return {};"})
	_, err := reg.Install(context.Background(), pkg, registry.SourceLocal)
	require.NoError(t, err)

	srv := catalogServer(t, []CatalogEntry{{ID: "weather", Version: "1.0.0", SourceURL: "/download/weather"}},
		map[string][]byte{"weather": pkg})
	defer srv.Close()

	rec := New(srv.URL, reg)
	report, err := rec.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather"}, report.Skipped)
	assert.Empty(t, report.Installed)
	assert.Empty(t, report.Updated)
}

func TestSyncUpdatesNewerVersionPreservingConfigAndEnabled(t *testing.T) {
	reg := newTestRegistry(t)
	oldPkg := buildPackage(t, manifestFor("weather", "1.0.0"), map[string]string{
		"index.js": `return { onEnable: function() { return true; } };`,
	})
	_, err := reg.Install(context.Background(), oldPkg, registry.SourceLocal)
	require.NoError(t, err)
	require.NoError(t, reg.Enable(context.Background(), "weather"))
	require.NoError(t, reg.UpdateConfig(context.Background(), "weather", json.RawMessage(`{"units":"metric"}`)))

	newPkg := buildPackage(t, manifestFor("weather", "1.1.0"), map[string]string{
		"index.js": `return { onEnable: function() { return true; } };`,
	})
	srv := catalogServer(t, []CatalogEntry{{ID: "weather", Version: "1.1.0", SourceURL: "/download/weather"}},
		map[string][]byte{"weather": newPkg})
	defer srv.Close()

	rec := New(srv.URL, reg)
	report, err := rec.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather"}, report.Updated)

	entry, ok := reg.Get("weather")
	require.True(t, ok)
	assert.True(t, entry.Enabled, "enabled state must survive a market update")
	assert.Equal(t, "1.1.0", entry.Manifest.Version)
	assert.JSONEq(t, `{"units":"metric"}`, string(entry.Manifest.Config))

	_, ok = reg.Sandbox("weather")
	assert.True(t, ok, "an enabled plugin's sandbox must be rebuilt against the new code")
}

func TestSyncIsolatesPerEntryFailure(t *testing.T) {
	reg := newTestRegistry(t)
	goodPkg := buildPackage(t, manifestFor("ok-plugin", "1.0.0"), map[string]string{"index.js": "return {};"})
	srv := catalogServer(t, []CatalogEntry{
		{ID: "broken", Version: "1.0.0", SourceURL: "/download/broken"}, // no package registered -> 404
		{ID: "ok-plugin", Version: "1.0.0", SourceURL: "/download/ok-plugin"},
	}, map[string][]byte{"ok-plugin": goodPkg})
	defer srv.Close()

	rec := New(srv.URL, reg)
	report, err := rec.Sync(context.Background(), false)
	require.NoError(t, err)
	assert.Contains(t, report.Failed, "broken")
	assert.Equal(t, []string{"ok-plugin"}, report.Installed)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.0", "1.0.0", 0},
		{"1.10.0", "1.9.3", 1},
		{"1.2", "1.2.0", 0},
		{"2.0.0", "1.99.99", 1},
		{"1.0.0", "1.0.1", -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CompareVersions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}
