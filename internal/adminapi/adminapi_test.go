package adminapi

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/audit"
	"github.com/nbot-dev/nbot/internal/broker"
	"github.com/nbot-dev/nbot/internal/capability"
	"github.com/nbot-dev/nbot/internal/kv"
	"github.com/nbot-dev/nbot/internal/registry"
	"github.com/nbot-dev/nbot/internal/signing"
	"github.com/nbot-dev/nbot/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func buildPackage(t *testing.T, manifest map[string]any, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	write := func(name string, data []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg}))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	mb, err := json.Marshal(manifest)
	require.NoError(t, err)
	write("manifest.json", mb)
	for name, content := range files {
		write(name, []byte(content))
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func newTestServer(t *testing.T) (http.Handler, *TokenAuthority) {
	t.Helper()
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "plugins"))
	kvStore := kv.New(filepath.Join(dir, "storage"))
	brk := broker.New(nil, nil)
	surface := capability.New()

	reg, err := registry.New(dir, st, kvStore, brk, surface, signing.Policy{})
	require.NoError(t, err)

	auth := &TokenAuthority{Static: "test-token", Token: "test-token"}
	return New(reg, auth), auth
}

func doRequest(h http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnauthenticatedRequestIsRejected(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(h, http.MethodGet, "/api/plugins", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWrongTokenIsRejected(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(h, http.MethodGet, "/api/plugins", "not-the-token", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInstallEnableDisableLifecycle(t *testing.T) {
	h, auth := newTestServer(t)
	pkg := buildPackage(t, map[string]any{
		"id": "echo", "name": "Echo", "version": "1.0.0", "type": "bot",
		"entry": "index.js", "codeType": "script", "builtin": true,
	}, map[string]string{"index.js": "return { onEnable: function(){ return true; } };"})

	rec := doRequest(h, http.MethodPost, "/api/plugins", auth.Token, pkg)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/plugins", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listBody struct {
		Plugins []registry.InstalledEntry `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listBody))
	require.Len(t, listBody.Plugins, 1)
	assert.False(t, listBody.Plugins[0].Enabled)

	rec = doRequest(h, http.MethodPost, "/api/plugins/echo/enable", auth.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/plugins/echo", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entry registry.InstalledEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.True(t, entry.Enabled)

	rec = doRequest(h, http.MethodPost, "/api/plugins/echo/disable", auth.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodDelete, "/api/plugins/echo", auth.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/plugins/echo", auth.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateConfigValidatesSchema(t *testing.T) {
	h, auth := newTestServer(t)
	pkg := buildPackage(t, map[string]any{
		"id": "cfgd", "name": "Configured", "version": "1.0.0", "type": "bot",
		"entry": "index.js", "codeType": "script", "builtin": true,
		"configSchema": []map[string]any{{"key": "limit", "kind": "number"}},
	}, map[string]string{"index.js": "return {};"})
	rec := doRequest(h, http.MethodPost, "/api/plugins", auth.Token, pkg)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodPut, "/api/plugins/cfgd/config", auth.Token, []byte(`{"limit": "not-a-number"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPut, "/api/plugins/cfgd/config", auth.Token, []byte(`{"limit": 5}`))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMarketSyncUnavailableWithoutReconciler(t *testing.T) {
	h, auth := newTestServer(t)
	rec := doRequest(h, http.MethodPost, "/api/market/sync", auth.Token, []byte(`{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditUnavailableWithoutAuditLog(t *testing.T) {
	h, auth := newTestServer(t)
	rec := doRequest(h, http.MethodGet, "/api/audit", auth.Token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuditLogIsQueryableAfterInstall(t *testing.T) {
	dir := t.TempDir()
	st := store.New(filepath.Join(dir, "plugins"))
	kvStore := kv.New(filepath.Join(dir, "storage"))
	brk := broker.New(nil, nil)
	surface := capability.New()
	reg, err := registry.New(dir, st, kvStore, brk, surface, signing.Policy{})
	require.NoError(t, err)

	auditLog, err := audit.Open(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	auth := &TokenAuthority{Static: "test-token", Token: "test-token"}
	h := New(reg, auth, WithAudit(auditLog))

	pkg := buildPackage(t, map[string]any{
		"id": "echo", "name": "Echo", "version": "1.0.0", "type": "bot",
		"entry": "index.js", "codeType": "script", "builtin": true,
	}, map[string]string{"index.js": "return {};"})
	rec := doRequest(h, http.MethodPost, "/api/plugins", auth.Token, pkg)
	require.Equal(t, http.StatusCreated, rec.Code)

	var body struct {
		Events []audit.Event `json:"events"`
	}

	rec = doRequest(h, http.MethodGet, "/api/audit", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, audit.EventInstall, body.Events[0].Type)

	rec = doRequest(h, http.MethodGet, "/api/plugins/echo/audit", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 1)

	rec = doRequest(h, http.MethodGet, "/api/plugins/other/audit", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Events, 0)
}
