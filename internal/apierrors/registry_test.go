package apierrors

import (
	"net/http"
	"testing"
)

func TestCoreCodesRegistered(t *testing.T) {
	if len(All()) == 0 {
		t.Fatal("no codes registered")
	}

	mustExist := []string{
		CodeUnauthorized,
		CodeForbidden,
		CodeNotFound,
		CodeInvalidRequest,
		CodeInternalError,
		CodeTokenNotFound,
		CodePluginNotFound,
		CodeSignatureInvalid,
		CodeMarketUnreachable,
		CodeKVQuotaExceeded,
	}
	for _, code := range mustExist {
		if _, ok := lookup(code); !ok {
			t.Errorf("code %q not registered", code)
		}
	}
}

func TestByNamespace(t *testing.T) {
	tests := []struct {
		ns     string
		prefix string
	}{
		{"core", "core:"},
		{"registry", "registry:"},
		{"signing", "signing:"},
		{"market", "market:"},
		{"kv", "kv:"},
	}
	for _, tt := range tests {
		entries := ByNamespace(tt.ns)
		if len(entries) == 0 {
			t.Fatalf("no codes in namespace %q", tt.ns)
		}
		for _, e := range entries {
			if len(e.Code) < len(tt.prefix) || e.Code[:len(tt.prefix)] != tt.prefix {
				t.Errorf("code %q should have %q prefix", e.Code, tt.prefix)
			}
		}
	}

	if entries := ByNamespace("does-not-exist"); entries != nil {
		t.Errorf("ByNamespace(unknown) = %v, want nil", entries)
	}
}

func TestNamespaces(t *testing.T) {
	want := map[string]bool{"core": true, "registry": true, "signing": true, "market": true, "kv": true}
	got := map[string]bool{}
	for _, ns := range Namespaces() {
		got[ns] = true
	}
	for ns := range want {
		if !got[ns] {
			t.Errorf("Namespaces() missing %q", ns)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   string
		status int
	}{
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeForbidden, http.StatusForbidden},
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidRequest, http.StatusBadRequest},
		{CodeInternalError, http.StatusInternalServerError},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeKVQuotaExceeded, http.StatusInsufficientStorage},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := httpStatusFor(tt.code); got != tt.status {
				t.Errorf("httpStatusFor(%q) = %d, want %d", tt.code, got, tt.status)
			}
		})
	}
}

func TestUnknownCode(t *testing.T) {
	if status := httpStatusFor("unknown:code"); status != http.StatusInternalServerError {
		t.Errorf("httpStatusFor(unknown) = %d, want %d", status, http.StatusInternalServerError)
	}
	if msg := messageFor("unknown:code"); msg != "unknown:code" {
		t.Errorf("messageFor(unknown) = %q, want %q", msg, "unknown:code")
	}
}
