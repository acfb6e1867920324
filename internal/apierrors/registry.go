package apierrors

import (
	"net/http"
	"strings"
	"sync"
)

// ErrorCode is one entry in the host's namespaced error taxonomy: a full
// code such as "registry:plugin_not_found", its default English message,
// and the HTTP status a response carrying it should use.
type ErrorCode struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
}

// table indexes the fixed set of codes declared in codes.go, by code and by
// namespace (the part of the code before the first ":"). This host has no
// Go-level plugin types that could self-declare codes at runtime the way
// the teacher's per-plugin error registry expects: plugins here are
// sandboxed JS, not Go values implementing a Go interface. The taxonomy is
// closed and host-owned, loaded once via codes.go's init(), so a plain
// RWMutex-guarded map is all this needs.
type table struct {
	mu    sync.RWMutex
	codes map[string]ErrorCode
	byNS  map[string][]string
}

var codes = &table{
	codes: make(map[string]ErrorCode),
	byNS:  make(map[string][]string),
}

func registerCode(e ErrorCode) {
	codes.mu.Lock()
	defer codes.mu.Unlock()

	codes.codes[e.Code] = e

	ns := "core"
	if idx := strings.Index(e.Code, ":"); idx > 0 {
		ns = e.Code[:idx]
	}
	codes.byNS[ns] = append(codes.byNS[ns], e.Code)
}

func lookup(code string) (ErrorCode, bool) {
	codes.mu.RLock()
	defer codes.mu.RUnlock()
	e, ok := codes.codes[code]
	return e, ok
}

func httpStatusFor(code string) int {
	if e, ok := lookup(code); ok {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

func messageFor(code string) string {
	if e, ok := lookup(code); ok {
		return e.Message
	}
	return code
}

// All returns every registered error code.
func All() []ErrorCode {
	codes.mu.RLock()
	defer codes.mu.RUnlock()

	result := make([]ErrorCode, 0, len(codes.codes))
	for _, e := range codes.codes {
		result = append(result, e)
	}
	return result
}

// ByNamespace returns the codes registered under ns (e.g. "registry",
// "signing", "market"), or nil if ns has no codes.
func ByNamespace(ns string) []ErrorCode {
	codes.mu.RLock()
	defer codes.mu.RUnlock()

	names, ok := codes.byNS[ns]
	if !ok {
		return nil
	}
	result := make([]ErrorCode, 0, len(names))
	for _, name := range names {
		if e, ok := codes.codes[name]; ok {
			result = append(result, e)
		}
	}
	return result
}

// Namespaces returns every namespace with at least one registered code.
func Namespaces() []string {
	codes.mu.RLock()
	defer codes.mu.RUnlock()

	result := make([]string, 0, len(codes.byNS))
	for ns := range codes.byNS {
		result = append(result, ns)
	}
	return result
}
