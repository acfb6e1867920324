package apierrors

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbot-dev/nbot/internal/hosterr"
)

func TestErrorFromHostErrorTranslatesKnownCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)

	ErrorFromHostError(ctx, hosterr.New(hosterr.NotFound, "plugin weather is not installed"))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), CodePluginNotFound)
}

func TestErrorFromHostErrorFallsBackForUntypedError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(w)

	ErrorFromHostError(ctx, assertNewPlainError("disk full"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), CodeInternalError)
}

type plainError struct{ msg string }

func (p *plainError) Error() string { return p.msg }

func assertNewPlainError(msg string) error {
	return &plainError{msg: msg}
}

func TestErrorFromHostErrorEveryCodeIsMapped(t *testing.T) {
	for code := range map[hosterr.Code]struct{}{
		hosterr.InvalidId: {}, hosterr.InvalidManifest: {}, hosterr.BadArchive: {},
		hosterr.PathTraversal: {}, hosterr.ManifestMissing: {}, hosterr.MissingSignature: {},
		hosterr.BadSignature: {}, hosterr.Quota: {}, hosterr.NotFound: {}, hosterr.Timeout: {},
		hosterr.HookFault: {}, hosterr.IoError: {},
	} {
		mapped, ok := hostCodeMap[code]
		require.True(t, ok, "hosterr.Code %q has no apierrors mapping", code)
		_, registered := lookup(mapped)
		require.True(t, registered, "mapped code %q is not registered", mapped)
	}
}
