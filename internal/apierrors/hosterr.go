package apierrors

import (
	"github.com/gin-gonic/gin"

	"github.com/nbot-dev/nbot/internal/hosterr"
)

// hostCodeMap translates a hosterr.Code into the registered apierrors code
// the admin API reports to clients.
var hostCodeMap = map[hosterr.Code]string{
	hosterr.InvalidId:        CodeInvalidID,
	hosterr.InvalidManifest:  CodeInvalidManifest,
	hosterr.BadArchive:       CodeInvalidPackage,
	hosterr.PathTraversal:    CodeInvalidPackage,
	hosterr.ManifestMissing:  CodeInvalidPackage,
	hosterr.MissingSignature: CodeSignatureMissing,
	hosterr.BadSignature:     CodeSignatureInvalid,
	hosterr.Quota:            CodeKVQuotaExceeded,
	hosterr.NotFound:         CodePluginNotFound,
	hosterr.Timeout:          CodeServiceUnavailable,
	hosterr.HookFault:        CodeHookFault,
	hosterr.IoError:          CodeInternalError,
}

// ErrorFromHostError sends a response for err, translating a hosterr.Code
// into its registered apierrors code and message when err carries one. An
// err with no recognized Code is a bug, not an expected host condition, so
// it gets the generic core:internal_error response instead of err's own
// text: err.Error() on a hosterr.Wrap-constructed error can embed a wrapped
// OS or archive error string that shouldn't reach the client.
func ErrorFromHostError(c *gin.Context, err error) {
	code, ok := hostCodeMap[hosterr.CodeOf(err)]
	if !ok {
		Error(c, CodeInternalError)
		return
	}
	ErrorWithMessage(c, code, err.Error())
}
