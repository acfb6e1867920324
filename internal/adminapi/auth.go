package adminapi

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nbot-dev/nbot/internal/apierrors"
)

// bearerAuth rejects any request without a valid "Authorization: Bearer
// <token>" header matching auth.
func bearerAuth(auth *TokenAuthority) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) || !auth.Verify(strings.TrimPrefix(header, prefix)) {
			apierrors.Error(c, apierrors.CodeUnauthorized)
			c.Abort()
			return
		}
		c.Next()
	}
}
