package apierrors

import (
	"github.com/gin-gonic/gin"
)

// APIError is the JSON shape of an error response body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error writes an error response for a registered code, using its default
// HTTP status and message.
func Error(c *gin.Context, code string) {
	c.JSON(httpStatusFor(code), gin.H{"error": APIError{Code: code, Message: messageFor(code)}})
}

// ErrorWithMessage writes an error response for a registered code with a
// caller-supplied message, for cases where the default message needs
// dynamic detail (e.g. which field failed validation).
func ErrorWithMessage(c *gin.Context, code, message string) {
	c.JSON(httpStatusFor(code), gin.H{"error": APIError{Code: code, Message: message}})
}
