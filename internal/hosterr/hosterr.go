// Package hosterr defines the typed error taxonomy the host uses so callers
// can errors.As against a stable class instead of matching error strings.
package hosterr

import "fmt"

// Code names one of the error classes spec'd for the host.
type Code string

const (
	InvalidId        Code = "invalid_id"
	InvalidManifest  Code = "invalid_manifest"
	BadArchive       Code = "bad_archive"
	PathTraversal    Code = "path_traversal"
	ManifestMissing  Code = "manifest_missing"
	MissingSignature Code = "missing_signature"
	BadSignature     Code = "bad_signature"
	Quota            Code = "quota"
	NotFound         Code = "not_found"
	Timeout          Code = "timeout"
	HookFault        Code = "hook_fault"
	IoError          Code = "io_error"
)

// Error is a typed host error carrying a stable Code alongside a message and
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, hosterr.New(code, "")) to match on Code alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error wrapping cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err if it is (or wraps) a *Error, and "" otherwise.
func CodeOf(err error) Code {
	var e *Error
	if As(err, &e) {
		return e.Code
	}
	return ""
}

// As is a thin wrapper so callers in this package don't need to import
// "errors" just for the helper used by CodeOf.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
