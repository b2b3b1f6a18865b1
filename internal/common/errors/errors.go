// Package errors provides the typed error kinds shared by every component.
//
// Each error carries a Kind string that crosses process boundaries verbatim:
// HTTP error bodies ({"success":false,"error":"<kind>"}), WebSocket
// claude-error frames, and close reasons all use the same vocabulary.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. The strings are contractual wire values, not display text.
const (
	// Auth
	KindInvalidCredentials = "InvalidCredentials"
	KindTokenExpired       = "TokenExpired"
	KindForbidden          = "Forbidden"

	// Provisioning
	KindImagePullFailure    = "ImagePullFailure"
	KindResourceExhausted   = "ResourceExhausted"
	KindReadinessTimeout    = "ReadinessTimeout"
	KindEngineUnreachable   = "EngineUnreachable"
	KindVolumeCreateFailure = "VolumeCreateFailure"

	// Session
	KindBusy             = "Busy"
	KindSessionNotFound  = "SessionNotFound"
	KindPermissionDenied = "PermissionDenied"

	// I/O
	KindDiskFull      = "DiskFull"
	KindPathTraversal = "PathTraversal"
	KindFileNotFound  = "FileNotFound"

	// Config
	KindInvalidMcpConfig = "InvalidMcpConfig"
	KindUnknownProvider  = "UnknownProvider"
	KindUnknownTier      = "UnknownTier"

	// Fallback
	KindInternal = "Internal"
)

// AppError represents an application error with a wire-visible kind.
type AppError struct {
	Kind       string `json:"error"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with an explicit kind and status.
func New(kind, message string, status int) *AppError {
	return &AppError{Kind: kind, Message: message, HTTPStatus: status}
}

// InvalidCredentials is returned when a login attempt fails.
func InvalidCredentials() *AppError {
	return &AppError{
		Kind:       KindInvalidCredentials,
		Message:    "invalid username or password",
		HTTPStatus: http.StatusUnauthorized,
	}
}

// TokenExpired is returned when a bearer token's signature is valid but its
// expiry has passed, or the token cannot be parsed at all.
func TokenExpired(message string) *AppError {
	return &AppError{
		Kind:       KindTokenExpired,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Forbidden is returned when an authenticated caller lacks permission.
func Forbidden(message string) *AppError {
	return &AppError{
		Kind:       KindForbidden,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// ImagePullFailure is returned when the sandbox image cannot be pulled.
func ImagePullFailure(image string, err error) *AppError {
	return &AppError{
		Kind:       KindImagePullFailure,
		Message:    fmt.Sprintf("failed to pull image %q", image),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ResourceExhausted is returned when the engine or the tier quota denies a
// new sandbox.
func ResourceExhausted(message string, err error) *AppError {
	return &AppError{
		Kind:       KindResourceExhausted,
		Message:    message,
		HTTPStatus: http.StatusInsufficientStorage,
		Err:        err,
	}
}

// ReadinessTimeout is returned when a sandbox does not report running before
// the provisioning deadline.
func ReadinessTimeout(name string) *AppError {
	return &AppError{
		Kind:       KindReadinessTimeout,
		Message:    fmt.Sprintf("container %q did not become ready before the deadline", name),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// EngineUnreachable is returned when the engine socket stays down after the
// retry ceiling.
func EngineUnreachable(err error) *AppError {
	return &AppError{
		Kind:       KindEngineUnreachable,
		Message:    "container engine is unreachable",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// VolumeCreateFailure is returned when the user's data volume cannot be
// created.
func VolumeCreateFailure(name string, err error) *AppError {
	return &AppError{
		Kind:       KindVolumeCreateFailure,
		Message:    fmt.Sprintf("failed to create volume %q", name),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Busy is returned when a session already has a command in flight.
func Busy(sessionID string) *AppError {
	return &AppError{
		Kind:       KindBusy,
		Message:    fmt.Sprintf("session %s is already processing a command", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// SessionNotFound is returned for unknown or foreign session IDs.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Kind:       KindSessionNotFound,
		Message:    fmt.Sprintf("session %s not found", sessionID),
		HTTPStatus: http.StatusNotFound,
	}
}

// PermissionDenied is returned when a session operation references a path
// outside the caller's workspace.
func PermissionDenied(message string) *AppError {
	return &AppError{
		Kind:       KindPermissionDenied,
		Message:    message,
		HTTPStatus: http.StatusForbidden,
	}
}

// DiskFull is returned when a workspace write fails with ENOSPC.
func DiskFull(err error) *AppError {
	return &AppError{
		Kind:       KindDiskFull,
		Message:    "no space left on workspace volume",
		HTTPStatus: http.StatusInsufficientStorage,
		Err:        err,
	}
}

// PathTraversal is returned when a path escapes the workspace after lexical
// cleaning.
func PathTraversal(path string) *AppError {
	return &AppError{
		Kind:       KindPathTraversal,
		Message:    fmt.Sprintf("path %q escapes the workspace", path),
		HTTPStatus: http.StatusBadRequest,
	}
}

// FileNotFound is returned for missing workspace files.
func FileNotFound(path string) *AppError {
	return &AppError{
		Kind:       KindFileNotFound,
		Message:    fmt.Sprintf("file %q not found", path),
		HTTPStatus: http.StatusNotFound,
	}
}

// InvalidMcpConfig is returned when an MCP server record fails validation.
func InvalidMcpConfig(message string) *AppError {
	return &AppError{
		Kind:       KindInvalidMcpConfig,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownProvider is returned for settings requests naming an unrecognised
// provider.
func UnknownProvider(provider string) *AppError {
	return &AppError{
		Kind:       KindUnknownProvider,
		Message:    fmt.Sprintf("unknown provider %q", provider),
		HTTPStatus: http.StatusBadRequest,
	}
}

// UnknownTier is returned when a tier outside the fixed table is requested.
func UnknownTier(tier string) *AppError {
	return &AppError{
		Kind:       KindUnknownTier,
		Message:    fmt.Sprintf("unknown tier %q", tier),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap adds context to an existing error, preserving its kind and status
// when it already is an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Kind:       appErr.Kind,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}
	return &AppError{
		Kind:       KindInternal,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// GetKind returns the error kind, or KindInternal for untyped errors.
func GetKind(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// IsKind reports whether err is an AppError of the given kind.
func IsKind(err error, kind string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// IsBusy reports whether err is the Busy kind.
func IsBusy(err error) bool { return IsKind(err, KindBusy) }

// IsNotFound reports whether err is one of the not-found kinds.
func IsNotFound(err error) bool {
	return IsKind(err, KindSessionNotFound) || IsKind(err, KindFileNotFound)
}
