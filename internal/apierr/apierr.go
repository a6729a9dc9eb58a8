// Package apierr implements the closed error taxonomy from the gateway's
// error-handling design: every surfaced error carries exactly one Kind,
// maps to exactly one HTTP status, and renders through a single JSON shape.
package apierr

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Kind is a member of the closed error taxonomy.
type Kind string

const (
	// Input errors (client).
	MissingField         Kind = "MISSING_FIELD"
	InvalidField         Kind = "INVALID_FIELD"
	UnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"
	PayloadTooLarge      Kind = "PAYLOAD_TOO_LARGE"
	InvalidImage         Kind = "INVALID_IMAGE"

	// Auth errors (client).
	NoSessionToken Kind = "NO_SESSION_TOKEN"
	InvalidSession Kind = "INVALID_SESSION"
	SessionExpired Kind = "SESSION_EXPIRED"

	// Throttling (client).
	RateLimited Kind = "RATE_LIMITED"

	// Upstream errors (server, recoverable).
	ToolUnavailable  Kind = "TOOL_UNAVAILABLE"
	ToolTimeout      Kind = "TOOL_TIMEOUT"
	ToolReturnedError Kind = "TOOL_RETURNED_ERROR"
	LLMUnavailable   Kind = "LLM_UNAVAILABLE"
	LLMTimeout       Kind = "LLM_TIMEOUT"

	// System errors (server, non-recoverable for this request).
	ConfigurationError Kind = "CONFIGURATION_ERROR"
	InternalError      Kind = "INTERNAL_ERROR"
	TranscodeFailed    Kind = "TRANSCODE_FAILED"
)

var statusByKind = map[Kind]int{
	MissingField:         http.StatusBadRequest,
	InvalidField:         http.StatusBadRequest,
	UnsupportedMediaType: http.StatusUnsupportedMediaType,
	PayloadTooLarge:      http.StatusRequestEntityTooLarge,
	InvalidImage:         http.StatusBadRequest,
	NoSessionToken:       http.StatusUnauthorized,
	InvalidSession:       http.StatusUnauthorized,
	SessionExpired:       http.StatusUnauthorized,
	RateLimited:          http.StatusTooManyRequests,
	ToolUnavailable:      http.StatusOK, // recoverable: orchestrator degrades, never surfaces 5xx
	ToolTimeout:          http.StatusOK,
	ToolReturnedError:    http.StatusOK,
	LLMUnavailable:       http.StatusOK,
	LLMTimeout:           http.StatusOK,
	ConfigurationError:   http.StatusInternalServerError,
	InternalError:        http.StatusInternalServerError,
	TranscodeFailed:      http.StatusInternalServerError,
}

// Error is the concrete error type carried through the request path.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a taxonomy error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches non-sensitive structured detail to the error body.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Status returns the HTTP status for this error's Kind.
func (e *Error) Status() int {
	if status, ok := statusByKind[e.Kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// body is the wire shape every error response uses.
type body struct {
	Error     string         `json:"error"`
	Code      Kind           `json:"code"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// WriteJSON writes the taxonomy error as the documented JSON error body.
// ConfigurationError never leaks its cause or details to the client.
func WriteJSON(c *gin.Context, err error) {
	apiErr, ok := err.(*Error)
	if !ok {
		apiErr = Wrap(InternalError, "internal error", err)
	}
	message := apiErr.Message
	details := apiErr.Details
	if apiErr.Kind == ConfigurationError || apiErr.Kind == InternalError {
		message = "an internal error occurred"
		details = nil
	}
	c.JSON(apiErr.Status(), body{
		Error:     message,
		Code:      apiErr.Kind,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
}
