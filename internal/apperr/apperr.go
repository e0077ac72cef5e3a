// Package apperr defines the error kinds surfaced to API callers and renders
// them as flat JSON bodies. Only Message ever reaches the client; wrapped
// causes are logged server-side.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindQuotaExceeded
	KindUpstreamCapture
	KindCaptureTimeout
	KindConfiguration
	KindRateLimited
)

const (
	genericInternal      = "Something went wrong. Please try again later."
	genericConfiguration = "This feature is not available right now. Please contact support."
)

type Error struct {
	Kind    Kind
	Message string
	ResetAt time.Time
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func QuotaExceeded(resetAt time.Time) *Error {
	return &Error{
		Kind:    KindQuotaExceeded,
		Message: "Daily limit reached. Upgrade your plan or try again after " + resetAt.UTC().Format(time.RFC3339) + ".",
		ResetAt: resetAt,
	}
}

func RateLimited(msg string) *Error {
	return &Error{Kind: KindRateLimited, Message: msg}
}

// Upstream wraps a capture failure. msg must already be safe to show callers.
func Upstream(msg string, err error) *Error {
	return &Error{Kind: KindUpstreamCapture, Message: msg, Err: err}
}

func Timeout(err error) *Error {
	return &Error{Kind: KindCaptureTimeout, Message: "Capture timed out. The page took too long to load.", Err: err}
}

// Configuration marks a missing integration. The cause names the missing
// setting and is only logged.
func Configuration(msg string, err error) *Error {
	if msg == "" {
		msg = genericConfiguration
	}
	return &Error{Kind: KindConfiguration, Message: msg, Err: err}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: genericInternal, Err: err}
}

// As extracts an *Error from err. Anything else is treated as internal.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

func Status(k Kind) int {
	switch k {
	case KindValidation, KindUpstreamCapture:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindQuotaExceeded, KindRateLimited:
		return http.StatusTooManyRequests
	case KindCaptureTimeout:
		return http.StatusGatewayTimeout
	case KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type body struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

// Render writes err as {"error":true,"message":...}.
func Render(w http.ResponseWriter, log *zap.Logger, err error) {
	e := As(err)
	status := Status(e.Kind)

	switch e.Kind {
	case KindInternal, KindConfiguration:
		log.Error("request failed", zap.Int("status", status), zap.Error(e))
	case KindUpstreamCapture, KindCaptureTimeout:
		log.Warn("capture failed", zap.Int("status", status), zap.Error(e))
	}

	WriteJSON(w, status, body{Error: true, Message: e.Message})
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
