package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the closed set of gateway error classifications. Every error
// surfaced to a caller carries exactly one kind; the gateway never converts a
// failure into a synthesized success.
type ErrorKind string

const (
	KindBadRequest      ErrorKind = "BadRequest"
	KindNoRoute         ErrorKind = "NoRoute"
	KindNoHealthyWorker ErrorKind = "NoHealthyWorker"
	KindAuthError       ErrorKind = "AuthError"
	KindRateLimited     ErrorKind = "RateLimited"
	KindTimeout         ErrorKind = "Timeout"
	KindUpstreamError   ErrorKind = "UpstreamError"
	KindUpstreamFatal   ErrorKind = "UpstreamFatal"
	KindTransformError  ErrorKind = "TransformError"
	KindPartialResponse ErrorKind = "PartialResponse"
	KindInternal        ErrorKind = "Internal"
)

// GatewayError is the one error type that crosses component boundaries.
type GatewayError struct {
	Kind     ErrorKind
	Message  string
	WorkerID string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("%s: %s (worker %s)", e.Kind, e.Message, e.WorkerID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Retryable reports whether the pipeline may retry this failure on another
// candidate within the same category.
func (e *GatewayError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstreamError, KindTimeout:
		return true
	}
	return false
}

// NewError builds a GatewayError with the given kind and message.
func NewError(kind ErrorKind, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message}
}

// NewErrorf is NewError with formatting.
func NewErrorf(kind ErrorKind, format string, args ...any) *GatewayError {
	return &GatewayError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a kind to an underlying error.
func WrapError(kind ErrorKind, err error, message string) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

// WithWorker returns a copy of the error annotated with the worker it
// occurred on.
func (e *GatewayError) WithWorker(workerID string) *GatewayError {
	out := *e
	out.WorkerID = workerID
	return &out
}

// KindOf extracts the error kind, defaulting to Internal for foreign errors.
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindInternal
}

// AsGatewayError coerces err into a GatewayError, wrapping foreign errors as
// Internal.
func AsGatewayError(err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return &GatewayError{Kind: KindInternal, Message: err.Error(), Err: err}
}

// HTTPStatus maps an error kind to the status code the server surface emits.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindBadRequest, KindTransformError:
		return http.StatusBadRequest
	case KindAuthError:
		return http.StatusUnauthorized
	case KindTimeout:
		return http.StatusRequestTimeout
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindNoRoute, KindNoHealthyWorker:
		return http.StatusServiceUnavailable
	case KindUpstreamError, KindPartialResponse:
		return http.StatusBadGateway
	case KindUpstreamFatal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
