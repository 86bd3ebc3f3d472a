package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestRetryable(t *testing.T) {
	retryable := []ErrorKind{KindRateLimited, KindUpstreamError, KindTimeout}
	terminal := []ErrorKind{
		KindBadRequest, KindNoRoute, KindNoHealthyWorker, KindAuthError,
		KindUpstreamFatal, KindTransformError, KindPartialResponse, KindInternal,
	}

	for _, k := range retryable {
		if !NewError(k, "x").Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}
	for _, k := range terminal {
		if NewError(k, "x").Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want int
	}{
		{KindBadRequest, http.StatusBadRequest},
		{KindTransformError, http.StatusBadRequest},
		{KindAuthError, http.StatusUnauthorized},
		{KindTimeout, http.StatusRequestTimeout},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNoRoute, http.StatusServiceUnavailable},
		{KindNoHealthyWorker, http.StatusServiceUnavailable},
		{KindUpstreamError, http.StatusBadGateway},
		{KindUpstreamFatal, http.StatusBadGateway},
		{KindPartialResponse, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.kind); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(NewError(KindNoRoute, "x")); got != KindNoRoute {
		t.Errorf("KindOf = %s", got)
	}
	wrapped := fmt.Errorf("outer: %w", NewError(KindRateLimited, "x"))
	if got := KindOf(wrapped); got != KindRateLimited {
		t.Errorf("KindOf wrapped = %s", got)
	}
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf foreign = %s", got)
	}
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("cause")
	err := WrapError(KindUpstreamError, cause, "calling upstream")
	if !errors.Is(err, cause) {
		t.Error("wrapped cause lost")
	}
}

func TestWithWorkerDoesNotMutate(t *testing.T) {
	base := NewError(KindUpstreamError, "boom")
	annotated := base.WithWorker("openai:1")
	if base.WorkerID != "" {
		t.Error("base error mutated")
	}
	if annotated.WorkerID != "openai:1" {
		t.Errorf("worker = %s", annotated.WorkerID)
	}
}

func TestAsGatewayErrorForeign(t *testing.T) {
	ge := AsGatewayError(errors.New("plain"))
	if ge.Kind != KindInternal {
		t.Errorf("kind = %s", ge.Kind)
	}
}
