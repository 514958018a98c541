package rqlitestore

import (
	"errors"
	"net/http"
	"testing"
)

func TestClientErrorMessage(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := WrapClientError(base, "execute", EndpointExecute)

	ce, ok := err.(*ClientError)
	if !ok {
		t.Fatalf("expected *ClientError, got %T", err)
	}
	if ce.Operation != "execute" || ce.Endpoint != EndpointExecute {
		t.Fatalf("unexpected context: %+v", ce)
	}
	if ce.Unwrap() != base {
		t.Fatalf("Unwrap should return the original error")
	}
}

func TestWrapClientErrorNil(t *testing.T) {
	if err := WrapClientError(nil, "execute", EndpointExecute); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no status code", WrapClientError(errors.New("boom"), "execute", EndpointExecute), true},
		{"5xx", WrapClientHTTPError(errors.New("boom"), "execute", EndpointExecute, http.StatusServiceUnavailable), true},
		{"4xx", WrapClientHTTPError(errors.New("boom"), "execute", EndpointExecute, http.StatusBadRequest), false},
		{"plain error", errors.New("not a ClientError"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("IsConnectionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
