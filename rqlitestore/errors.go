package rqlitestore

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/medatechnology/goutil/medaerror"
)

// Sentinel errors for client-level (transport) failures, mirroring the
// teacher's medaerror-backed sentinel style.
var (
	ErrNotConnected     medaerror.MedaError = medaerror.MedaError{Message: "rqlite client has no base URL configured"}
	ErrUnauthorized     medaerror.MedaError = medaerror.MedaError{Message: "rqlite authentication failed"}
	ErrNodeUnavailable  medaerror.MedaError = medaerror.MedaError{Message: "rqlite node is unavailable"}
	ErrInvalidResponse  medaerror.MedaError = medaerror.MedaError{Message: "invalid JSON response from rqlite"}
)

// ClientError wraps a failure at the HTTP/transport layer with the
// operation and endpoint context it occurred under. Like any other
// cause it can be wrapped by logdevice.StoreError. Client's own
// request paths do not return one: a failed HTTP round trip surfaces
// as a synthesized "connection error" result instead.
type ClientError struct {
	Operation  string // "execute" or "query"
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ClientError) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Operation))
	}
	if e.Endpoint != "" {
		parts = append(parts, fmt.Sprintf("endpoint=%s", e.Endpoint))
	}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}

	msg := e.Message
	if len(parts) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(parts, ", "))
	}
	return msg
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// WrapClientError attaches operation/endpoint context to a transport
// error.
func WrapClientError(err error, operation, endpoint string) error {
	if err == nil {
		return nil
	}
	return &ClientError{Operation: operation, Endpoint: endpoint, Message: err.Error(), Err: err}
}

// WrapClientHTTPError attaches operation/endpoint/status context.
func WrapClientHTTPError(err error, operation, endpoint string, statusCode int) error {
	if err == nil {
		return nil
	}
	return &ClientError{Operation: operation, Endpoint: endpoint, StatusCode: statusCode, Message: err.Error(), Err: err}
}

// IsConnectionError reports whether err represents a transport-level
// failure rather than a SQL-level one.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if ce, ok := err.(*ClientError); ok {
		return ce.StatusCode == 0 || ce.StatusCode >= http.StatusInternalServerError
	}
	return false
}
