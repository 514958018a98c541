package logdevice

import (
	"fmt"
	"strings"

	"github.com/medatechnology/goutil/medaerror"
)

// ErrorContext carries the diagnostic context attached to a StoreError.
type ErrorContext struct {
	Operation string // e.g. "RMW", "GET_CONFIG", "PROVISION"
	Key       string // VCS key or Epoch Store "/<logid>/<column>" path
	Status    Status
	Fields    map[string]interface{}
}

// StoreError wraps an underlying cause with the context a VCS or Epoch
// Store operation failed under. The Status on the context is the
// authoritative signal; Err is for logs and %w chains only.
type StoreError struct {
	Err     error
	Context ErrorContext
}

func (e *StoreError) Error() string {
	msg := e.Err.Error()

	var parts []string
	if e.Context.Operation != "" {
		parts = append(parts, fmt.Sprintf("operation=%s", e.Context.Operation))
	}
	if e.Context.Key != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.Context.Key))
	}
	parts = append(parts, fmt.Sprintf("status=%s", e.Context.Status))

	return fmt.Sprintf("%s [%s]", msg, strings.Join(parts, ", "))
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// WrapError attaches operation/key/status context to err.
func WrapError(err error, operation, key string, status Status) error {
	if err == nil {
		return nil
	}
	return &StoreError{
		Err: err,
		Context: ErrorContext{
			Operation: operation,
			Key:       key,
			Status:    status,
		},
	}
}

// WrapErrorWithFields attaches operation/key/status context plus
// arbitrary extra fields.
func WrapErrorWithFields(err error, operation, key string, status Status, fields map[string]interface{}) error {
	if err == nil {
		return nil
	}
	return &StoreError{
		Err: err,
		Context: ErrorContext{
			Operation: operation,
			Key:       key,
			Status:    status,
			Fields:    fields,
		},
	}
}

// IsStoreError reports whether err is a *StoreError.
func IsStoreError(err error) bool {
	_, ok := err.(*StoreError)
	return ok
}

// GetErrorContext extracts the ErrorContext if err is a *StoreError.
func GetErrorContext(err error) (ErrorContext, bool) {
	if storeErr, ok := err.(*StoreError); ok {
		return storeErr.Context, true
	}
	return ErrorContext{}, false
}

// NewError builds a plain sentinel error and wraps it with context.
func NewError(message, operation, key string, status Status) error {
	return WrapError(medaerror.MedaError{Message: message}, operation, key, status)
}

// Operation-specific wrapping helpers, mirroring the status taxonomy.

func WrapGetError(err error, key string, status Status) error {
	return WrapError(err, "GET_CONFIG", key, status)
}

func WrapRMWError(err error, key string, status Status) error {
	return WrapError(err, "RMW", key, status)
}

func WrapProvisionError(err error, key string, status Status) error {
	return WrapError(err, "PROVISION", key, status)
}

func WrapConnectionError(err error) error {
	return WrapError(err, "CONNECT", "", StatusFailed)
}

// FormatError formats an error for logging with all available context.
func FormatError(err error) string {
	if err == nil {
		return "no error"
	}

	if storeErr, ok := err.(*StoreError); ok {
		var parts []string
		parts = append(parts, fmt.Sprintf("Error: %s", storeErr.Err.Error()))
		if storeErr.Context.Operation != "" {
			parts = append(parts, fmt.Sprintf("Operation: %s", storeErr.Context.Operation))
		}
		if storeErr.Context.Key != "" {
			parts = append(parts, fmt.Sprintf("Key: %s", storeErr.Context.Key))
		}
		parts = append(parts, fmt.Sprintf("Status: %s", storeErr.Context.Status))
		if len(storeErr.Context.Fields) > 0 {
			parts = append(parts, fmt.Sprintf("Fields: %v", storeErr.Context.Fields))
		}
		return strings.Join(parts, " | ")
	}

	return err.Error()
}

// LogErrorWithContext logs err against the default logger, enriching
// the log fields with any StoreError context found on it.
func LogErrorWithContext(err error, fields ...Field) {
	if err == nil {
		return
	}

	logFields := make([]Field, 0, len(fields)+4)
	logFields = append(logFields, fields...)

	if storeErr, ok := err.(*StoreError); ok {
		if storeErr.Context.Operation != "" {
			logFields = append(logFields, String("operation", storeErr.Context.Operation))
		}
		if storeErr.Context.Key != "" {
			logFields = append(logFields, String("key", storeErr.Context.Key))
		}
		logFields = append(logFields, String("status", storeErr.Context.Status.String()))
	}

	logFields = append(logFields, Err(err))

	LogError(err.Error(), logFields...)
}
