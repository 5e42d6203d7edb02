// Package errors provides structured error types for proccensus.
//
// Every failure that can end a census run is reported as a *CensusError whose
// Type says which part of the run failed (probe, spawn, signal, ...), so that
// callers can decide on a recovery policy instead of treating every failure
// the same way.
package errors

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeProbe      ErrorType = "probe"
	ErrorTypeSpawn      ErrorType = "spawn"
	ErrorTypeSignal     ErrorType = "signal"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeCanceled   ErrorType = "canceled"
	ErrorTypeInternal   ErrorType = "internal"
)

// Error codes
const (
	CodeProbeFailed      = "PROBE_FAILED"
	CodeSpawnFailed      = "SPAWN_FAILED"
	CodePgidLookupFailed = "PGID_LOOKUP_FAILED"
	CodeSignalFailed     = "SIGNAL_FAILED"
	CodeGroupExitTimeout = "GROUP_EXIT_TIMEOUT"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeUnsupported      = "UNSUPPORTED"
	CodeRunCanceled      = "RUN_CANCELED"
	CodeUnknown          = "UNKNOWN_ERROR"
)

// CensusError is the base error type for all proccensus errors
type CensusError struct {
	Type       ErrorType
	Code       string
	Message    string
	Underlying error
	Details    map[string]interface{}
}

// Error implements the error interface
func (e *CensusError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Type, e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *CensusError) Unwrap() error {
	return e.Underlying
}

// Is checks if the error matches another error
func (e *CensusError) Is(target error) bool {
	if t, ok := target.(*CensusError); ok {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithDetails adds details to the error
func (e *CensusError) WithDetails(key string, value interface{}) *CensusError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(errorType ErrorType, code, message string, underlying error) *CensusError {
	return &CensusError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Underlying: underlying,
	}
}

// ProbeError creates a census probe error
func ProbeError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeProbe, code, message, underlying)
}

// SpawnError creates a process spawn error
func SpawnError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeSpawn, code, message, underlying)
}

// SignalError creates a signal delivery error
func SignalError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeSignal, code, message, underlying)
}

// TimeoutError creates a timeout error
func TimeoutError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeTimeout, code, message, underlying)
}

// ValidationError creates a validation error
func ValidationError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeValidation, code, message, underlying)
}

// CanceledError creates an error for a run stopped by its context
func CanceledError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeCanceled, code, message, underlying)
}

// InternalError creates an internal error
func InternalError(code, message string, underlying error) *CensusError {
	return newError(ErrorTypeInternal, code, message, underlying)
}

// Predefined error instances, for use with errors.Is

var (
	ErrProbeFailed      = ProbeError(CodeProbeFailed, "Process census failed", nil)
	ErrSpawnFailed      = SpawnError(CodeSpawnFailed, "Failed to spawn process", nil)
	ErrPgidLookupFailed = SignalError(CodePgidLookupFailed, "Failed to look up process group", nil)
	ErrSignalFailed     = SignalError(CodeSignalFailed, "Failed to signal process group", nil)
	ErrGroupExitTimeout = TimeoutError(CodeGroupExitTimeout, "Process group did not exit in time", nil)
	ErrRunCanceled      = CanceledError(CodeRunCanceled, "Run canceled", nil)
)

// ClassifyError attempts to classify a standard Go error into a CensusError
func ClassifyError(err error) *CensusError {
	if err == nil {
		return nil
	}

	var censusErr *CensusError
	if errors.As(err, &censusErr) {
		return censusErr
	}

	var errno syscall.Errno
	switch {
	case os.IsNotExist(err), os.IsPermission(err):
		return ProbeError(CodeProbeFailed, "Filesystem error", err)
	case os.IsTimeout(err):
		return TimeoutError("TIMEOUT", "Operation timeout", err)
	case errors.As(err, &errno) && (errno == syscall.ESRCH || errno == syscall.EPERM):
		return SignalError(CodeSignalFailed, "Process error", err)
	default:
		return InternalError(CodeUnknown, "Unknown error", err)
	}
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var censusErr *CensusError
	if errors.As(err, &censusErr) {
		return censusErr.Type == errorType
	}
	return false
}

// IsCode checks if an error has a specific code
func IsCode(err error, code string) bool {
	var censusErr *CensusError
	if errors.As(err, &censusErr) {
		return censusErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	var censusErr *CensusError
	if errors.As(err, &censusErr) {
		return censusErr.Code
	}
	return CodeUnknown
}

// GetType extracts the error type from an error
func GetType(err error) ErrorType {
	var censusErr *CensusError
	if errors.As(err, &censusErr) {
		return censusErr.Type
	}
	return ErrorTypeInternal
}

// LogAttrs returns slog attributes for the error
func (e *CensusError) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("error_type", string(e.Type)),
		slog.String("error_code", e.Code),
		slog.String("error_message", e.Message),
	}

	if e.Underlying != nil {
		attrs = append(attrs, slog.String("underlying_error", e.Underlying.Error()))
	}

	for key, value := range e.Details {
		attrs = append(attrs, slog.Any(fmt.Sprintf("error_detail_%s", key), value))
	}

	return attrs
}
