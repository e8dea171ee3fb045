// Package errors provides the typed error model shared by the miner's control loops.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"
)

// ErrorType classifies a failure by the subsystem that produced it
type ErrorType string

const (
	// ErrorTypeNetwork covers pool transport failures (dial, read, write)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeProtocol covers undecodable or malformed Stratum traffic
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeHandshake covers a pool refusing or stalling the session handshake
	ErrorTypeHandshake ErrorType = "handshake"
	// ErrorTypeTimeout covers expired deadlines
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeLink covers wireless association failures
	ErrorTypeLink ErrorType = "link"
	// ErrorTypePeripheral covers I2C peripheral failures
	ErrorTypePeripheral ErrorType = "peripheral"
	// ErrorTypeTelemetry covers telemetry sink failures
	ErrorTypeTelemetry ErrorType = "telemetry"
	// ErrorTypeValidation covers invalid configuration or input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeInternal covers everything else
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError is a structured error carrying its classification and context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed operation may be attempted again
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext attaches a key/value pair to the error and returns it
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a ServiceError without a cause
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err) || isRetryableByType(errorType)
	if se, ok := err.(*ServiceError); ok {
		retryable = se.Retryable
	}
	if errors.Is(err, context.Canceled) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeLink, ErrorTypeTelemetry, ErrorTypePeripheral:
		return true
	default:
		return false
	}
}

func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, netErr := range []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"no route to host",
		"timeout",
		"temporary failure",
	} {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType reports whether any ServiceError in err's chain has the given type
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable reports whether err should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// IsTimeout reports whether err is an expired I/O deadline rather than a broken stream
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err means the stream is gone for good
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

// GetContext returns the context map of the outermost ServiceError in err's chain
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
