package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// Kind classifies an error for retry and escalation decisions.
type Kind int

const (
	// KindValidation - malformed input, rejected plans, bad control arguments.
	KindValidation Kind = iota
	// KindTransient - retry-able errors (network timeouts, rate limits).
	KindTransient
	// KindResource - storage unavailable, permission denied; operator recovery.
	KindResource
	// KindHuman - execution paused on a human decision (waiting/audit).
	KindHuman
	// KindLogic - internal invariant violations.
	KindLogic
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindResource:
		return "resource"
	case KindHuman:
		return "human"
	case KindLogic:
		return "logic"
	default:
		return "unknown"
	}
}

// ValidationError rejects malformed input. Never retried.
type ValidationError struct {
	Err     error
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("validation error: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	RetryAfter int // seconds to wait before retry, from Retry-After when present
	StatusCode int // HTTP status code if applicable
	Message    string
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ResourceError marks storage or permission failures that need an operator.
type ResourceError struct {
	Err      error
	Resource string
	Message  string
}

func (e *ResourceError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Resource != "" {
		return fmt.Sprintf("resource %s unavailable: %v", e.Resource, e.Err)
	}
	return fmt.Sprintf("resource error: %v", e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// HumanError pauses execution on a human decision rather than failing it.
type HumanError struct {
	Question string
	TaskID   string
}

func (e *HumanError) Error() string {
	if e.Question != "" {
		return fmt.Sprintf("waiting on human input: %s", e.Question)
	}
	return "waiting on human input"
}

// LogicError reports an internal invariant violation.
//
// Code follows the SCHED_<OP>_<KIND> convention for scheduler-originated
// violations so the exception journal can classify them.
type LogicError struct {
	Err     error
	Code    string
	Message string
}

func (e *LogicError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("logic error: %v", e.Err)
}

func (e *LogicError) Unwrap() error { return e.Err }

// KindOf classifies an error into one of the five kinds.
func KindOf(err error) Kind {
	if err == nil {
		return KindLogic
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return KindValidation
	}
	var he *HumanError
	if errors.As(err, &he) {
		return KindHuman
	}
	var re *ResourceError
	if errors.As(err, &re) {
		return KindResource
	}
	var le *LogicError
	if errors.As(err, &le) {
		return KindLogic
	}
	if IsTransient(err) {
		return KindTransient
	}
	// Unclassified errors escalate rather than retry.
	return KindLogic
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var re *ResourceError
	if errors.As(err, &re) {
		return false
	}
	var le *LogicError
	if errors.As(err, &le) {
		return false
	}
	var he *HumanError
	if errors.As(err, &he) {
		return false
	}

	if isNetworkError(err) {
		return true
	}
	if statusCode := extractHTTPStatusCode(err); statusCode > 0 {
		return isTransientHTTPStatus(statusCode)
	}
	if isSyscallError(err) {
		return true
	}
	return false
}

// IsHuman reports whether err is a pause on human input.
func IsHuman(err error) bool {
	var he *HumanError
	return errors.As(err, &he)
}

// Helper constructors

// NewValidation creates a validation error for a named field.
func NewValidation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps err as retry-able with an operator-friendly message.
func NewTransient(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// NewResource wraps err as a resource failure on the named resource.
func NewResource(err error, resource string) *ResourceError {
	return &ResourceError{Err: err, Resource: resource}
}

// NewLogic creates an invariant-violation error with a classification code.
func NewLogic(code, format string, args ...any) *LogicError {
	return &LogicError{Code: code, Message: fmt.Sprintf("%s: %s", code, fmt.Sprintf(format, args...))}
}

// Helper functions

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.Temporary()
	}

	errStr := strings.ToLower(err.Error())
	networkPatterns := []string{
		"connection refused",
		"timeout",
		"deadline exceeded",
		"connection reset",
		"broken pipe",
	}
	for _, pattern := range networkPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func isSyscallError(err error) bool {
	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return true
		}
	}
	return false
}

func isTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func extractHTTPStatusCode(err error) int {
	var transientErr *TransientError
	if errors.As(err, &transientErr) && transientErr.StatusCode > 0 {
		return transientErr.StatusCode
	}

	lowerErr := strings.ToLower(err.Error())
	for _, code := range []int{429, 500, 502, 503, 504, 400, 401, 403, 404} {
		if strings.Contains(lowerErr, fmt.Sprintf("status %d", code)) ||
			strings.Contains(lowerErr, fmt.Sprintf("http error %d", code)) {
			return code
		}
	}
	return 0
}
