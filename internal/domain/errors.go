package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can branch on what went wrong
// rather than on message text.
type ErrorKind int

const (
	// KindConfig is a missing or invalid setting. Never retryable.
	KindConfig ErrorKind = iota
	// KindMedia is a local capture failure (no device, permission denied).
	KindMedia
	// KindConnection is a peer-connection, ICE or transport failure.
	KindConnection
	// KindHTTP is a non-2xx response from the gateway.
	KindHTTP
	// KindParse is a malformed payload. Recovered locally, never thrown
	// from the data stream.
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindMedia:
		return "media"
	case KindConnection:
		return "connection"
	case KindHTTP:
		return "http"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// Machine-checkable error codes.
const (
	CodeInvalidUpdateParams = "INVALID_UPDATE_PARAMS"
	CodeMissingPipeline     = "MISSING_PIPELINE"
)

var (
	ErrSessionActive    = errors.New("session already active")
	ErrAlreadyConnected = errors.New("data stream already connected")
	ErrNoDescriptor     = errors.New("no active session descriptor")
)

// Error is the typed error carried by every public operation that can fail.
type Error struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Status    int // HTTP status, when Kind == KindHTTP
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a non-retryable typed error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError builds a non-retryable typed error preserving the cause.
func WrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// HTTPError builds a typed error for a gateway response. 5xx responses are
// retryable, 4xx are not.
func HTTPError(status int, message string) *Error {
	return &Error{
		Kind:      KindHTTP,
		Message:   message,
		Status:    status,
		Retryable: status >= 500,
	}
}

// IsRetryable reports whether a failed operation may be attempted again.
// Errors without a classification default to retryable so plain network
// failures can still be retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsCode reports whether err carries the given machine-checkable code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
