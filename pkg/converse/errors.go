package converse

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeReconnectFailed  = "RECONNECT_FAILED"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeTimeout          = "TIMEOUT_ERROR"
	ErrCodeMessageParse     = "MESSAGE_PARSE_ERROR"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeSignedURL        = "SIGNED_URL_FAILED"
	ErrCodeWebSocket        = "WEBSOCKET_ERROR"
	ErrCodeAudioDevice      = "AUDIO_DEVICE_ERROR"
	ErrCodePlayback         = "PLAYBACK_ERROR"
	ErrCodeUnknown          = "UNKNOWN_ERROR"
)

// ConverseError is the SDK's error envelope: a message, a stable code for
// logging/telemetry, and optional structured details.
type ConverseError struct {
	Message   string
	Code      string
	Timestamp time.Time
	Details   map[string]interface{}
	err       error
}

func NewConverseError(message, code string) *ConverseError {
	return &ConverseError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func (e *ConverseError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s:", e.Code, e.Message)
	for k, v := range e.Details {
		fmt.Fprintf(&sb, " %s=%v", k, v)
	}
	return sb.String()
}

func (e *ConverseError) Unwrap() error { return e.err }

// ErrorCode returns the stable code. Typed errors embed ConverseError and
// inherit this, which is how IsErrorCode sees through the hierarchy without
// enumerating every type.
func (e *ConverseError) ErrorCode() string { return e.Code }

// AddDetail attaches a structured detail and returns the error for chaining.
func (e *ConverseError) AddDetail(key string, value interface{}) *ConverseError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetDetail returns a previously attached detail.
func (e *ConverseError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// TimeoutKind narrows which operation timed out. Only connection and response
// timeouts are considered transient by the retry policies.
type TimeoutKind string

const (
	TimeoutConnection     TimeoutKind = "connection"
	TimeoutResponse       TimeoutKind = "response"
	TimeoutAuthentication TimeoutKind = "authentication"
	TimeoutIdle           TimeoutKind = "idle"
)

// ConnectionError is a transport-level failure. Recoverable marks failures
// the transport layer believes are transient.
type ConnectionError struct {
	ConverseError
	Recoverable bool
}

func NewConnectionError(message string, recoverable bool) *ConnectionError {
	e := &ConnectionError{Recoverable: recoverable}
	e.Message = message
	e.Code = ErrCodeConnectionFailed
	e.Timestamp = time.Now()
	return e
}

// AuthenticationError is a credential rejection. Never retried; treated as a
// configuration problem on the caller's side.
type AuthenticationError struct {
	ConverseError
}

func NewAuthError(message string) *AuthenticationError {
	e := &AuthenticationError{}
	e.Message = message
	e.Code = ErrCodeAuthFailed
	e.Timestamp = time.Now()
	return e
}

// RateLimitError is a server throttle response. RetryAfter carries the
// server-supplied hint when one was present, else zero.
type RateLimitError struct {
	ConverseError
	RetryAfter time.Duration
}

func NewRateLimitError(message string, retryAfter time.Duration) *RateLimitError {
	e := &RateLimitError{RetryAfter: retryAfter}
	e.Message = message
	e.Code = ErrCodeRateLimited
	e.Timestamp = time.Now()
	if retryAfter > 0 {
		e.AddDetail("retry_after", retryAfter.String())
	}
	return e
}

// TimeoutError is a deadline expiry, narrowed by Kind.
type TimeoutError struct {
	ConverseError
	Kind TimeoutKind
}

func NewTimeoutError(message string, kind TimeoutKind) *TimeoutError {
	e := &TimeoutError{Kind: kind}
	e.Message = message
	e.Code = ErrCodeTimeout
	e.Timestamp = time.Now()
	e.AddDetail("kind", string(kind))
	return e
}

// MessageError is a malformed inbound frame. Surfaced to the application
// without closing anything; a bad frame does not imply a bad connection.
type MessageError struct {
	ConverseError
}

func NewMessageError(message string) *MessageError {
	e := &MessageError{}
	e.Message = message
	e.Code = ErrCodeMessageParse
	e.Timestamp = time.Now()
	return e
}

// ConfigurationError is fatal and never retried.
type ConfigurationError struct {
	ConverseError
}

func NewConfigError(message string) *ConfigurationError {
	e := &ConfigurationError{}
	e.Message = message
	e.Code = ErrCodeConfigInvalid
	e.Timestamp = time.Now()
	return e
}

// WrapError wraps any error in a ConverseError with the given code.
func WrapError(err error, code string) *ConverseError {
	if err == nil {
		return nil
	}
	e := NewConverseError(err.Error(), code)
	e.err = err
	return e
}

// IsErrorCode reports whether err carries the given Converse error code.
func IsErrorCode(err error, code string) bool {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode() == code
	}
	return false
}

// IsRetryableError reports whether the error kind is ever eligible for a
// retry under the exponential policy. Strategy instances still apply their
// own attempt caps on top of this.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Recoverable
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Kind == TimeoutConnection || timeoutErr.Kind == TimeoutResponse
	}
	return false
}

// IsCriticalError reports whether the error should be surfaced immediately
// as a configuration problem rather than handled by reconnection.
func IsCriticalError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthenticationError
	if errors.As(err, &authErr) {
		return true
	}
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
