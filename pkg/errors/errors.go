package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Sentinel errors shared by the session core, the dispatcher and the transport
var (
	ErrNotFound      = errors.New("resource not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInternalError = errors.New("internal error")
	ErrTimeout       = errors.New("operation timed out")
	ErrUnavailable   = errors.New("service unavailable")
	ErrCanceled      = errors.New("operation canceled")
	ErrQueueClosed   = errors.New("queue closed")
	ErrAlreadyExists = errors.New("already exists")

	// ErrSipNetwork reports a failure to send a SIP message or to obtain a
	// response before the transaction timeout.
	ErrSipNetwork = errors.New("SIP network failure")
	// ErrSipPayload reports a SIP message that could not be built or whose
	// content is unusable.
	ErrSipPayload = errors.New("SIP payload error")

	ErrInvalidSDP           = errors.New("invalid SDP")
	ErrSessionInitiation    = errors.New("session initiation failed")
	ErrSessionNotFound      = errors.New("IMS session not found")
	ErrSessionAlreadyExists = errors.New("IMS session already exists")
	ErrAuthentication       = errors.New("digest authentication failed")
)

// Error is a structured error carrying a cause, context fields and the
// location where it was created.
type Error struct {
	original error
	message  string
	fields   map[string]interface{}
	file     string
	line     int

	// Code is an optional error code for categorization
	Code string
}

func newError(skip int, original error, message, code string, fields []map[string]interface{}) *Error {
	_, file, line, _ := runtime.Caller(skip + 1)

	fieldMap := make(map[string]interface{})
	if len(fields) > 0 && fields[0] != nil {
		for k, v := range fields[0] {
			fieldMap[k] = v
		}
	}

	return &Error{
		original: original,
		message:  message,
		fields:   fieldMap,
		file:     file,
		line:     line,
		Code:     code,
	}
}

// New creates a new structured error with the given message
func New(message string, fields ...map[string]interface{}) *Error {
	return newError(1, errors.New(message), message, "", fields)
}

// Wrap wraps an existing error with additional context
func Wrap(err error, message string, fields ...map[string]interface{}) *Error {
	if err == nil {
		return nil
	}
	return newError(1, err, message, "", fields)
}

func (e *Error) clone(extra int) *Error {
	result := *e
	result.fields = make(map[string]interface{}, len(e.fields)+extra)
	for k, v := range e.fields {
		result.fields[k] = v
	}
	return &result
}

// WithField returns a copy of the error with one more context field
func (e *Error) WithField(key string, value interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(1)
	result.fields[key] = value
	return result
}

// WithFields returns a copy of the error with the given context fields added
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(len(fields))
	for k, v := range fields {
		result.fields[k] = v
	}
	return result
}

// WithCode returns a copy of the error carrying code
func (e *Error) WithCode(code string) *Error {
	if e == nil {
		return nil
	}
	result := e.clone(0)
	result.Code = code
	return result
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil || e.original == nil {
		return ""
	}
	if e.message == "" || e.message == e.original.Error() {
		return e.original.Error()
	}
	return fmt.Sprintf("%s: %v", e.message, e.original)
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.original
}

// Is reports whether the wrapped error matches target
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	if errors.Is(e.original, target) {
		return true
	}
	return e == target
}

// Location returns the file:line where the error was created
func (e *Error) Location() string {
	if e == nil {
		return ""
	}
	parts := strings.Split(e.file, "/")
	return fmt.Sprintf("%s:%d", parts[len(parts)-1], e.line)
}

// GetFields returns the error's context fields
func (e *Error) GetFields() map[string]interface{} {
	if e == nil {
		return nil
	}
	return e.fields
}

// GetCode returns the error's code
func (e *Error) GetCode() string {
	if e == nil {
		return ""
	}
	return e.Code
}

// AsJSON returns the error in JSON-friendly map format
func (e *Error) AsJSON() map[string]interface{} {
	if e == nil {
		return nil
	}

	result := map[string]interface{}{
		"message":  e.Error(),
		"location": e.Location(),
	}
	if e.Code != "" {
		result["code"] = e.Code
	}
	if len(e.fields) > 0 {
		result["context"] = e.fields
	}
	return result
}

// NewSipNetwork reports a transport level failure. cause may be nil.
func NewSipNetwork(details string, cause error, fields ...map[string]interface{}) *Error {
	message := fmt.Sprintf("SIP network failure: %s", details)
	if cause != nil {
		message = fmt.Sprintf("%s (%v)", message, cause)
	}
	return newError(1, ErrSipNetwork, message, "SIP_NETWORK", fields)
}

// NewSipPayload reports a SIP message that cannot be used
func NewSipPayload(details string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrSipPayload, fmt.Sprintf("SIP payload error: %s", details), "SIP_PAYLOAD", fields)
}

// NewInvalidSDP reports an SDP body that could not be parsed or negotiated
func NewInvalidSDP(details string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrInvalidSDP, fmt.Sprintf("invalid SDP: %s", details), "INVALID_SDP", fields)
}

// NewSessionNotFound reports a lookup miss in a session registry
func NewSessionNotFound(key string, fields ...map[string]interface{}) *Error {
	err := newError(1, ErrSessionNotFound, fmt.Sprintf("IMS session not found: %s", key), "SESSION_NOT_FOUND", fields)
	err.fields["key"] = key
	return err
}

// NewSessionAlreadyExists reports a second session registered under the same Call-ID
func NewSessionAlreadyExists(callID string, fields ...map[string]interface{}) *Error {
	err := newError(1, ErrSessionAlreadyExists, fmt.Sprintf("IMS session already exists for call %s", callID), "SESSION_EXISTS", fields)
	err.fields["call_id"] = callID
	return err
}

// NewTimeout reports an operation that did not complete in time
func NewTimeout(operation string, fields ...map[string]interface{}) *Error {
	return newError(1, ErrTimeout, fmt.Sprintf("%s timed out", operation), "TIMEOUT", fields)
}

// IsErrorType checks if an error is of a specific error type
func IsErrorType(err, target error) bool {
	return errors.Is(err, target)
}

// IsSipNetwork reports whether err is a transport failure
func IsSipNetwork(err error) bool {
	return errors.Is(err, ErrSipNetwork)
}

// IsSipPayload reports whether err is a payload failure
func IsSipPayload(err error) bool {
	return errors.Is(err, ErrSipPayload)
}

// GetErrorCode extracts the error code from an error if it's a structured error
func GetErrorCode(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetCode()
	}
	return ""
}

// GetErrorFields extracts fields from an error if it's a structured error
func GetErrorFields(err error) map[string]interface{} {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.GetFields()
	}
	return nil
}

// GetErrorLocation extracts location from an error if it's a structured error
func GetErrorLocation(err error) string {
	var serr *Error
	if errors.As(err, &serr) {
		return serr.Location()
	}
	return ""
}
