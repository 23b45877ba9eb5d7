package errors

import (
	"errors"
)

// SIP status codes used when an error has to be turned into a final response
const (
	StatusNotFound            = 404
	StatusRequestTimeout      = 408
	StatusBusyHere            = 486
	StatusRequestTerminated   = 487
	StatusNotAcceptableHere   = 488
	StatusServerInternalError = 500
	StatusServiceUnavailable  = 503
	StatusServerTimeout       = 504
)

var errorStatusCodes = map[error]int{
	ErrNotFound:             StatusNotFound,
	ErrInvalidInput:         StatusNotAcceptableHere,
	ErrInternalError:        StatusServerInternalError,
	ErrTimeout:              StatusServerTimeout,
	ErrUnavailable:          StatusServiceUnavailable,
	ErrCanceled:             StatusRequestTerminated,
	ErrQueueClosed:          StatusServiceUnavailable,
	ErrSipNetwork:           StatusServiceUnavailable,
	ErrSipPayload:           StatusNotAcceptableHere,
	ErrInvalidSDP:           StatusNotAcceptableHere,
	ErrSessionInitiation:    StatusServerInternalError,
	ErrSessionNotFound:      StatusNotFound,
	ErrSessionAlreadyExists: StatusBusyHere,
}

var statusReasons = map[int]string{
	StatusNotFound:            "Not Found",
	StatusRequestTimeout:      "Request Timeout",
	StatusBusyHere:            "Busy Here",
	StatusRequestTerminated:   "Request Terminated",
	StatusNotAcceptableHere:   "Not Acceptable Here",
	StatusServerInternalError: "Server Internal Error",
	StatusServiceUnavailable:  "Service Unavailable",
	StatusServerTimeout:       "Server Time-out",
}

// SIPStatusFromError determines the final response code for an error
func SIPStatusFromError(err error) int {
	for err != nil {
		if code, ok := errorStatusCodes[err]; ok {
			return code
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == err || unwrapped == nil {
			break
		}
		err = unwrapped
	}
	return StatusServerInternalError
}

// SIPStatus returns the status code and reason phrase for an error
func SIPStatus(err error) (int, string) {
	code := SIPStatusFromError(err)
	return code, statusReasons[code]
}
