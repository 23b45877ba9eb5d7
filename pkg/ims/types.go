package ims

import (
	"fmt"
)

// InvitationStatus is the answer to an invitation. It leaves NotAnswered
// exactly once.
type InvitationStatus int

const (
	InvitationNotAnswered InvitationStatus = iota
	InvitationAccepted
	InvitationRejected
	InvitationCanceled
	InvitationTimeout
	InvitationRejectedBySystem
	InvitationDeleted
)

func (s InvitationStatus) String() string {
	switch s {
	case InvitationNotAnswered:
		return "not_answered"
	case InvitationAccepted:
		return "accepted"
	case InvitationRejected:
		return "rejected"
	case InvitationCanceled:
		return "canceled"
	case InvitationTimeout:
		return "timeout"
	case InvitationRejectedBySystem:
		return "rejected_by_system"
	case InvitationDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("invitation_status(%d)", int(s))
	}
}

// TerminationReason tells listeners why a session ended
type TerminationReason int

const (
	TerminationBySystem TerminationReason = iota
	TerminationByUser
	TerminationByTimeout
	TerminationByInactivity
	TerminationByConnectionLost
	TerminationByRemote
)

func (r TerminationReason) String() string {
	switch r {
	case TerminationBySystem:
		return "system"
	case TerminationByUser:
		return "user"
	case TerminationByTimeout:
		return "timeout"
	case TerminationByInactivity:
		return "inactivity"
	case TerminationByConnectionLost:
		return "connection_lost"
	case TerminationByRemote:
		return "remote"
	default:
		return fmt.Sprintf("termination_reason(%d)", int(r))
	}
}

// Direction of a session relative to this client
type Direction int

const (
	Originating Direction = iota
	Terminating
)

func (d Direction) String() string {
	if d == Terminating {
		return "terminating"
	}
	return "originating"
}

// SessionErrorCode classifies session errors
type SessionErrorCode int

const (
	SessionInitiationFailed SessionErrorCode = iota + 1
	SessionInitiationDeclined
	SessionInitiationCancelled
	SessionInitiationTimeout
	SessionNotFound
	UnexpectedException
	MediaFailed
)

func (c SessionErrorCode) String() string {
	switch c {
	case SessionInitiationFailed:
		return "session_initiation_failed"
	case SessionInitiationDeclined:
		return "session_initiation_declined"
	case SessionInitiationCancelled:
		return "session_initiation_cancelled"
	case SessionInitiationTimeout:
		return "session_initiation_timeout"
	case SessionNotFound:
		return "session_not_found"
	case UnexpectedException:
		return "unexpected_exception"
	case MediaFailed:
		return "media_failed"
	default:
		return fmt.Sprintf("session_error(%d)", int(c))
	}
}

// SessionError is delivered to the error hook and listeners of a session
type SessionError struct {
	Code       SessionErrorCode
	Message    string
	StatusCode int // SIP status that caused the error, 0 if none
	Cause      error
}

// NewSessionError creates a session error
func NewSessionError(code SessionErrorCode, message string) *SessionError {
	return &SessionError{Code: code, Message: message}
}

func (e *SessionError) Error() string {
	msg := e.Code.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (%d)", e.StatusCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error {
	return e.Cause
}

// withStatus records the SIP status behind the error
func (e *SessionError) withStatus(code int) *SessionError {
	e.StatusCode = code
	return e
}

// withCause records the underlying error
func (e *SessionError) withCause(err error) *SessionError {
	e.Cause = err
	return e
}
