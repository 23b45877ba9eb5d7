package ims

import (
	"github.com/emiago/sipgo/sip"
)

// Listener observes the lifecycle of a session. Calls are made synchronously
// on the goroutine driving the transition and must not block.
//
// A session reports exactly one terminal event: OnSessionAborted,
// OnSessionRejected or OnSessionError.
type Listener interface {
	OnSessionStarted(s *Session)
	OnSessionAborted(s *Session, reason TerminationReason)
	OnSessionRejected(s *Session, reason TerminationReason)
	OnSessionAccepting(s *Session)
	OnSessionError(s *Session, err *SessionError)
}

// ListenerFuncs adapts functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Started   func(s *Session)
	Aborted   func(s *Session, reason TerminationReason)
	Rejected  func(s *Session, reason TerminationReason)
	Accepting func(s *Session)
	Error     func(s *Session, err *SessionError)
}

func (l ListenerFuncs) OnSessionStarted(s *Session) {
	if l.Started != nil {
		l.Started(s)
	}
}

func (l ListenerFuncs) OnSessionAborted(s *Session, reason TerminationReason) {
	if l.Aborted != nil {
		l.Aborted(s, reason)
	}
}

func (l ListenerFuncs) OnSessionRejected(s *Session, reason TerminationReason) {
	if l.Rejected != nil {
		l.Rejected(s, reason)
	}
}

func (l ListenerFuncs) OnSessionAccepting(s *Session) {
	if l.Accepting != nil {
		l.Accepting(s)
	}
}

func (l ListenerFuncs) OnSessionError(s *Session, err *SessionError) {
	if l.Error != nil {
		l.Error(s, err)
	}
}

// CapabilityRequester refreshes the capabilities of a remote contact. The
// request is asynchronous.
type CapabilityRequester interface {
	RequestCapabilities(contact sip.Uri)
}
