package ims

import (
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/metrics"
	imssip "rcs-ims-core/pkg/sip"
)

// Service owns the sessions of one IMS service. Sessions bound to a dialog
// are indexed by Call-ID; every session is indexed by its session id.
// A single lock guards both indexes.
type Service struct {
	name   string
	core   *Core
	logger *logrus.Logger

	mu        sync.Mutex
	byCallID  map[string]*Session
	byID      map[string]*Session
	listeners []Listener
}

// NewService creates an empty session registry
func NewService(name string, core *Core) *Service {
	core.WithDefaults()
	return &Service{
		name:     name,
		core:     core,
		logger:   core.Logger,
		byCallID: make(map[string]*Session),
		byID:     make(map[string]*Session),
	}
}

func (svc *Service) Name() string {
	return svc.name
}

func (svc *Service) Core() *Core {
	return svc.core
}

// AddListener attaches l to every session created afterwards
func (svc *Service) AddListener(l Listener) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.listeners = append(svc.listeners, l)
}

// NewOriginatingSession creates and registers a session towards remote.
// The dialog is created when the session starts.
func (svc *Service) NewOriginatingSession(media Media, remote sip.Uri) (*Session, error) {
	s := newSession(svc, media, Originating, remote, "")
	if err := svc.AddSession(s); err != nil {
		return nil, err
	}
	metrics.RecordSessionCreated(media.Kind().String(), Originating.String())
	return s, nil
}

// NewTerminatingSession creates and registers the session of an inbound INVITE
func (svc *Service) NewTerminatingSession(media Media, in *imssip.InboundRequest) (*Session, error) {
	from := in.Request.From()
	if from == nil {
		return nil, errors.NewSipPayload("INVITE without From header")
	}

	s := newSession(svc, media, Terminating, from.Address, from.DisplayName)
	s.CreateTerminatingDialogPath(in)
	if err := svc.AddSession(s); err != nil {
		return nil, err
	}
	metrics.RecordSessionCreated(media.Kind().String(), Terminating.String())
	return s, nil
}

// AddSession registers s. A Call-ID already in use is refused.
func (svc *Service) AddSession(s *Session) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if _, ok := svc.byID[s.ID()]; ok {
		return errors.Wrap(errors.ErrSessionAlreadyExists, "session id already registered", map[string]interface{}{
			"session_id": s.ID(),
		})
	}
	if d := s.Dialog(); d != nil {
		if _, ok := svc.byCallID[d.CallID()]; ok {
			return errors.NewSessionAlreadyExists(d.CallID())
		}
		svc.byCallID[d.CallID()] = s
	}
	svc.byID[s.ID()] = s

	svc.logger.WithFields(logrus.Fields{
		"service":    svc.name,
		"session_id": s.ID(),
		"count":      len(svc.byID),
	}).Debug("Session added")
	metrics.SetActiveSessions(svc.name, len(svc.byID))
	return nil
}

// bindCallID indexes s under the Call-ID of its new dialog
func (svc *Service) bindCallID(s *Session) error {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	if _, ok := svc.byID[s.ID()]; !ok {
		return nil
	}
	callID := s.Dialog().CallID()
	if other, ok := svc.byCallID[callID]; ok && other != s {
		return errors.NewSessionAlreadyExists(callID)
	}
	svc.byCallID[callID] = s
	return nil
}

// RemoveSession unregisters s; unknown sessions are ignored
func (svc *Service) RemoveSession(s *Session) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.removeLocked(s)
}

func (svc *Service) removeLocked(s *Session) {
	if _, ok := svc.byID[s.ID()]; !ok {
		return
	}
	delete(svc.byID, s.ID())
	if d := s.Dialog(); d != nil {
		if current, ok := svc.byCallID[d.CallID()]; ok && current == s {
			delete(svc.byCallID, d.CallID())
		}
	}

	svc.logger.WithFields(logrus.Fields{
		"service":    svc.name,
		"session_id": s.ID(),
		"count":      len(svc.byID),
	}).Debug("Session removed")
	metrics.SetActiveSessions(svc.name, len(svc.byID))
}

// GetSession returns the session bound to callID, or nil
func (svc *Service) GetSession(callID string) *Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.byCallID[callID]
}

// GetSessionByID returns the session with the given id, or nil
func (svc *Service) GetSessionByID(id string) *Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.byID[id]
}

// Sessions returns a snapshot of the registered sessions
func (svc *Service) Sessions() []*Session {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	sessions := make([]*Session, 0, len(svc.byID))
	for _, s := range svc.byID {
		sessions = append(sessions, s)
	}
	return sessions
}

// SessionCount returns the number of registered sessions
func (svc *Service) SessionCount() int {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return len(svc.byID)
}

// TerminateAllSessions terminates every session while holding the registry
// lock, so that no request can be dispatched to a session being closed.
// Listeners must not call back into the registry from these notifications.
func (svc *Service) TerminateAllSessions(reason TerminationReason) {
	svc.mu.Lock()
	defer svc.mu.Unlock()

	sessions := make([]*Session, 0, len(svc.byID))
	for _, s := range svc.byID {
		sessions = append(sessions, s)
	}
	if len(sessions) == 0 {
		return
	}

	svc.logger.WithFields(logrus.Fields{
		"service": svc.name,
		"count":   len(sessions),
		"reason":  reason.String(),
	}).Info("Terminating all sessions")

	for _, s := range sessions {
		s.terminate(reason, func() { svc.removeLocked(s) })
	}
}

func (svc *Service) sessionListeners() []Listener {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]Listener(nil), svc.listeners...)
}
