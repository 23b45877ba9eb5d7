package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/ims"
	"rcs-ims-core/pkg/util"
)

// Event types published for session lifecycle transitions
const (
	EventSessionAccepting = "session.accepting"
	EventSessionStarted   = "session.started"
	EventSessionAborted   = "session.aborted"
	EventSessionRejected  = "session.rejected"
	EventSessionFailed    = "session.failed"
)

// SessionEvent is the JSON message published for a lifecycle transition
type SessionEvent struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id,omitempty"`
	Service   string    `json:"service"`
	Kind      string    `json:"kind"`
	Direction string    `json:"direction"`
	Contact   string    `json:"contact"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionEventPublisher is an ims.Listener that publishes every transition.
// Events are published in order on a background worker; events arriving
// while the broker is unreachable are logged and dropped.
type SessionEventPublisher struct {
	publisher Publisher
	logger    *logrus.Logger
	pool      *util.GoroutinePool
	now       func() time.Time
}

var _ ims.Listener = (*SessionEventPublisher)(nil)

// NewSessionEventPublisher creates a listener publishing through publisher
func NewSessionEventPublisher(publisher Publisher, logger *logrus.Logger) *SessionEventPublisher {
	return &SessionEventPublisher{
		publisher: publisher,
		logger:    logger,
		pool:      util.NewGoroutinePool("session-events", 1, 1024, logger),
		now:       time.Now,
	}
}

func (p *SessionEventPublisher) OnSessionAccepting(s *ims.Session) {
	p.publish(s, EventSessionAccepting, "", "")
}

func (p *SessionEventPublisher) OnSessionStarted(s *ims.Session) {
	p.publish(s, EventSessionStarted, "", "")
}

func (p *SessionEventPublisher) OnSessionAborted(s *ims.Session, reason ims.TerminationReason) {
	p.publish(s, EventSessionAborted, reason.String(), "")
}

func (p *SessionEventPublisher) OnSessionRejected(s *ims.Session, reason ims.TerminationReason) {
	p.publish(s, EventSessionRejected, reason.String(), "")
}

func (p *SessionEventPublisher) OnSessionError(s *ims.Session, err *ims.SessionError) {
	p.publish(s, EventSessionFailed, err.Code.String(), err.Error())
}

// Close waits up to timeout for queued events
func (p *SessionEventPublisher) Close(timeout time.Duration) {
	if !p.pool.Shutdown(timeout) {
		p.logger.WithField("timeout", timeout).Warn("Session events still pending at shutdown")
	}
}

func (p *SessionEventPublisher) publish(s *ims.Session, eventType, reason, errMsg string) {
	event := SessionEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		SessionID: s.ID(),
		Service:   s.Service().Name(),
		Kind:      s.Media().Kind().String(),
		Direction: s.Direction().String(),
		Contact:   s.RemoteContact(),
		Reason:    reason,
		Error:     errMsg,
		Timestamp: p.now(),
	}
	if d := s.Dialog(); d != nil {
		event.CallID = d.CallID()
	}

	if !p.pool.Submit(func() { p.send(event) }) {
		p.logger.WithFields(logrus.Fields{
			"session_id": event.SessionID,
			"type":       eventType,
		}).Warn("Session event dropped, publisher queue unavailable")
	}
}

func (p *SessionEventPublisher) send(event SessionEvent) {
	logger := p.logger.WithFields(logrus.Fields{
		"session_id": event.SessionID,
		"type":       event.Type,
	})
	if !p.publisher.IsConnected() {
		logger.Debug("Session event not published, broker not connected")
		return
	}

	body, err := json.Marshal(event)
	if err != nil {
		logger.WithError(err).Error("Failed to marshal session event")
		return
	}
	if err := p.publisher.Publish(context.Background(), event.ID, body); err != nil {
		logger.WithError(err).Warn("Failed to publish session event")
	}
}
