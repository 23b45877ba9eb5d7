package service

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/errors"
	imssip "rcs-ims-core/pkg/sip"
)

// PresenceDocument is the body of a presence or watcher info NOTIFY. The
// document itself is handed over undecoded.
type PresenceDocument struct {
	Event       string
	From        string
	ContentType string
	State       string
	Body        []byte
}

// PresenceService receives presence notifications for the active
// subscriptions. A NOTIFY terminating its subscription, or one that failed
// to dispatch, triggers the resubscribe hook.
type PresenceService struct {
	logger      *logrus.Logger
	documents   func(PresenceDocument)
	resubscribe func(event string)

	mu       sync.Mutex
	failures map[string]int
}

var _ dispatcher.PresenceHandler = (*PresenceService)(nil)

// NewPresenceService creates the service. documents and resubscribe may be nil.
func NewPresenceService(logger *logrus.Logger, documents func(PresenceDocument), resubscribe func(event string)) *PresenceService {
	return &PresenceService{
		logger:      logger,
		documents:   documents,
		resubscribe: resubscribe,
		failures:    make(map[string]int),
	}
}

func (p *PresenceService) ReceivePresenceNotification(in *imssip.InboundRequest) error {
	return p.receive(in, "presence")
}

func (p *PresenceService) ReceiveWatcherInfoNotification(in *imssip.InboundRequest) error {
	return p.receive(in, "presence.winfo")
}

// SubscriptionFailed counts the failure and asks for a new subscription
func (p *PresenceService) SubscriptionFailed(in *imssip.InboundRequest, err error) {
	event := subscriptionEvent(in)
	p.mu.Lock()
	p.failures[event]++
	count := p.failures[event]
	p.mu.Unlock()

	p.logger.WithError(err).WithFields(requestFields(in)).WithFields(logrus.Fields{
		"event":    event,
		"failures": count,
	}).Warn("Presence subscription failed")
	if p.resubscribe != nil {
		p.resubscribe(event)
	}
}

// Failures returns how many times the subscription of event failed
func (p *PresenceService) Failures(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[event]
}

func (p *PresenceService) receive(in *imssip.InboundRequest, event string) error {
	state := imssip.HeaderValue(in.Request, imssip.HeaderSubscriptionState)
	if state == "" {
		return errors.NewSipPayload("NOTIFY without Subscription-State", map[string]interface{}{
			"event": event,
		})
	}
	if err := respondOK(in); err != nil {
		return err
	}

	doc := PresenceDocument{
		Event:       event,
		ContentType: imssip.HeaderValue(in.Request, "Content-Type"),
		State:       subscriptionState(state),
		Body:        in.Request.Body(),
	}
	if from := in.Request.From(); from != nil {
		doc.From = from.Address.String()
	}
	p.logger.WithFields(requestFields(in)).WithFields(logrus.Fields{
		"event": event,
		"state": doc.State,
	}).Debug("Presence notification received")

	if len(doc.Body) > 0 && p.documents != nil {
		p.documents(doc)
	}
	if doc.State == "terminated" && p.resubscribe != nil {
		p.resubscribe(event)
	}
	return nil
}

// subscriptionState strips the parameters of a Subscription-State value
func subscriptionState(value string) string {
	state, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(state))
}

func subscriptionEvent(in *imssip.InboundRequest) string {
	event, _, _ := strings.Cut(imssip.HeaderValue(in.Request, imssip.HeaderEvent), ";")
	return strings.ToLower(strings.TrimSpace(event))
}
