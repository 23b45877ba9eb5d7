package dispatcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	"rcs-ims-core/pkg/metrics"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/util"
)

// Dispatch outcomes recorded in metrics
const (
	outcomeDispatched = "dispatched"
	outcomeRejected   = "rejected"
	outcomeDropped    = "dropped"
	outcomeError      = "error"
)

// Config identifies the local endpoint requests must be addressed to
type Config struct {
	LocalAddress string
	LocalPort    int

	// Public mapping discovered when the client is behind a NAT
	NatPublicAddress string
	NatPublicPort    int

	// Multi-device identifiers, unchecked when empty
	InstanceID string
	PublicGRUU string

	Settings config.SettingsProvider
	Intents  *SipIntentManager
	Factory  *imssip.MessageFactory
}

// Dispatcher is the IMS service dispatcher. The transport posts inbound
// requests; a single goroutine takes them in order and routes each one to a
// session or a service.
type Dispatcher struct {
	logger   *logrus.Logger
	config   Config
	services Services
	queue    *Queue[*imssip.InboundRequest]
	panics   *util.PanicHandler

	running atomic.Bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher routing to services
func NewDispatcher(cfg Config, services Services, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if cfg.Settings == nil {
		cfg.Settings = config.NewSettingsHolder(config.DefaultSettings())
	}
	if cfg.Intents == nil {
		cfg.Intents = NewSipIntentManager()
	}
	if cfg.Factory == nil {
		cfg.Factory = &imssip.MessageFactory{}
	}
	return &Dispatcher{
		logger:   logger,
		config:   cfg,
		services: services,
		queue:    NewQueue[*imssip.InboundRequest](),
		panics:   util.NewPanicHandler(logger),
		done:     make(chan struct{}),
	}
}

// Intents returns the SIP intent registry
func (d *Dispatcher) Intents() *SipIntentManager {
	return d.config.Intents
}

// PostSipRequest queues an inbound request. Once the dispatcher is closed
// requests are answered with 503.
func (d *Dispatcher) PostSipRequest(in *imssip.InboundRequest) {
	if err := d.queue.Put(in); err != nil {
		d.logger.WithFields(logrus.Fields{
			"method":  in.Request.Method,
			"call_id": in.CallID(),
		}).Debug("Dispatcher closed, refusing request")
		if in.Request.Method != sip.ACK {
			d.respond(in, errors.StatusServiceUnavailable)
		}
		metrics.RecordDispatch(string(in.Request.Method), outcomeRejected, in.Received)
		return
	}
	metrics.SetDispatchQueueDepth(d.queue.Len())
}

// Start runs the dispatch loop in the background
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		if err := d.Run(ctx); err != nil {
			d.logger.WithError(err).Warn("IMS dispatcher stopped")
		}
	}()
}

// Run takes requests until the queue is closed and drained or ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("dispatcher already running")
	}
	defer close(d.done)

	d.logger.Info("IMS dispatcher started")
	for {
		in, err := d.queue.Take(ctx)
		if err != nil {
			if errors.IsErrorType(err, errors.ErrQueueClosed) {
				d.logger.Info("IMS dispatcher stopped")
				return nil
			}
			return err
		}
		metrics.SetDispatchQueueDepth(d.queue.Len())
		d.dispatch(in)
	}
}

// Close stops accepting requests. The loop handles the queued ones then
// returns.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

// Done is closed when the dispatch loop has returned
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// dispatch routes one request. Errors and panics are handled here so the
// loop always moves on to the next request.
func (d *Dispatcher) dispatch(in *imssip.InboundRequest) {
	req := in.Request
	outcome := outcomeError
	defer func() {
		metrics.RecordDispatch(string(req.Method), outcome, in.Received)
	}()
	defer d.panics.RecoverWithCallback("ims_dispatcher", func(value interface{}) {
		d.handleError(in, errors.Wrap(errors.ErrInternalError, fmt.Sprintf("panic while dispatching: %v", value)), "panic")
	})

	var err error
	outcome, err = d.route(in)
	if err != nil {
		outcome = outcomeError
		d.handleError(in, err, errorKind(err))
	}
}

func (d *Dispatcher) route(in *imssip.InboundRequest) (string, error) {
	req := in.Request
	logger := d.requestLogger(in)

	if req.Method == sip.ACK {
		return outcomeDropped, nil
	}

	if !d.isForLocalEndpoint(req.Recipient) {
		logger.WithField("request_uri", req.Recipient.String()).Warn("Request-URI does not match the local endpoint")
		return d.reject(in, 404)
	}

	if !d.isForLocalDevice(req) {
		logger.Info("Request addressed to another device of the user")
		return d.reject(in, 486)
	}

	session := d.findSession(in.CallID())
	if session != nil {
		if instance := imssip.ContactInstance(req); instance != "" {
			if dialog := session.Dialog(); dialog != nil {
				dialog.SetRemoteSipInstance(instance)
			}
		}
	}

	switch req.Method {
	case sip.OPTIONS:
		if d.services.Capability == nil {
			d.respond(in, 200)
			return outcomeDispatched, nil
		}
		return outcomeDispatched, d.services.Capability.ReceiveCapabilityRequest(in)

	case sip.INVITE:
		if session != nil {
			logger.Debug("Re-INVITE for an existing session")
			d.panics.SafeGo("ims_session", func() { session.ReceiveReInvite(in) })
			return outcomeDispatched, nil
		}
		if imssip.ToTag(req) != "" {
			return d.reject(in, 481)
		}
		return d.dispatchInvitation(in)

	case sip.MESSAGE:
		return d.dispatchMessage(in)

	case sip.NOTIFY:
		return d.dispatchNotify(in)

	case sip.BYE:
		if session == nil {
			return d.reject(in, 481)
		}
		d.respond(in, 200)
		d.panics.SafeGo("ims_session", func() { session.ReceiveBye(in) })
		return outcomeDispatched, nil

	case sip.CANCEL:
		if session == nil {
			return d.reject(in, 481)
		}
		d.respond(in, 200)
		d.panics.SafeGo("ims_session", func() { session.ReceiveCancel(in) })
		return outcomeDispatched, nil

	case sip.UPDATE:
		if session == nil {
			return d.reject(in, 481)
		}
		d.panics.SafeGo("ims_session", func() { session.ReceiveUpdate(in) })
		return outcomeDispatched, nil

	default:
		logger.Debug("Unsupported method")
		return d.reject(in, 403)
	}
}

// dispatchInvitation routes an INVITE that opens a new session
func (d *Dispatcher) dispatchInvitation(in *imssip.InboundRequest) (string, error) {
	req := in.Request
	d.respond(in, 100)

	if len(req.Body()) == 0 {
		d.requestLogger(in).Warn("Invitation without SDP")
		return d.reject(in, 606)
	}
	summary, err := imssip.SummarizeSDP(req.Body())
	if err != nil {
		return outcomeError, errors.NewSipPayload("unreadable SDP offer", map[string]interface{}{
			"cause": err.Error(),
		})
	}

	inv := classifyInvitation(req, summary, d.config.Intents)
	settings := d.config.Settings.Settings()
	logger := d.requestLogger(in).WithField("invitation", inv.kind.String())
	logger.Debug("Classified invitation")

	im := d.services.InstantMessaging
	rich := d.services.RichCall

	switch inv.kind {
	case invitationImageShare:
		if !settings.IsImageSharingSupported() {
			return d.decline(in, logger)
		}
		if rich == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, rich.ReceiveImageSharingInvitation(in)

	case invitationGeolocShare:
		if !settings.IsGeoLocationPushSupported() {
			return d.decline(in, logger)
		}
		if rich == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, rich.ReceiveGeolocSharingInvitation(in)

	case invitationMsrpFileTransfer:
		if !settings.IsFileTransferSupported() {
			return d.decline(in, logger)
		}
		if im == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, im.ReceiveMsrpFileTransferInvitation(in)

	case invitationHttpFileTransfer:
		if !settings.IsFileTransferHTTPSupported() {
			return d.decline(in, logger)
		}
		if im == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, im.ReceiveHttpFileTransferInvitation(in, inv.transfer)

	case invitationStoreForwardMessage, invitationStoreForwardNotification:
		if !settings.IsStoreForwardSupported() {
			return d.decline(in, logger)
		}
		if im == nil {
			return d.reject(in, 403)
		}
		if inv.kind == invitationStoreForwardNotification {
			return outcomeDispatched, im.ReceiveStoreAndForwardNotificationInvitation(in)
		}
		return outcomeDispatched, im.ReceiveStoreAndForwardMessageInvitation(in)

	case invitationGroupChat:
		if !settings.IsGroupChatSupported() {
			return d.decline(in, logger)
		}
		if im == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, im.ReceiveGroupChatInvitation(in)

	case invitationOneToOneChat:
		if !settings.IsImSessionSupported() {
			return d.decline(in, logger)
		}
		if im == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, im.ReceiveOneToOneChatInvitation(in)

	case invitationVideoShare:
		if !settings.IsVideoSharingSupported() {
			return d.decline(in, logger)
		}
		if rich == nil {
			return d.reject(in, 403)
		}
		return outcomeDispatched, rich.ReceiveVideoSharingInvitation(in)

	case invitationIPCall:
		supported := settings.IsIPVoiceCallSupported()
		if inv.video {
			supported = supported && settings.IsIPVideoCallSupported()
		}
		if !supported || d.services.IPCall == nil {
			return d.decline(in, logger)
		}
		return outcomeDispatched, d.services.IPCall.ReceiveIPCallInvitation(in, inv.video)

	case invitationGenericMsrp, invitationGenericRtp:
		generic := d.services.GenericSip
		if generic == nil {
			return d.reject(in, 403)
		}
		if inv.kind == invitationGenericMsrp {
			return outcomeDispatched, generic.ReceiveMsrpSessionInvitation(inv.intent, in)
		}
		return outcomeDispatched, generic.ReceiveRtpSessionInvitation(inv.intent, in)

	default:
		logger.Info("Unknown invitation")
		return d.reject(in, 403)
	}
}

// dispatchMessage routes an out of dialog MESSAGE
func (d *Dispatcher) dispatchMessage(in *imssip.InboundRequest) (string, error) {
	req := in.Request
	if isImdnMessage(req) && d.services.InstantMessaging != nil {
		return outcomeDispatched, d.services.InstantMessaging.ReceiveMessageDeliveryStatus(in)
	}
	if terms := d.services.Terms; terms != nil && terms.IsTermsRequest(in) {
		return outcomeDispatched, terms.ReceiveMessage(in)
	}
	d.requestLogger(in).Debug("Unsupported MESSAGE")
	return d.reject(in, 403)
}

// dispatchNotify routes a NOTIFY by event package
func (d *Dispatcher) dispatchNotify(in *imssip.InboundRequest) (string, error) {
	req := in.Request
	event := eventPackage(req)

	switch event {
	case "presence.winfo":
		if d.services.Presence != nil {
			return outcomeDispatched, d.services.Presence.ReceiveWatcherInfoNotification(in)
		}

	case "presence":
		if isAnonymousFetch(req) {
			if d.services.Capability != nil {
				return outcomeDispatched, d.services.Capability.ReceiveNotification(in)
			}
		} else if d.services.Presence != nil {
			return outcomeDispatched, d.services.Presence.ReceivePresenceNotification(in)
		}

	case "conference":
		if d.services.InstantMessaging != nil {
			return outcomeDispatched, d.services.InstantMessaging.ReceiveConferenceNotification(in)
		}
	}

	d.requestLogger(in).WithField("event", event).Debug("Unsupported event package")
	return d.reject(in, 489)
}

// handleError logs a dispatch failure and, when the request is still
// unanswered, sends the final response matching the error
func (d *Dispatcher) handleError(in *imssip.InboundRequest, err error, kind string) {
	req := in.Request
	metrics.RecordDispatchError(kind)
	d.requestLogger(in).WithError(err).WithField("kind", kind).Error("Failed to dispatch request")

	if req.Method == sip.NOTIFY && eventPackage(req) == "presence" && !isAnonymousFetch(req) && d.services.Presence != nil {
		d.services.Presence.SubscriptionFailed(in, err)
	}

	if req.Method == sip.ACK || isFinalized(in) {
		return
	}
	code, reason := errors.SIPStatus(err)
	d.respondWithReason(in, code, reason)
}

func errorKind(err error) string {
	switch {
	case errors.IsSipPayload(err), errors.IsErrorType(err, errors.ErrInvalidSDP):
		return "payload"
	case errors.IsSipNetwork(err):
		return "network"
	default:
		return "other"
	}
}

// isForLocalEndpoint checks the request-URI host and port against the local
// address and the NAT public mapping. A request-URI without port matches on
// host alone.
func (d *Dispatcher) isForLocalEndpoint(uri sip.Uri) bool {
	if d.config.LocalAddress == "" {
		return true
	}
	if matchesAddress(uri, d.config.LocalAddress, d.config.LocalPort) {
		return true
	}
	return d.config.NatPublicAddress != "" && matchesAddress(uri, d.config.NatPublicAddress, d.config.NatPublicPort)
}

func matchesAddress(uri sip.Uri, host string, port int) bool {
	if !strings.EqualFold(uri.Host, host) {
		return false
	}
	return uri.Port == 0 || port == 0 || uri.Port == port
}

// isForLocalDevice checks the multi-device identifiers carried by the request
func (d *Dispatcher) isForLocalDevice(req *sip.Request) bool {
	if instance, ok := imssip.AcceptContactParam(req, imssip.FeatureSipInstance); ok && d.config.InstanceID != "" {
		if !strings.EqualFold(instance, d.config.InstanceID) {
			return false
		}
	}
	if gruu, ok := req.Recipient.UriParams.Get("gr"); ok && gruu != "" && d.config.PublicGRUU != "" {
		if !strings.Contains(d.config.PublicGRUU, gruu) {
			return false
		}
	}
	if gruu, ok := imssip.AcceptContactParam(req, imssip.FeaturePubGruu); ok && d.config.PublicGRUU != "" {
		if !strings.EqualFold(gruu, d.config.PublicGRUU) {
			return false
		}
	}
	return true
}

// findSession looks Call-ID up in the registries of the session owning services
func (d *Dispatcher) findSession(callID string) *ims.Session {
	if callID == "" {
		return nil
	}
	for _, owner := range d.services.owners() {
		svc := owner.ImsService()
		if svc == nil {
			continue
		}
		if s := svc.GetSession(callID); s != nil {
			return s
		}
	}
	return nil
}

// decline answers 603 to an invitation the settings disable
func (d *Dispatcher) decline(in *imssip.InboundRequest, logger *logrus.Entry) (string, error) {
	logger.Info("Service disabled, declining invitation")
	return d.reject(in, 603)
}

func (d *Dispatcher) reject(in *imssip.InboundRequest, code int) (string, error) {
	d.respond(in, code)
	return outcomeRejected, nil
}

func (d *Dispatcher) respond(in *imssip.InboundRequest, code int) {
	d.respondWithReason(in, code, imssip.ReasonPhrase(code))
}

func (d *Dispatcher) respondWithReason(in *imssip.InboundRequest, code int, reason string) {
	if reason == "" {
		reason = imssip.ReasonPhrase(code)
	}
	res := d.config.Factory.CreateResponse(in.Request, imssip.NewTag(), code, reason)
	if err := in.Respond(res); err != nil {
		d.requestLogger(in).WithError(err).WithField("status", code).Warn("Failed to send response")
	}
}

func (d *Dispatcher) requestLogger(in *imssip.InboundRequest) *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{
		"method":  in.Request.Method,
		"call_id": in.CallID(),
	})
}

func isFinalized(in *imssip.InboundRequest) bool {
	select {
	case <-in.Finalized():
		return true
	default:
		return false
	}
}
