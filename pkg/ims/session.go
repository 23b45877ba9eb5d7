package ims

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/auth"
	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/metrics"
	imssip "rcs-ims-core/pkg/sip"
)

// Session is the application level session of one SIP dialog. It drives the
// invitation handshake, the offer/answer exchange carried out by its media
// variant, session timers and termination.
//
// Accept, reject and terminate may be called from any goroutine. Outbound
// in-dialog requests are serialized so that CSeq numbers stay ordered.
type Session struct {
	id        string
	service   *Service
	core      *Core
	media     Media
	direction Direction
	createdAt time.Time

	remoteURI         sip.Uri
	remoteDisplayName string

	auth     *auth.SessionAuthenticationAgent
	timer    *SessionTimerManager
	update   *UpdateSessionManager
	activity *SessionActivityManager
	answer   *answerMonitor

	ctx         context.Context
	cancel      context.CancelFunc
	interruptCh chan struct{}

	mu                 sync.Mutex
	dialog             *imssip.DialogPath
	interrupted        bool
	deleted            bool
	accepted           bool
	terminatedByRemote bool
	terminationReason  TerminationReason
	pendingInvite      bool
	inviteAnswered     bool

	// requestMu serializes outbound in-dialog requests
	requestMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener

	closed      atomic.Bool
	notified    atomic.Bool
	startedOnce sync.Once
}

func newSession(svc *Service, media Media, direction Direction, remote sip.Uri, displayName string) *Session {
	core := svc.core
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:                uuid.New().String(),
		service:           svc,
		core:              core,
		media:             media,
		direction:         direction,
		createdAt:         time.Now(),
		remoteURI:         remote,
		remoteDisplayName: displayName,
		auth:              auth.NewSessionAuthenticationAgent(core.Registration, core.Username, core.Password),
		answer:            newAnswerMonitor(),
		ctx:               ctx,
		cancel:            cancel,
		interruptCh:       make(chan struct{}),
		listeners:         svc.sessionListeners(),
	}
	s.timer = newSessionTimerManager(s)
	s.update = newUpdateSessionManager(s)
	s.activity = newSessionActivityManager(s)
	return s
}

func (s *Session) ID() string                { return s.id }
func (s *Session) Service() *Service         { return s.service }
func (s *Session) Media() Media              { return s.media }
func (s *Session) Direction() Direction      { return s.direction }
func (s *Session) IsOriginating() bool       { return s.direction == Originating }
func (s *Session) CreatedAt() time.Time      { return s.createdAt }
func (s *Session) RemoteURI() sip.Uri        { return s.remoteURI }
func (s *Session) RemoteDisplayName() string { return s.remoteDisplayName }

func (s *Session) Auth() *auth.SessionAuthenticationAgent { return s.auth }
func (s *Session) TimerManager() *SessionTimerManager     { return s.timer }
func (s *Session) UpdateManager() *UpdateSessionManager   { return s.update }
func (s *Session) Activity() *SessionActivityManager      { return s.activity }

// Context is canceled when the session is interrupted
func (s *Session) Context() context.Context {
	return s.ctx
}

// RemoteContact identifies the remote party, its phone number when known
func (s *Session) RemoteContact() string {
	if s.remoteURI.User != "" {
		return s.remoteURI.User
	}
	return s.remoteURI.String()
}

// Dialog returns the dialog of the session, nil before it is created
func (s *Session) Dialog() *imssip.DialogPath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialog
}

func (s *Session) setDialog(d *imssip.DialogPath) {
	s.mu.Lock()
	s.dialog = d
	s.mu.Unlock()
}

func (s *Session) settings() *config.Settings {
	return s.core.settings()
}

func (s *Session) log() *logrus.Entry {
	fields := logrus.Fields{
		"session_id": s.id,
		"media":      s.media.Kind().String(),
		"direction":  s.direction.String(),
	}
	if d := s.Dialog(); d != nil {
		fields["call_id"] = d.CallID()
	}
	return s.core.Logger.WithFields(fields)
}

// AddListener registers l for the lifecycle events of the session
func (s *Session) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// RemoveListener unregisters l
func (s *Session) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Session) forEachListener(fn func(Listener)) {
	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// InvitationStatus returns the current answer to the invitation
func (s *Session) InvitationStatus() InvitationStatus {
	return s.answer.Status()
}

func (s *Session) IsSessionAccepted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *Session) IsInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted
}

func (s *Session) IsTerminatedByRemote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminatedByRemote
}

// TerminationReason is meaningful once the session is closed
func (s *Session) TerminationReason() TerminationReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminationReason
}

// IsClosed reports whether the session has been terminated
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) isDeleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleted
}

func (s *Session) setPendingInvite(pending bool) {
	s.mu.Lock()
	s.pendingInvite = pending
	s.mu.Unlock()
}

// markInviteAnswered reserves the final response to the inbound INVITE
func (s *Session) markInviteAnswered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inviteAnswered {
		return false
	}
	s.inviteAnswered = true
	return true
}

// responseTimeout bounds the wait for the final response to an INVITE
func (s *Session) responseTimeout() time.Duration {
	return s.settings().RingingPeriod + s.core.TransactionTimeout
}

// CreateOriginatingDialogPath creates the dialog of a locally initiated session
func (s *Session) CreateOriginatingDialogPath() *imssip.DialogPath {
	d := imssip.NewOriginatingDialogPath(imssip.NewCallID(), imssip.NewTag(), s.core.PublicURI, s.remoteURI, s.core.Contact)
	d.SetDestination(s.core.OutboundProxy)
	s.initSessionTimer(d)
	s.setDialog(d)
	if err := s.service.bindCallID(s); err != nil {
		s.log().WithError(err).Error("Failed to index session by Call-ID")
	}
	return d
}

// CreateTerminatingDialogPath creates the dialog of an inbound INVITE
func (s *Session) CreateTerminatingDialogPath(in *imssip.InboundRequest) *imssip.DialogPath {
	d := imssip.NewTerminatingDialogPath(in.Request, in, imssip.NewTag(), s.core.Contact)
	s.initSessionTimer(d)
	s.setDialog(d)
	return d
}

func (s *Session) initSessionTimer(d *imssip.DialogPath) {
	settings := s.settings()
	d.SetSessionExpireTime(int(settings.SessionRefreshExpire / time.Second))
	d.SetMinSessionExpireTime(int(settings.SessionMinExpire / time.Second))
}

// CreateSetupOffer returns the a=setup role of a local offer. Behind a NAT
// the client must open the connection; otherwise actpass lets peers without
// COMEDIA support choose.
func (s *Session) CreateSetupOffer() string {
	return imssip.OfferSetup(s.core.BehindNAT)
}

// CreateSetupAnswer returns the a=setup role answering offer
func (s *Session) CreateSetupAnswer(offer string) string {
	return imssip.AnswerSetup(offer)
}

// CreateInvite builds the initial INVITE of the dialog with the session timer
// headers. body becomes the local content of the dialog.
func (s *Session) CreateInvite(featureTags []string, contentType string, body []byte) *sip.Request {
	d := s.Dialog()
	invite := s.core.Factory.CreateInvite(d, featureTags, contentType, body)
	imssip.AddSessionTimerHeaders(invite, d.SessionExpireTime(), d.MinSessionExpireTime(), strings.ToLower(s.settings().SessionRefresher))
	d.SetLocalContent(body)
	return invite
}

// AcceptSession accepts the invitation
func (s *Session) AcceptSession() {
	s.log().Debug("Session accepted")
	s.mu.Lock()
	s.accepted = true
	s.mu.Unlock()
	s.answer.set(InvitationAccepted)
}

// RejectSession rejects the invitation with the given SIP status and
// unregisters the session. It has no effect once the invitation is answered.
func (s *Session) RejectSession(code int) {
	if !s.answer.set(InvitationRejected) {
		return
	}
	s.log().WithField("status", code).Debug("Session rejected")
	s.respondInvite(code, imssip.ReasonPhrase(code))
	s.service.RemoveSession(s)
}

// WaitInvitationAnswer blocks until the invitation is answered, the timeout
// elapses or the session is interrupted. A zero timeout waits for the
// configured ringing period.
func (s *Session) WaitInvitationAnswer(timeout time.Duration) InvitationStatus {
	if timeout <= 0 {
		timeout = s.settings().RingingPeriod
	}
	return s.answer.wait(timeout, s.interruptCh, func() InvitationStatus {
		if s.isDeleted() {
			return InvitationDeleted
		}
		return InvitationRejectedBySystem
	})
}

// Interrupt releases every goroutine blocked on the session and cancels its
// pending transactions
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.interrupted {
		s.mu.Unlock()
		return
	}
	s.interrupted = true
	close(s.interruptCh)
	s.mu.Unlock()
	s.cancel()
}

// Start runs the session flow of its direction in a new goroutine
func (s *Session) Start() {
	run := s.RunOriginating
	if s.direction == Terminating {
		run = s.RunTerminating
	}
	go func() {
		defer s.core.Panics.RecoverWithCallback("ims-session", func(v interface{}) {
			s.handleError(NewSessionError(UnexpectedException, fmt.Sprint(v)))
		})
		run()
	}()
}

// RunOriginating sends the INVITE built by the media variant and handles the
// answer
func (s *Session) RunOriginating() {
	if s.Dialog() == nil {
		s.CreateOriginatingDialogPath()
	}
	s.log().Info("Initiating session")

	invite, err := s.media.BuildInvite(s)
	if err != nil {
		s.handleError(NewSessionError(UnexpectedException, "cannot build INVITE").withCause(err))
		return
	}
	s.SendInvite(invite)
}

// RunTerminating rings, waits for the user decision and answers the INVITE
func (s *Session) RunTerminating() {
	d := s.Dialog()
	invite := d.Invite()
	s.log().Info("Incoming session")

	if seconds, _, ok := imssip.SessionExpires(invite); ok && seconds < d.MinSessionExpireTime() {
		res := s.core.Factory.CreateResponse(invite, d.LocalTag(), 422, "Session Interval Too Small")
		imssip.SetHeader(res, imssip.HeaderMinSE, fmt.Sprint(d.MinSessionExpireTime()))
		if s.markInviteAnswered() {
			s.sendResponse(res)
		}
		s.finish(TerminationBySystem, s.detach, func() { s.notifyRejected(TerminationBySystem) })
		return
	}

	ringing := s.core.Factory.CreateSessionResponse(d, 180, "Ringing", nil, "", nil)
	s.sendResponse(ringing)

	status := s.WaitInvitationAnswer(0)
	if s.IsClosed() {
		return
	}

	switch status {
	case InvitationAccepted:
	case InvitationRejected:
		s.finish(TerminationByUser, s.detach, func() { s.notifyRejected(TerminationByUser) })
		return
	case InvitationCanceled, InvitationDeleted:
		// Closed by ReceiveCancel or DeleteSession
		return
	case InvitationTimeout:
		s.log().Info("Invitation not answered")
		s.respondInvite(486, "Busy Here")
		s.finish(TerminationByTimeout, s.detach, func() { s.notifyRejected(TerminationByTimeout) })
		return
	default:
		s.finish(TerminationBySystem, s.detach, func() { s.notifyRejected(TerminationBySystem) })
		return
	}

	s.forEachListener(func(l Listener) { l.OnSessionAccepting(s) })

	contentType, body, err := s.media.BuildAnswer(s)
	if err == nil {
		err = s.media.Prepare(s)
	}
	if err != nil {
		s.respondInvite(488, "Not Acceptable Here")
		s.handleError(NewSessionError(MediaFailed, "cannot answer the offer").withCause(err))
		return
	}

	res := s.core.Factory.CreateSessionResponse(d, 200, "OK", s.media.FeatureTags(), contentType, body)
	expire, refresher := s.timer.answerParameters(invite)
	imssip.AddSessionTimerHeaders(res, expire, d.MinSessionExpireTime(), refresher)
	d.SetLocalContent(body)

	if !s.markInviteAnswered() {
		return
	}
	d.SigEstablished()

	txCtx, err := s.core.Transport.SendSipResponseAndWaitAck(s.ctx, d.InviteTransaction(), res, s.core.TransactionTimeout)
	if s.IsClosed() {
		return
	}
	if err != nil {
		s.handleError(NewSessionError(SessionInitiationFailed, "cannot send 200 OK").withCause(err))
		return
	}
	if !txCtx.IsSipAck() {
		s.handleError(NewSessionError(SessionInitiationFailed, "no ACK received for INVITE"))
		return
	}

	d.SessionEstablished()
	if err := s.media.Start(s); err != nil {
		s.handleError(NewSessionError(MediaFailed, "cannot start media").withCause(err))
		return
	}
	s.sessionStarted()
	if expire > 0 {
		s.timer.Start(timerRole(refresher, false), expire)
	}
}

// inviteRetries records the one-shot retries of an INVITE
type inviteRetries struct {
	auth     bool
	interval bool
}

// SendInvite sends the initial INVITE and handles its final response. The
// returned error is also delivered to the error hook and listeners.
func (s *Session) SendInvite(invite *sip.Request) error {
	return s.sendInvite(invite, inviteRetries{})
}

func (s *Session) sendInvite(invite *sip.Request, retries inviteRetries) error {
	d := s.Dialog()
	d.SetInvite(invite)
	if err := s.auth.Authorize(invite); err != nil {
		return s.handleError(NewSessionError(SessionInitiationFailed, "cannot authorize INVITE").withCause(err))
	}

	s.setPendingInvite(true)
	txCtx, err := s.core.Transport.SendSipMessageAndWait(s.ctx, invite, s.responseTimeout(), s.handleProvisional)
	s.setPendingInvite(false)

	if s.IsInterrupted() {
		// A 2xx that crossed our CANCEL still creates the dialog
		if err == nil && txCtx.StatusCode() >= 200 && txCtx.StatusCode() < 300 {
			s.closeLateDialog(txCtx.Response)
		}
		return nil
	}
	if err != nil {
		return s.handleError(NewSessionError(SessionInitiationFailed, "INVITE transaction failed").withCause(err))
	}

	code := txCtx.StatusCode()
	metrics.RecordInviteResponse(code)
	s.log().WithField("status", code).Debug("INVITE final response")

	switch {
	case code == 0:
		return s.handleError(NewSessionError(SessionInitiationFailed, "no response to INVITE").withCause(errors.NewTimeout("INVITE")))
	case code >= 200 && code < 300:
		return s.handle200OK(txCtx.Response)
	case code == 407 && !retries.auth:
		return s.handle407(txCtx.Response, retries)
	case code == 422 && !retries.interval:
		return s.handle422(txCtx.Response, retries)
	case code == 486 || code == 603:
		return s.handleError(NewSessionError(SessionInitiationDeclined, "invitation declined").withStatus(code))
	case code == 487:
		return s.handleError(NewSessionError(SessionInitiationCancelled, "invitation cancelled").withStatus(code))
	default:
		// 403, 404, 480 and any other failure
		return s.handleError(NewSessionError(SessionInitiationFailed, txCtx.Response.Reason).withStatus(code))
	}
}

func (s *Session) handleProvisional(res *sip.Response) {
	if int(res.StatusCode) != 180 {
		return
	}
	s.log().Debug("Remote is ringing")
	if h, ok := s.media.(RingingHandler); ok {
		h.HandleRinging(s, res)
	}
}

// handle407 answers a proxy challenge with a new INVITE
func (s *Session) handle407(res *sip.Response, retries inviteRetries) error {
	if err := s.auth.ReadProxyAuthenticateHeader(res); err != nil {
		return s.handleError(NewSessionError(SessionInitiationFailed, "invalid proxy challenge").withStatus(407).withCause(err))
	}
	s.log().Debug("Sending INVITE with proxy credentials")

	s.Dialog().IncrementCseq()
	invite, err := s.media.BuildInvite(s)
	if err != nil {
		return s.handleError(NewSessionError(UnexpectedException, "cannot build INVITE").withCause(err))
	}
	retries.auth = true
	return s.sendInvite(invite, retries)
}

// handle422 resends the INVITE with the Min-SE required by the remote
func (s *Session) handle422(res *sip.Response, retries inviteRetries) error {
	minSE, ok := imssip.MinSE(res)
	if !ok {
		return s.handleError(NewSessionError(SessionInitiationFailed, "422 without Min-SE").withStatus(422).
			withCause(errors.NewSipPayload("missing Min-SE")))
	}
	s.log().WithField("min_se", minSE).Debug("Session interval too small, retrying")

	d := s.Dialog()
	d.SetSessionExpireTime(minSE)
	d.SetMinSessionExpireTime(minSE)
	d.IncrementCseq()

	invite, err := s.media.BuildInvite(s)
	if err != nil {
		return s.handleError(NewSessionError(UnexpectedException, "cannot build INVITE").withCause(err))
	}
	retries.interval = true
	return s.sendInvite(invite, retries)
}

// handle200OK confirms the dialog, starts the media and the session timer
func (s *Session) handle200OK(res *sip.Response) error {
	d := s.Dialog()
	d.SigEstablished()
	d.ApplyFinalResponse(res)

	ack := s.core.Factory.CreateAck(d)
	if err := s.media.Prepare(s); err != nil {
		s.sendAck(ack)
		return s.handleError(NewSessionError(MediaFailed, "cannot prepare media").withCause(err))
	}
	if err := s.media.Start(s); err != nil {
		s.sendAck(ack)
		return s.handleError(NewSessionError(MediaFailed, "cannot start media").withCause(err))
	}

	if err := s.core.Transport.SendSipAck(ack); err != nil {
		return s.handleError(NewSessionError(SessionInitiationFailed, "cannot send ACK").withCause(err))
	}
	d.SessionEstablished()
	s.sessionStarted()

	if s.timer.IsSessionTimerActivated(res) {
		seconds, refresher, _ := imssip.SessionExpires(res)
		s.timer.Start(timerRole(refresher, true), seconds)
	}
	return nil
}

func (s *Session) sendAck(ack *sip.Request) {
	if err := s.core.Transport.SendSipAck(ack); err != nil {
		s.log().WithError(err).Warn("Failed to send ACK")
	}
}

// closeLateDialog acknowledges and closes a dialog answered after the
// session was interrupted
func (s *Session) closeLateDialog(res *sip.Response) {
	d := s.Dialog()
	d.ApplyFinalResponse(res)
	s.sendAck(s.core.Factory.CreateAck(d))
	s.sendBye(d)
}

// TerminateSession closes the session: waiting goroutines are released, the
// dialog is closed with BYE, CANCEL or an error response depending on its
// state, media is stopped and the session unregistered. Further calls are
// no-ops.
func (s *Session) TerminateSession(reason TerminationReason) {
	s.terminate(reason, s.detach)
}

func (s *Session) terminate(reason TerminationReason, detach func()) {
	d := s.Dialog()
	established := d != nil && d.IsSessionEstablished()
	s.finish(reason, detach, func() {
		if established {
			s.notifyAborted(reason)
		} else {
			s.notifyRejected(reason)
		}
	})
}

// DeleteSession terminates the session for system cleanup. Waiters see
// InvitationDeleted.
func (s *Session) DeleteSession() {
	s.mu.Lock()
	s.deleted = true
	s.mu.Unlock()
	s.answer.set(InvitationDeleted)
	s.TerminateSession(TerminationBySystem)
}

func (s *Session) detach() {
	s.service.RemoveSession(s)
}

// finish runs the shutdown sequence once and reports whether this call did
func (s *Session) finish(reason TerminationReason, detach func(), notify func()) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	d := s.Dialog()
	if d != nil {
		d.SessionTerminated()
	}

	s.mu.Lock()
	s.terminationReason = reason
	pending := s.pendingInvite
	s.mu.Unlock()

	s.log().WithField("reason", reason.String()).Info("Session terminated")

	s.Interrupt()
	s.timer.Stop()
	s.activity.Stop()
	s.closeDialog(reason, pending)
	s.media.Close(s)
	detach()

	metrics.RecordSessionTerminated(reason.String())
	notify()
	return true
}

// closeDialog ends the SIP side of the session
func (s *Session) closeDialog(reason TerminationReason, pendingInvite bool) {
	d := s.Dialog()
	if d == nil || s.IsTerminatedByRemote() {
		return
	}

	switch {
	case d.IsSigEstablished():
		s.sendBye(d)
	case s.IsOriginating():
		if !pendingInvite {
			return
		}
		if cancel := s.core.Factory.CreateCancel(d); cancel != nil {
			if err := s.core.Transport.SendSipCancel(context.Background(), cancel); err != nil {
				s.log().WithError(err).Warn("Failed to send CANCEL")
			}
		}
	default:
		if reason == TerminationByUser {
			s.respondInvite(603, "Decline")
		} else {
			s.respondInvite(480, "Temporarily Unavailable")
		}
	}
}

func (s *Session) sendBye(d *imssip.DialogPath) {
	s.requestMu.Lock()
	d.IncrementCseq()
	bye := s.core.Factory.CreateBye(d)
	s.requestMu.Unlock()

	if err := s.auth.SetProxyAuthorizationHeader(bye); err != nil {
		s.log().WithError(err).Debug("BYE sent without proxy credentials")
	}
	if err := s.core.Transport.SendSipBye(context.Background(), bye); err != nil {
		s.log().WithError(err).Warn("Failed to send BYE")
	}
}

// respondInvite sends a final response to the inbound INVITE unless one was
// already sent. Send failures are logged and swallowed.
func (s *Session) respondInvite(code int, reason string) bool {
	d := s.Dialog()
	if d == nil || d.Invite() == nil || d.InviteTransaction() == nil {
		return false
	}
	if !s.markInviteAnswered() {
		return false
	}
	s.sendResponse(s.core.Factory.CreateSessionResponse(d, code, reason, nil, "", nil))
	return true
}

func (s *Session) sendResponse(res *sip.Response) {
	d := s.Dialog()
	if err := s.core.Transport.SendSipResponse(d.InviteTransaction(), res); err != nil {
		s.log().WithError(err).WithField("status", int(res.StatusCode)).Warn("Failed to send response")
	}
}

// handleError delivers err to the media hook and closes the session
func (s *Session) handleError(err *SessionError) error {
	s.log().WithFields(logrus.Fields{
		"code":   err.Code.String(),
		"status": err.StatusCode,
	}).WithError(err).Warn("Session error")

	if h, ok := s.media.(ErrorHandler); ok {
		h.HandleError(s, err)
	}
	s.finish(TerminationBySystem, s.detach, func() { s.notifyError(err) })
	return err
}

// ReceiveBye closes the session on a remote BYE. The dispatcher answers the
// BYE itself.
func (s *Session) ReceiveBye(in *imssip.InboundRequest) {
	s.mu.Lock()
	s.terminatedByRemote = true
	s.mu.Unlock()

	d := s.Dialog()
	established := d != nil && d.IsSigEstablished()
	closed := s.finish(TerminationByRemote, s.detach, func() {
		if established {
			s.notifyAborted(TerminationByRemote)
		} else {
			s.notifyRejected(TerminationByRemote)
		}
	})
	if closed && s.core.Capabilities != nil {
		s.core.Capabilities.RequestCapabilities(s.remoteURI)
	}
}

// ReceiveCancel cancels a pending inbound invitation. A dialog already
// answered cannot be canceled and the request is ignored.
func (s *Session) ReceiveCancel(in *imssip.InboundRequest) {
	d := s.Dialog()
	if d == nil || s.IsOriginating() || d.IsSigEstablished() {
		return
	}
	if !s.respondInvite(487, "Request Terminated") {
		return
	}

	s.mu.Lock()
	s.terminatedByRemote = true
	s.mu.Unlock()
	d.SessionCancelled()
	s.answer.set(InvitationCanceled)

	s.finish(TerminationByRemote, s.detach, func() { s.notifyRejected(TerminationByRemote) })
}

// ReceiveReInvite handles an in-dialog INVITE. Media variants may take over
// renegotiations; anything else is a session refresh.
func (s *Session) ReceiveReInvite(in *imssip.InboundRequest) {
	s.activity.UpdateActivity()
	if h, ok := s.media.(ReInviteHandler); ok && h.HandleReInvite(s, in) {
		return
	}
	s.timer.ReceiveReInvite(in)
}

// ReceiveUpdate handles an in-dialog UPDATE as a session refresh
func (s *Session) ReceiveUpdate(in *imssip.InboundRequest) {
	s.activity.UpdateActivity()
	s.timer.ReceiveUpdate(in)
}

func (s *Session) sessionStarted() {
	s.startedOnce.Do(func() {
		metrics.ObserveSessionEstablished(s.media.Kind().String(), s.createdAt)
		s.log().Info("Session started")
		s.forEachListener(func(l Listener) { l.OnSessionStarted(s) })
	})
}

func (s *Session) notifyAborted(reason TerminationReason) {
	if s.notified.CompareAndSwap(false, true) {
		s.forEachListener(func(l Listener) { l.OnSessionAborted(s, reason) })
	}
}

func (s *Session) notifyRejected(reason TerminationReason) {
	if s.notified.CompareAndSwap(false, true) {
		s.forEachListener(func(l Listener) { l.OnSessionRejected(s, reason) })
	}
}

func (s *Session) notifyError(err *SessionError) {
	if s.notified.CompareAndSwap(false, true) {
		s.forEachListener(func(l Listener) { l.OnSessionError(s, err) })
	}
}
