package ims

import (
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/metrics"
	imssip "rcs-ims-core/pkg/sip"
)

// TimerRole tells which side refreshes the session
type TimerRole int

const (
	// RoleUAC: this side sends the refreshes
	RoleUAC TimerRole = iota
	// RoleUAS: the remote refreshes and this side watches the deadline
	RoleUAS
)

func (r TimerRole) String() string {
	if r == RoleUAS {
		return "uas"
	}
	return "uac"
}

// timerRole maps a negotiated refresher parameter to the local role. requester
// is true when this side sent the request the parameter was negotiated on.
func timerRole(refresher string, requester bool) TimerRole {
	if refresher == "" {
		refresher = imssip.RefresherUAC
	}
	if (refresher == imssip.RefresherUAC) == requester {
		return RoleUAC
	}
	return RoleUAS
}

// SessionTimerManager keeps a session alive with RFC 4028 refreshes
type SessionTimerManager struct {
	session *Session

	// unit is the duration of one Session-Expires second
	unit time.Duration

	mu         sync.Mutex
	role       TimerRole
	expire     int
	running    bool
	timer      *time.Timer
	generation uint64
}

func newSessionTimerManager(s *Session) *SessionTimerManager {
	return &SessionTimerManager{session: s, unit: time.Second}
}

// IsSessionTimerActivated reports whether msg negotiates a session interval
// not below the RFC 4028 floor
func (m *SessionTimerManager) IsSessionTimerActivated(msg interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
}) bool {
	seconds, _, ok := imssip.SessionExpires(msg)
	if !ok {
		return false
	}
	return time.Duration(seconds)*time.Second >= config.MinSessionExpire
}

// Start arms the timer for role with an interval of expire seconds.
// Intervals below the floor are ignored.
func (m *SessionTimerManager) Start(role TimerRole, expire int) {
	if time.Duration(expire)*time.Second < config.MinSessionExpire {
		m.session.log().WithField("expire", expire).Debug("Session timer not activated")
		return
	}

	m.mu.Lock()
	m.role = role
	m.expire = expire
	m.running = true
	m.scheduleLocked()
	m.mu.Unlock()

	m.session.log().WithFields(logrus.Fields{
		"role":   role.String(),
		"expire": expire,
	}).Debug("Session timer started")
}

// Stop disarms the timer
func (m *SessionTimerManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *SessionTimerManager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *SessionTimerManager) Role() TimerRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

// Expire returns the negotiated interval in seconds
func (m *SessionTimerManager) Expire() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expire
}

// scheduleLocked arms the next expiry: half the interval for a refresher,
// the whole interval for a watcher
func (m *SessionTimerManager) scheduleLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.generation++
	gen := m.generation

	delay := time.Duration(m.expire) * m.unit
	if m.role == RoleUAC {
		delay /= 2
	}
	m.timer = time.AfterFunc(delay, func() { m.expired(gen) })
}

func (m *SessionTimerManager) expired(gen uint64) {
	m.mu.Lock()
	if !m.running || gen != m.generation {
		m.mu.Unlock()
		return
	}
	role := m.role
	m.mu.Unlock()

	if role == RoleUAC {
		m.refresh(m.refreshMethod(), false)
		return
	}

	m.session.log().Warn("No session refresh received from remote")
	metrics.RecordSessionRefresh(role.String(), "expired")
	m.sessionExpired()
}

func (m *SessionTimerManager) refreshMethod() sip.RequestMethod {
	if strings.EqualFold(m.session.settings().SessionRefreshMethod, string(sip.UPDATE)) {
		return sip.UPDATE
	}
	return sip.INVITE
}

// refresh sends one refresh request and handles its final response
func (m *SessionTimerManager) refresh(method sip.RequestMethod, authRetried bool) {
	s := m.session
	d := s.Dialog()
	if d == nil || s.IsClosed() {
		return
	}

	s.requestMu.Lock()
	d.IncrementCseq()
	var req *sip.Request
	if method == sip.UPDATE {
		req = s.core.Factory.CreateUpdate(d)
	} else {
		req = s.core.Factory.CreateReInvite(d, s.media.FeatureTags(), imssip.ContentTypeSDP, d.LocalContent())
		d.SetInvite(req)
	}
	imssip.AddSessionTimerHeaders(req, m.Expire(), d.MinSessionExpireTime(), imssip.RefresherUAC)
	if err := s.auth.Authorize(req); err != nil {
		s.log().WithError(err).Debug("Refresh sent without credentials")
	}

	s.log().WithField("method", string(method)).Debug("Sending session refresh")
	txCtx, err := s.core.Transport.SendSipMessageAndWait(s.ctx, req, s.core.TransactionTimeout, nil)
	code := txCtx.StatusCode()
	if err == nil && code >= 200 && code < 300 && method == sip.INVITE {
		s.sendAck(s.core.Factory.CreateAck(d))
	}
	s.requestMu.Unlock()

	if s.IsInterrupted() {
		return
	}

	switch {
	case err == nil && code >= 200 && code < 300:
		d.SessionEstablished()
		s.activity.UpdateActivity()
		metrics.RecordSessionRefresh(RoleUAC.String(), "success")

		role, expire := RoleUAC, m.Expire()
		if seconds, refresher, ok := imssip.SessionExpires(txCtx.Response); ok && m.IsSessionTimerActivated(txCtx.Response) {
			role, expire = timerRole(refresher, true), seconds
		}
		if m.IsRunning() {
			m.Start(role, expire)
		}
	case err == nil && code == 405:
		s.log().Info("Remote does not support session refresh, stopping the session timer")
		metrics.RecordSessionRefresh(RoleUAC.String(), "unsupported")
		m.Stop()
	case err == nil && code == 407 && !authRetried:
		if rerr := s.auth.ReadProxyAuthenticateHeader(txCtx.Response); rerr != nil {
			s.log().WithError(rerr).Warn("Invalid proxy challenge on refresh")
			metrics.RecordSessionRefresh(RoleUAC.String(), "failure")
			m.sessionExpired()
			return
		}
		m.refresh(method, true)
	default:
		fields := logrus.Fields{"status": code}
		if err != nil {
			fields["error"] = err.Error()
		}
		s.log().WithFields(fields).Warn("Session refresh failed")
		metrics.RecordSessionRefresh(RoleUAC.String(), "failure")
		m.sessionExpired()
	}
}

// sessionExpired aborts the session and asks for fresh capabilities of the
// remote, which is probably gone
func (m *SessionTimerManager) sessionExpired() {
	s := m.session
	s.TerminateSession(TerminationByTimeout)
	if s.core.Capabilities != nil {
		s.core.Capabilities.RequestCapabilities(s.RemoteURI())
	}
}

// answerParameters returns the interval and refresher to put in the 2xx
// answering invite, or 0 when no session timer is used
func (m *SessionTimerManager) answerParameters(invite *sip.Request) (int, string) {
	s := m.session
	d := s.Dialog()

	if seconds, refresher, ok := imssip.SessionExpires(invite); ok {
		if seconds < d.MinSessionExpireTime() {
			seconds = d.MinSessionExpireTime()
		}
		if refresher == "" {
			refresher = strings.ToLower(s.settings().SessionRefresher)
		}
		d.SetSessionExpireTime(seconds)
		return seconds, refresher
	}

	expire := d.SessionExpireTime()
	if expire <= 0 {
		return 0, ""
	}
	// A remote without timer support cannot refresh
	if !imssip.SupportsOption(invite, "timer") {
		return expire, imssip.RefresherUAS
	}
	return expire, strings.ToLower(s.settings().SessionRefresher)
}

// refreshParameters returns the interval and refresher answering an inbound
// refresh request
func (m *SessionTimerManager) refreshParameters(req *sip.Request) (int, string) {
	if seconds, refresher, ok := imssip.SessionExpires(req); ok {
		if refresher == "" {
			refresher = imssip.RefresherUAC
		}
		return seconds, refresher
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0, ""
	}
	// Keep the current roles, seen from the requester
	if m.role == RoleUAS {
		return m.expire, imssip.RefresherUAC
	}
	return m.expire, imssip.RefresherUAS
}

// ReceiveReInvite answers an inbound re-INVITE with the local SDP and
// restarts the timer once the ACK arrives
func (m *SessionTimerManager) ReceiveReInvite(in *imssip.InboundRequest) {
	s := m.session
	d := s.Dialog()
	req := in.Request

	if body := req.Body(); len(body) > 0 {
		d.SetRemoteContent(body)
	}

	expire, refresher := m.refreshParameters(req)
	res := s.core.Factory.CreateDialogResponse(req, d, 200, "OK", s.media.FeatureTags(), imssip.ContentTypeSDP, d.LocalContent())
	imssip.AddSessionTimerHeaders(res, expire, d.MinSessionExpireTime(), refresher)

	txCtx, err := s.core.Transport.SendSipResponseAndWaitAck(s.ctx, in, res, s.core.TransactionTimeout)
	if err != nil {
		s.log().WithError(err).Warn("Failed to answer re-INVITE")
		return
	}
	if !txCtx.IsSipAck() {
		s.log().Warn("No ACK received for re-INVITE")
		return
	}

	d.SessionEstablished()
	metrics.RecordSessionRefresh(RoleUAS.String(), "received")
	m.restart(expire, refresher)
}

// ReceiveUpdate answers an inbound UPDATE and restarts the timer
func (m *SessionTimerManager) ReceiveUpdate(in *imssip.InboundRequest) {
	s := m.session
	d := s.Dialog()
	req := in.Request

	expire, refresher := m.refreshParameters(req)
	res := s.core.Factory.CreateDialogResponse(req, d, 200, "OK", s.media.FeatureTags(), "", nil)
	imssip.AddSessionTimerHeaders(res, expire, d.MinSessionExpireTime(), refresher)

	if err := s.core.Transport.SendSipResponse(in, res); err != nil {
		s.log().WithError(err).Warn("Failed to answer UPDATE")
		return
	}

	metrics.RecordSessionRefresh(RoleUAS.String(), "received")
	m.restart(expire, refresher)
}

func (m *SessionTimerManager) restart(expire int, refresher string) {
	if expire <= 0 || m.session.IsClosed() {
		return
	}
	m.Start(timerRole(refresher, false), expire)
}
