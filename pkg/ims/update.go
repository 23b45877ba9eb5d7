package ims

import (
	"sync"

	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/errors"
	imssip "rcs-ims-core/pkg/sip"
)

// ReInviteResponseHandler receives the outcome of a re-INVITE sent by the
// UpdateSessionManager. res is nil when no final response arrived.
type ReInviteResponseHandler func(status InvitationStatus, res *sip.Response)

// UpdateSessionManager renegotiates an established session with re-INVITE,
// outside of session refreshes.
type UpdateSessionManager struct {
	session *Session

	mu      sync.Mutex
	pending *answerMonitor
}

func newUpdateSessionManager(s *Session) *UpdateSessionManager {
	return &UpdateSessionManager{session: s}
}

// CreateReInvite builds an authorized re-INVITE carrying featureTags and
// content. The caller must hold no other in-dialog request in flight.
func (u *UpdateSessionManager) CreateReInvite(featureTags []string, content []byte) (*sip.Request, error) {
	s := u.session
	d := s.Dialog()
	if d == nil || !d.IsSigEstablished() || d.IsSessionTerminated() {
		return nil, errors.Wrap(errors.ErrInvalidInput, "re-INVITE outside of an established dialog", map[string]interface{}{
			"session_id": s.ID(),
		})
	}

	// Never reuse a sequence number already consumed by the last INVITE
	if invite := d.Invite(); invite != nil {
		d.SyncCseq(imssip.CSeqNumber(invite))
	}
	d.IncrementCseq()

	contentType := ""
	if len(content) > 0 {
		contentType = imssip.ContentTypeSDP
	}
	req := s.core.Factory.CreateReInvite(d, featureTags, contentType, content)
	if expire := s.timer.Expire(); s.timer.IsRunning() && expire > 0 {
		imssip.AddSessionTimerHeaders(req, expire, d.MinSessionExpireTime(), imssip.RefresherUAC)
	}
	if err := s.auth.Authorize(req); err != nil {
		return nil, err
	}
	return req, nil
}

// SendReInvite sends a re-INVITE in the background and reports its outcome
// to handler
func (u *UpdateSessionManager) SendReInvite(featureTags []string, content []byte, handler ReInviteResponseHandler) {
	s := u.session
	go func() {
		defer s.core.Panics.Recover("ims-reinvite")
		status, res := u.sendReInvite(featureTags, content, false)
		if handler != nil {
			handler(status, res)
		}
	}()
}

func (u *UpdateSessionManager) sendReInvite(featureTags []string, content []byte, authRetried bool) (InvitationStatus, *sip.Response) {
	s := u.session
	d := s.Dialog()

	s.requestMu.Lock()
	req, err := u.CreateReInvite(featureTags, content)
	if err != nil {
		s.requestMu.Unlock()
		s.log().WithError(err).Warn("Cannot create re-INVITE")
		return InvitationRejectedBySystem, nil
	}
	d.SetInvite(req)

	txCtx, err := s.core.Transport.SendSipMessageAndWait(s.ctx, req, s.responseTimeout(), nil)
	code := txCtx.StatusCode()
	if err == nil && code >= 200 && code < 300 {
		s.sendAck(s.core.Factory.CreateAck(d))
	}
	s.requestMu.Unlock()

	if err != nil {
		s.log().WithError(err).Warn("re-INVITE transaction failed")
		return InvitationRejectedBySystem, nil
	}

	var res *sip.Response
	if txCtx != nil {
		res = txCtx.Response
	}
	switch {
	case code == 0 || code == 408:
		return InvitationTimeout, res
	case code >= 200 && code < 300:
		if body := res.Body(); len(body) > 0 {
			d.SetRemoteContent(body)
		}
		if len(content) > 0 {
			d.SetLocalContent(content)
		}
		return InvitationAccepted, res
	case code == 407 && !authRetried:
		if err := s.auth.ReadProxyAuthenticateHeader(res); err != nil {
			s.log().WithError(err).Warn("Invalid proxy challenge on re-INVITE")
			return InvitationRejected, res
		}
		return u.sendReInvite(featureTags, content, true)
	case code == 487:
		return InvitationCanceled, res
	default:
		return InvitationRejected, res
	}
}

// ReceiveReInviteAndAccept answers an inbound re-INVITE right away with
// content and waits for the ACK
func (u *UpdateSessionManager) ReceiveReInviteAndAccept(in *imssip.InboundRequest, featureTags []string, content []byte) InvitationStatus {
	return u.sendReInviteResponse(in, featureTags, content)
}

// WaitUserAckAndSendReInviteResponse waits up to half the ringing period for
// AcceptReInvite or RejectReInvite and answers the re-INVITE accordingly.
// A rejection or a timeout declines the re-INVITE.
func (u *UpdateSessionManager) WaitUserAckAndSendReInviteResponse(in *imssip.InboundRequest, featureTags []string, content []byte) InvitationStatus {
	s := u.session

	monitor := newAnswerMonitor()
	u.mu.Lock()
	u.pending = monitor
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		if u.pending == monitor {
			u.pending = nil
		}
		u.mu.Unlock()
	}()

	status := monitor.wait(s.settings().RingingPeriod/2, s.interruptCh, func() InvitationStatus {
		return InvitationRejectedBySystem
	})
	if status == InvitationAccepted {
		return u.sendReInviteResponse(in, featureTags, content)
	}

	s.log().WithField("status", status.String()).Debug("re-INVITE declined")
	d := s.Dialog()
	res := s.core.Factory.CreateDialogResponse(in.Request, d, 603, "Decline", nil, "", nil)
	if err := s.core.Transport.SendSipResponse(in, res); err != nil {
		s.log().WithError(err).Warn("Failed to decline re-INVITE")
	}
	return status
}

// AcceptReInvite accepts the re-INVITE waiting for a user decision
func (u *UpdateSessionManager) AcceptReInvite() {
	u.answerPending(InvitationAccepted)
}

// RejectReInvite rejects the re-INVITE waiting for a user decision
func (u *UpdateSessionManager) RejectReInvite() {
	u.answerPending(InvitationRejected)
}

func (u *UpdateSessionManager) answerPending(status InvitationStatus) {
	u.mu.Lock()
	monitor := u.pending
	u.mu.Unlock()
	if monitor != nil {
		monitor.set(status)
	}
}

func (u *UpdateSessionManager) sendReInviteResponse(in *imssip.InboundRequest, featureTags []string, content []byte) InvitationStatus {
	s := u.session
	d := s.Dialog()

	if body := in.Request.Body(); len(body) > 0 {
		d.SetRemoteContent(body)
	}
	if len(content) > 0 {
		d.SetLocalContent(content)
	}

	res := s.core.Factory.CreateDialogResponse(in.Request, d, 200, "OK", featureTags, imssip.ContentTypeSDP, d.LocalContent())
	txCtx, err := s.core.Transport.SendSipResponseAndWaitAck(s.ctx, in, res, s.core.TransactionTimeout)
	if err != nil {
		s.log().WithError(err).Warn("Failed to answer re-INVITE")
		return InvitationRejectedBySystem
	}
	if !txCtx.IsSipAck() {
		s.log().Warn("No ACK received for re-INVITE response")
		return InvitationTimeout
	}
	return InvitationAccepted
}
