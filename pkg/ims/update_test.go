package ims

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/sip/siptest"
)

type reInviteOutcome struct {
	status InvitationStatus
	res    *sip.Response
}

func sendReInvite(t *testing.T, s *Session, content []byte) reInviteOutcome {
	t.Helper()
	done := make(chan reInviteOutcome, 1)
	s.UpdateManager().SendReInvite([]string{imssip.FeatureOmaIM}, content, func(status InvitationStatus, res *sip.Response) {
		done <- reInviteOutcome{status: status, res: res}
	})
	select {
	case outcome := <-done:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("no re-INVITE outcome")
		return reInviteOutcome{}
	}
}

func TestSendReInviteAccepted(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	content := []byte(remoteMsrpOffer)
	outcome := sendReInvite(t, s, content)

	assert.Equal(t, InvitationAccepted, outcome.status)
	require.NotNil(t, outcome.res)

	invites := f.transport.Requests(sip.INVITE)
	require.Len(t, invites, 2)
	reInvite := invites[1]
	assert.Equal(t, uint32(2), imssip.CSeqNumber(reInvite))
	assert.Equal(t, "remote-tag", imssip.ToTag(reInvite))
	assert.Equal(t, content, reInvite.Body())
	assert.Contains(t, imssip.HeaderValue(reInvite, "Contact"), imssip.FeatureOmaIM)

	acks := f.transport.Acks()
	require.Len(t, acks, 2)
	assert.Equal(t, uint32(2), imssip.CSeqNumber(acks[1]))
	assert.Equal(t, content, s.Dialog().LocalContent())
}

func TestSendReInviteOutcomes(t *testing.T) {
	tests := []struct {
		code     int
		expected InvitationStatus
	}{
		{408, InvitationTimeout},
		{487, InvitationCanceled},
		{488, InvitationRejected},
		{603, InvitationRejected},
	}

	for _, tt := range tests {
		t.Run(imssip.ReasonPhrase(tt.code), func(t *testing.T) {
			f := newFixture(t)
			f.transport.Responder = thenRespond("", func(req *sip.Request, _ int32) siptest.Exchange {
				return siptest.Exchange{Final: siptest.Response(req, tt.code, imssip.ReasonPhrase(tt.code))}
			})
			s := f.establishOriginating(t, "")
			defer s.TerminateSession(TerminationByUser)

			outcome := sendReInvite(t, s, nil)
			assert.Equal(t, tt.expected, outcome.status)
			assert.Len(t, f.transport.Acks(), 1, "only the initial INVITE is acknowledged")
			assert.False(t, s.IsClosed(), "a failed renegotiation keeps the session")
		})
	}
}

func TestSendReInviteWithoutResponse(t *testing.T) {
	f := newFixture(t)
	f.transport.Responder = thenRespond("", func(*sip.Request, int32) siptest.Exchange {
		return siptest.Exchange{}
	})
	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	outcome := sendReInvite(t, s, nil)
	assert.Equal(t, InvitationTimeout, outcome.status)
	assert.Nil(t, outcome.res)
}

func TestSendReInviteProxyChallenge(t *testing.T) {
	f := newFixture(t)
	f.transport.Responder = thenRespond("", func(req *sip.Request, n int32) siptest.Exchange {
		if n == 2 {
			return siptest.Exchange{Final: siptest.Response(req, 407, "Proxy Authentication Required",
				[2]string{imssip.HeaderProxyAuthenticate, `Digest realm="ims.example.com", nonce="n2"`})}
		}
		return answer200("")(req)
	})
	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	outcome := sendReInvite(t, s, nil)
	assert.Equal(t, InvitationAccepted, outcome.status)

	invites := f.transport.Requests(sip.INVITE)
	require.Len(t, invites, 3)
	assert.Equal(t, uint32(3), imssip.CSeqNumber(invites[2]))
	assert.NotNil(t, invites[2].GetHeader(imssip.HeaderProxyAuthorization))
}

func TestCreateReInviteOutsideDialog(t *testing.T) {
	f := newFixture(t)
	s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
	require.NoError(t, err)

	_, err = s.UpdateManager().CreateReInvite(nil, nil)
	assert.Error(t, err)

	s.CreateOriginatingDialogPath()
	_, err = s.UpdateManager().CreateReInvite(nil, nil)
	assert.Error(t, err, "dialog not established")
}

func TestCreateReInviteCarriesSessionTimer(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "1800;refresher=uac")
	defer s.TerminateSession(TerminationByUser)

	req, err := s.UpdateManager().CreateReInvite(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "1800;refresher=uac", imssip.HeaderValue(req, imssip.HeaderSessionExpires))
	assert.Equal(t, uint32(2), imssip.CSeqNumber(req))
}

func TestReceiveReInviteAndAccept(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	req := inDialog(s, sip.INVITE, 2)
	req.SetBody([]byte(remoteMsrpOffer))
	in, tx := siptest.Inbound(req)

	local := []byte("v=0\r\n")
	status := s.UpdateManager().ReceiveReInviteAndAccept(in, nil, local)

	assert.Equal(t, InvitationAccepted, status)
	assert.Equal(t, []int{200}, tx.Codes())
	assert.Equal(t, local, tx.Last().Body())
	assert.Equal(t, []byte(remoteMsrpOffer), s.Dialog().RemoteContent())
}

func pendingReInvite(u *UpdateSessionManager) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pending != nil
}

func TestWaitUserAckAndSendReInviteResponse(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t)
		s := f.establishOriginating(t, "")
		defer s.TerminateSession(TerminationByUser)

		in, tx := siptest.Inbound(inDialog(s, sip.INVITE, 2))
		done := make(chan InvitationStatus, 1)
		go func() { done <- s.UpdateManager().WaitUserAckAndSendReInviteResponse(in, nil, []byte("v=0\r\n")) }()

		require.Eventually(t, func() bool { return pendingReInvite(s.UpdateManager()) }, time.Second, time.Millisecond)
		s.UpdateManager().AcceptReInvite()

		assert.Equal(t, InvitationAccepted, <-done)
		assert.Equal(t, []int{200}, tx.Codes())
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t)
		s := f.establishOriginating(t, "")
		defer s.TerminateSession(TerminationByUser)

		in, tx := siptest.Inbound(inDialog(s, sip.INVITE, 2))
		done := make(chan InvitationStatus, 1)
		go func() { done <- s.UpdateManager().WaitUserAckAndSendReInviteResponse(in, nil, nil) }()

		require.Eventually(t, func() bool { return pendingReInvite(s.UpdateManager()) }, time.Second, time.Millisecond)
		s.UpdateManager().RejectReInvite()

		assert.Equal(t, InvitationRejected, <-done)
		assert.Equal(t, []int{603}, tx.Codes())
		assert.False(t, s.IsClosed())
	})

	t.Run("not answered", func(t *testing.T) {
		f := newFixture(t)
		s := f.establishOriginating(t, "")
		defer s.TerminateSession(TerminationByUser)

		in, tx := siptest.Inbound(inDialog(s, sip.INVITE, 2))
		start := time.Now()
		status := s.UpdateManager().WaitUserAckAndSendReInviteResponse(in, nil, nil)

		assert.Equal(t, InvitationTimeout, status)
		assert.GreaterOrEqual(t, time.Since(start), f.settings.RingingPeriod/2)
		assert.Equal(t, []int{603}, tx.Codes())
		assert.False(t, pendingReInvite(s.UpdateManager()))
	})
}
