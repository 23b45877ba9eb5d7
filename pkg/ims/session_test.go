package ims

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs-ims-core/pkg/config"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/sip/siptest"
)

func TestOriginatingSessionSetup(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "1800;refresher=uac")
	defer s.TerminateSession(TerminationByUser)

	d := s.Dialog()
	assert.Equal(t, imssip.DialogSessionEstablished, d.State())
	assert.Equal(t, "remote-tag", d.RemoteTag())
	assert.Equal(t, "192.0.2.20", d.Target().Host)
	assert.Equal(t, []byte(remoteMsrpAnswer), d.RemoteContent())

	invites := f.transport.Requests(sip.INVITE)
	require.Len(t, invites, 1)
	assert.Equal(t, "1800;refresher=uac", imssip.HeaderValue(invites[0], imssip.HeaderSessionExpires))
	assert.Equal(t, "90", imssip.HeaderValue(invites[0], imssip.HeaderMinSE))

	acks := f.transport.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, imssip.CSeqNumber(invites[0]), imssip.CSeqNumber(acks[0]))

	assert.Equal(t, 1, f.listener.startedCount())
	assert.Equal(t, 0, f.listener.terminal())
	assert.Same(t, s, f.service.GetSession(d.CallID()))

	assert.True(t, s.TimerManager().IsRunning())
	assert.Equal(t, RoleUAC, s.TimerManager().Role())
	assert.Equal(t, 1800, s.TimerManager().Expire())

	media := s.Media().(*SDPMedia)
	assert.True(t, media.IsStarted())
	assert.Equal(t, imssip.SetupActPass, media.Setup())
	assert.Equal(t, 9000, media.Remote().Port)
}

func TestOriginatingSessionRemoteRefresher(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "1800;refresher=uas")
	defer s.TerminateSession(TerminationByUser)

	assert.Equal(t, RoleUAS, s.TimerManager().Role())
}

func TestOriginatingSessionWithoutSessionTimer(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	assert.False(t, s.TimerManager().IsRunning())
}

func TestSessionTimerBelowFloorNotStarted(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "89;refresher=uac")
	defer s.TerminateSession(TerminationByUser)

	assert.False(t, s.TimerManager().IsRunning())
	assert.Equal(t, 1, f.listener.startedCount())
}

func TestTerminateEstablishedSession(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "1800;refresher=uac")
	callID := s.Dialog().CallID()

	s.TerminateSession(TerminationByUser)
	s.TerminateSession(TerminationByUser)

	byes := f.transport.Byes()
	require.Len(t, byes, 1, "terminate is idempotent")
	assert.Equal(t, uint32(2), imssip.CSeqNumber(byes[0]))
	assert.Equal(t, "remote-tag", imssip.ToTag(byes[0]))

	assert.Equal(t, []TerminationReason{TerminationByUser}, f.listener.abortedReasons())
	assert.Equal(t, 1, f.listener.terminal())
	assert.Nil(t, f.service.GetSession(callID))
	assert.False(t, s.TimerManager().IsRunning())
	assert.False(t, s.Media().(*SDPMedia).IsStarted())
	assert.True(t, s.IsInterrupted())
	assert.Equal(t, TerminationByUser, s.TerminationReason())
}

func TestRemoteBye(t *testing.T) {
	f := newFixture(t)
	s := f.establishOriginating(t, "1800;refresher=uac")
	callID := s.Dialog().CallID()

	in, _ := siptest.Inbound(inDialog(s, sip.BYE, 1))
	s.ReceiveBye(in)

	assert.False(t, s.Media().(*SDPMedia).IsStarted(), "media closed")
	assert.Nil(t, f.service.GetSession(callID), "session removed")
	assert.Equal(t, []TerminationReason{TerminationByRemote}, f.listener.abortedReasons())
	assert.Empty(t, f.transport.Byes(), "no BYE sent back")
	assert.True(t, s.IsTerminatedByRemote())

	requested := f.caps.requested()
	require.Len(t, requested, 1)
	assert.Equal(t, "+33200000002", requested[0].User)

	// A local termination racing the BYE is a no-op
	s.TerminateSession(TerminationByUser)
	assert.Equal(t, 1, f.listener.terminal())
	assert.Empty(t, f.transport.Byes())
}

func TestInviteSessionIntervalTooSmall(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		if calls.Add(1) == 1 {
			return siptest.Exchange{Final: siptest.Response(req, 422, "Session Interval Too Small",
				[2]string{imssip.HeaderMinSE, "1200"})}
		}
		return answer200("1200;refresher=uac")(req)
	}

	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	invites := f.transport.Requests(sip.INVITE)
	require.Len(t, invites, 2, "exactly one new INVITE")
	assert.Equal(t, uint32(1), imssip.CSeqNumber(invites[0]))
	assert.Equal(t, uint32(2), imssip.CSeqNumber(invites[1]))
	assert.Equal(t, imssip.CallID(invites[0]), imssip.CallID(invites[1]))

	seconds, _, ok := imssip.SessionExpires(invites[1])
	require.True(t, ok)
	assert.Equal(t, 1200, seconds)
	assert.Equal(t, "1200", imssip.HeaderValue(invites[1], imssip.HeaderMinSE))

	d := s.Dialog()
	assert.Equal(t, 1200, d.SessionExpireTime())
	assert.Equal(t, 1200, d.MinSessionExpireTime())

	acks := f.transport.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, uint32(2), imssip.CSeqNumber(acks[0]))
}

func TestInviteSessionIntervalTooSmallOnlyOnce(t *testing.T) {
	f := newFixture(t)
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		return siptest.Exchange{Final: siptest.Response(req, 422, "Session Interval Too Small",
			[2]string{imssip.HeaderMinSE, "1200"})}
	}

	s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
	require.NoError(t, err)
	s.RunOriginating()

	assert.Len(t, f.transport.Requests(sip.INVITE), 2)
	require.NotNil(t, f.listener.lastError())
	assert.Equal(t, SessionInitiationFailed, f.listener.lastError().Code)
	assert.Equal(t, 422, f.listener.lastError().StatusCode)
}

func TestInviteProxyAuthentication(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		if calls.Add(1) == 1 {
			return siptest.Exchange{Final: siptest.Response(req, 407, "Proxy Authentication Required",
				[2]string{imssip.HeaderProxyAuthenticate, `Digest realm="ims.example.com", nonce="abc123", qop="auth"`})}
		}
		return answer200("")(req)
	}

	s := f.establishOriginating(t, "")
	defer s.TerminateSession(TerminationByUser)

	invites := f.transport.Requests(sip.INVITE)
	require.Len(t, invites, 2)
	assert.Nil(t, invites[0].GetHeader(imssip.HeaderProxyAuthorization))
	require.NotNil(t, invites[1].GetHeader(imssip.HeaderProxyAuthorization))
	assert.Contains(t, imssip.HeaderValue(invites[1], imssip.HeaderProxyAuthorization), `realm="ims.example.com"`)
	assert.Equal(t, uint32(2), imssip.CSeqNumber(invites[1]))
}

func TestInviteErrorResponses(t *testing.T) {
	tests := []struct {
		code     int
		expected SessionErrorCode
	}{
		{403, SessionInitiationFailed},
		{404, SessionInitiationFailed},
		{480, SessionInitiationFailed},
		{486, SessionInitiationDeclined},
		{603, SessionInitiationDeclined},
		{487, SessionInitiationCancelled},
	}

	for _, tt := range tests {
		t.Run(imssip.ReasonPhrase(tt.code), func(t *testing.T) {
			f := newFixture(t)
			f.transport.Responder = func(req *sip.Request) siptest.Exchange {
				return siptest.Exchange{Final: siptest.Response(req, tt.code, imssip.ReasonPhrase(tt.code))}
			}

			s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
			require.NoError(t, err)
			err = s.SendInvite(mustBuildInvite(t, s))

			var sessionErr *SessionError
			require.ErrorAs(t, err, &sessionErr)
			assert.Equal(t, tt.expected, sessionErr.Code)
			assert.Equal(t, tt.code, sessionErr.StatusCode)

			assert.Equal(t, 1, f.listener.terminal())
			assert.Equal(t, tt.expected, f.listener.lastError().Code)
			assert.Empty(t, f.transport.Acks())
			assert.Empty(t, f.transport.Byes())
			assert.Empty(t, f.transport.Cancels())
			assert.Zero(t, f.service.SessionCount())
		})
	}
}

func TestInviteWithoutResponse(t *testing.T) {
	f := newFixture(t)
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		return siptest.Exchange{}
	}

	s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
	require.NoError(t, err)
	s.RunOriginating()

	require.NotNil(t, f.listener.lastError())
	assert.Equal(t, SessionInitiationFailed, f.listener.lastError().Code)
	assert.True(t, s.IsClosed())
}

func TestInviteRingingCallback(t *testing.T) {
	f := newFixture(t)
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		exchange := answer200("")(req)
		exchange.Provisionals = []*sip.Response{siptest.Response(req, 180, "Ringing")}
		return exchange
	}

	media := &ringingMedia{SDPMedia: chatMedia()}
	s, err := f.service.NewOriginatingSession(media, siptest.MustUri(remoteURI))
	require.NoError(t, err)
	s.RunOriginating()
	defer s.TerminateSession(TerminationByUser)

	assert.Equal(t, int32(1), media.rings.Load())
}

type ringingMedia struct {
	*SDPMedia
	rings atomic.Int32
}

func (m *ringingMedia) HandleRinging(*Session, *sip.Response) {
	m.rings.Add(1)
}

func TestTerminatePendingInviteSendsCancel(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	f.transport.Responder = func(req *sip.Request) siptest.Exchange {
		<-release
		return siptest.Exchange{Final: siptest.Response(req, 487, "Request Terminated")}
	}

	s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunOriginating()
		close(done)
	}()

	require.Eventually(t, func() bool { return len(f.transport.Requests(sip.INVITE)) == 1 }, time.Second, 5*time.Millisecond)
	s.TerminateSession(TerminationByUser)
	close(release)
	<-done

	cancels := f.transport.Cancels()
	require.Len(t, cancels, 1)
	assert.Equal(t, sip.CANCEL, cancels[0].Method)
	assert.Equal(t, []TerminationReason{TerminationByUser}, f.listener.rejectedReasons())
	assert.Equal(t, 1, f.listener.terminal(), "the 487 does not notify twice")
}

func TestSetupOfferAnswerRoundTrip(t *testing.T) {
	tests := []struct {
		behindNAT bool
		offer     string
		answer    string
	}{
		{behindNAT: false, offer: imssip.SetupActPass, answer: imssip.SetupActive},
		{behindNAT: true, offer: imssip.SetupActive, answer: imssip.SetupPassive},
	}

	for _, tt := range tests {
		f := newFixture(t)
		f.service.Core().BehindNAT = tt.behindNAT
		s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		require.NoError(t, err)

		offer := s.CreateSetupOffer()
		assert.Equal(t, tt.offer, offer)
		assert.Equal(t, tt.answer, s.CreateSetupAnswer(offer))
	}
}

func TestWaitInvitationAnswer(t *testing.T) {
	f := newFixture(t)

	t.Run("accepted", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.AcceptSession()
		}()
		assert.Equal(t, InvitationAccepted, s.WaitInvitationAnswer(time.Second))
		assert.True(t, s.IsSessionAccepted())
	})

	t.Run("timeout is terminal", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		assert.Equal(t, InvitationTimeout, s.WaitInvitationAnswer(10*time.Millisecond))

		s.AcceptSession()
		start := time.Now()
		assert.Equal(t, InvitationTimeout, s.WaitInvitationAnswer(time.Second))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "never re-blocks")
	})

	t.Run("default timeout is the ringing period", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		start := time.Now()
		assert.Equal(t, InvitationTimeout, s.WaitInvitationAnswer(0))
		assert.GreaterOrEqual(t, time.Since(start), f.settings.RingingPeriod)
	})

	t.Run("interrupted", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.Interrupt()
		}()
		assert.Equal(t, InvitationRejectedBySystem, s.WaitInvitationAnswer(time.Second))
	})

	t.Run("deleted", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
		go func() {
			time.Sleep(10 * time.Millisecond)
			s.DeleteSession()
		}()
		assert.Equal(t, InvitationDeleted, s.WaitInvitationAnswer(time.Second))
	})

	t.Run("concurrent waiters see one status", func(t *testing.T) {
		s, _ := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))

		var wg sync.WaitGroup
		results := make([]InvitationStatus, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i] = s.WaitInvitationAnswer(time.Second)
			}(i)
		}
		time.Sleep(10 * time.Millisecond)
		s.RejectSession(603)
		s.AcceptSession()
		wg.Wait()

		for _, status := range results {
			assert.Equal(t, InvitationRejected, status)
		}
	})
}

func TestTerminatingSessionAccepted(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	assert.Equal(t, "+33200000002", s.RemoteContact())

	done := make(chan struct{})
	go func() {
		s.RunTerminating()
		close(done)
	}()

	require.Eventually(t, func() bool { return len(tx.Codes()) == 1 }, time.Second, 5*time.Millisecond)
	s.AcceptSession()
	<-done
	defer s.TerminateSession(TerminationByUser)

	assert.Equal(t, []int{180, 200}, tx.Codes())
	ok := tx.Last()
	localTag := s.Dialog().LocalTag()
	require.NotEmpty(t, localTag)
	for _, res := range tx.Responses() {
		assert.Equal(t, localTag, imssip.ToTag(res), "status %d", res.StatusCode)
	}
	assert.Contains(t, string(ok.Body()), "a=setup:active")
	assert.Contains(t, imssip.HeaderValue(ok, "Contact"), imssip.FeatureOmaIM)

	// The INVITE had no timer support, so this side refreshes
	seconds, refresher, found := imssip.SessionExpires(ok)
	require.True(t, found)
	assert.Equal(t, 1800, seconds)
	assert.Equal(t, imssip.RefresherUAS, refresher)
	assert.Equal(t, RoleUAC, s.TimerManager().Role())

	assert.Equal(t, imssip.DialogSessionEstablished, s.Dialog().State())
	assert.Equal(t, 1, f.listener.acceptingCount())
	assert.Equal(t, 1, f.listener.startedCount())
	assert.True(t, s.Media().(*SDPMedia).IsStarted())
}

func TestTerminatingDialogRequestsUseResponseTag(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.AcceptSession()
	s.RunTerminating()
	require.Equal(t, []int{180, 200}, tx.Codes())

	s.TerminateSession(TerminationByUser)

	byes := f.transport.Byes()
	require.Len(t, byes, 1)
	assert.Equal(t, imssip.ToTag(tx.Last()), imssip.FromTag(byes[0]))
	assert.Equal(t, imssip.FromTag(in.Request), imssip.ToTag(byes[0]))
}

func TestTerminatingSessionHonorsRemoteRefresher(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite(
		[2]string{imssip.HeaderSupported, "timer"},
		[2]string{imssip.HeaderSessionExpires, "600;refresher=uac"},
	))

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.AcceptSession()
	s.RunTerminating()
	defer s.TerminateSession(TerminationByUser)

	seconds, refresher, _ := imssip.SessionExpires(tx.Last())
	assert.Equal(t, 600, seconds)
	assert.Equal(t, imssip.RefresherUAC, refresher)
	assert.Equal(t, RoleUAS, s.TimerManager().Role())
}

func TestTerminatingSessionIntervalTooSmall(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite([2]string{imssip.HeaderSessionExpires, "60"}))

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.RunTerminating()

	assert.Equal(t, []int{422}, tx.Codes())
	assert.Equal(t, "90", imssip.HeaderValue(tx.Last(), imssip.HeaderMinSE))
	assert.Equal(t, []TerminationReason{TerminationBySystem}, f.listener.rejectedReasons())
	assert.Zero(t, f.service.SessionCount())
}

func TestTerminatingSessionRejected(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunTerminating()
		close(done)
	}()
	require.Eventually(t, func() bool { return len(tx.Codes()) == 1 }, time.Second, 5*time.Millisecond)
	s.RejectSession(603)
	<-done

	assert.Equal(t, []int{180, 603}, tx.Codes())
	assert.Equal(t, []TerminationReason{TerminationByUser}, f.listener.rejectedReasons())
	assert.Equal(t, 1, f.listener.terminal())
	assert.Zero(t, f.service.SessionCount())
}

func TestTerminatingSessionNotAnswered(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) { s.RingingPeriod = 20 * time.Millisecond })
	in, tx := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.RunTerminating()

	assert.Equal(t, []int{180, 486}, tx.Codes())
	assert.Equal(t, InvitationTimeout, s.InvitationStatus())
	assert.Equal(t, []TerminationReason{TerminationByTimeout}, f.listener.rejectedReasons())
}

func TestTerminatingSessionCanceled(t *testing.T) {
	f := newFixture(t)
	invite := inboundInvite()
	in, tx := siptest.Inbound(invite)

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunTerminating()
		close(done)
	}()
	require.Eventually(t, func() bool { return len(tx.Codes()) == 1 }, time.Second, 5*time.Millisecond)

	cancel, _ := siptest.Inbound(inDialog(s, sip.CANCEL, imssip.CSeqNumber(invite)))
	s.ReceiveCancel(cancel)
	<-done

	assert.Equal(t, []int{180, 487}, tx.Codes())
	assert.Equal(t, InvitationCanceled, s.InvitationStatus())
	assert.True(t, s.Dialog().IsSessionCancelled())
	assert.Equal(t, []TerminationReason{TerminationByRemote}, f.listener.rejectedReasons())
	assert.Equal(t, 1, f.listener.terminal())
	assert.Zero(t, f.service.SessionCount())
}

func TestCancelIgnoredOnceAnswered(t *testing.T) {
	f := newFixture(t)
	invite := inboundInvite()
	in, tx := siptest.Inbound(invite)

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.AcceptSession()
	s.RunTerminating()
	defer s.TerminateSession(TerminationByUser)

	cancel, _ := siptest.Inbound(inDialog(s, sip.CANCEL, imssip.CSeqNumber(invite)))
	s.ReceiveCancel(cancel)

	assert.Equal(t, []int{180, 200}, tx.Codes())
	assert.False(t, s.IsClosed())
	assert.Equal(t, 0, f.listener.terminal())
}

func TestTerminatingSessionMissingAck(t *testing.T) {
	f := newFixture(t)
	f.transport.DropAck = true
	in, _ := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)
	s.AcceptSession()
	s.RunTerminating()

	require.NotNil(t, f.listener.lastError())
	assert.Equal(t, SessionInitiationFailed, f.listener.lastError().Code)
	assert.Len(t, f.transport.Byes(), 1, "the confirmed dialog is closed")
	assert.Equal(t, 0, f.listener.startedCount())
}

func TestLocalTerminationOfRingingSession(t *testing.T) {
	f := newFixture(t)
	in, tx := siptest.Inbound(inboundInvite())

	s, err := f.service.NewTerminatingSession(chatMedia(), in)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.RunTerminating()
		close(done)
	}()
	require.Eventually(t, func() bool { return len(tx.Codes()) == 1 }, time.Second, 5*time.Millisecond)

	s.TerminateSession(TerminationBySystem)
	<-done

	assert.Equal(t, []int{180, 480}, tx.Codes())
	assert.Equal(t, InvitationRejectedBySystem, s.InvitationStatus())
	assert.Equal(t, []TerminationReason{TerminationBySystem}, f.listener.rejectedReasons())
}

func TestSessionStartRecoversPanics(t *testing.T) {
	f := newFixture(t)
	s, err := f.service.NewOriginatingSession(&panickingMedia{SDPMedia: chatMedia()}, siptest.MustUri(remoteURI))
	require.NoError(t, err)

	s.Start()

	require.Eventually(t, func() bool { return f.listener.terminal() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, UnexpectedException, f.listener.lastError().Code)
	assert.Zero(t, f.service.SessionCount())
}

type panickingMedia struct {
	*SDPMedia
}

func (m *panickingMedia) BuildInvite(*Session) (*sip.Request, error) {
	panic("broken media")
}

func mustBuildInvite(t *testing.T, s *Session) *sip.Request {
	t.Helper()
	s.CreateOriginatingDialogPath()
	invite, err := s.Media().BuildInvite(s)
	require.NoError(t, err)
	return invite
}
