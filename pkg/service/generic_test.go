package service

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/sip/siptest"
)

func TestGenericMsrpInvitation(t *testing.T) {
	intents := dispatcher.NewSipIntentManager()
	require.NoError(t, intents.Register("game", "com.example.game"))

	inv := &invitations{accept: true}
	svc := NewGenericSipService(newCore(t, &siptest.Transport{}), testMedia(), intents, inv)

	in, tx := siptest.Inbound(invite(chatOffer))
	require.NoError(t, svc.ReceiveMsrpSessionInvitation(&dispatcher.Intent{Extension: "game", Owner: "com.example.game"}, in))
	waitCodes(t, tx, 180, 200)

	got := inv.last(t)
	defer got.Session.TerminateSession(ims.TerminationByUser)
	assert.Equal(t, ims.MediaGenericMSRP, got.Kind)
	assert.Equal(t, "game", got.Extension)
	assert.True(t, imssip.HasFeatureTag(tx.Last(), dispatcher.ExtensionFeatureTag("game")))
}

func TestGenericRtpInvitationPicksOfferedMedia(t *testing.T) {
	inv := &invitations{accept: true}
	svc := NewGenericSipService(newCore(t, &siptest.Transport{}), testMedia(), dispatcher.NewSipIntentManager(), inv)
	intent := &dispatcher.Intent{Extension: "stream"}

	in, tx := siptest.Inbound(invite(videoOffer))
	require.NoError(t, svc.ReceiveRtpSessionInvitation(intent, in))
	waitCodes(t, tx, 180, 200)
	defer inv.last(t).Session.TerminateSession(ims.TerminationByUser)
	assert.Contains(t, string(tx.Last().Body()), "m=video")

	in, tx = siptest.Inbound(invite(audioOffer))
	require.NoError(t, svc.ReceiveRtpSessionInvitation(intent, in))
	waitCodes(t, tx, 180, 200)
	defer inv.last(t).Session.TerminateSession(ims.TerminationByUser)
	assert.Contains(t, string(tx.Last().Body()), "m=audio")
}

func TestInitiateRequiresRegisteredExtension(t *testing.T) {
	transport := &siptest.Transport{Responder: decline}
	intents := dispatcher.NewSipIntentManager()
	svc := NewGenericSipService(newCore(t, transport), testMedia(), intents, nil)

	_, err := svc.InitiateMsrpSession("game", siptest.MustUri(remoteURI), []string{"application/octet-stream"})
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
	_, err = svc.InitiateRtpSession("game", siptest.MustUri(remoteURI), "audio")
	assert.True(t, errors.IsErrorType(err, errors.ErrInvalidInput))
	assert.Empty(t, transport.Requests())

	require.NoError(t, intents.Register("game", "com.example.game"))
	s, err := svc.InitiateMsrpSession("game", siptest.MustUri(remoteURI), []string{"application/octet-stream"})
	require.NoError(t, err)
	assert.Equal(t, ims.MediaGenericMSRP, s.Media().Kind())

	require.Eventually(t, func() bool { return len(transport.Requests(sip.INVITE)) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, imssip.HasFeatureTag(transport.Requests(sip.INVITE)[0], dispatcher.ExtensionFeatureTag("game")))
}

func TestGenericServiceWithoutIntents(t *testing.T) {
	svc := NewGenericSipService(newCore(t, &siptest.Transport{}), testMedia(), nil, nil)
	_, err := svc.InitiateRtpSession("game", siptest.MustUri(remoteURI), "video")
	assert.Error(t, err)
}
