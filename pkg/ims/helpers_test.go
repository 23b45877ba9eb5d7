package ims

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"rcs-ims-core/pkg/config"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/sip/siptest"
)

const (
	localURI   = "sip:+33100000001@ims.example.com"
	remoteURI  = "sip:+33200000002@ims.example.com"
	remoteAddr = "sip:+33200000002@192.0.2.20:5060"
)

const remoteMsrpAnswer = "v=0\r\n" +
	"o=- 1 1 IN IP4 192.0.2.20\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.20\r\n" +
	"t=0 0\r\n" +
	"m=message 9000 TCP/MSRP *\r\n" +
	"a=accept-types:message/cpim\r\n" +
	"a=path:msrp://192.0.2.20:9000/r1;tcp\r\n" +
	"a=setup:passive\r\n"

const remoteMsrpOffer = "v=0\r\n" +
	"o=- 2 2 IN IP4 192.0.2.20\r\n" +
	"s=-\r\n" +
	"c=IN IP4 192.0.2.20\r\n" +
	"t=0 0\r\n" +
	"m=message 9000 TCP/MSRP *\r\n" +
	"a=accept-types:message/cpim\r\n" +
	"a=path:msrp://192.0.2.20:9000/o1;tcp\r\n" +
	"a=setup:actpass\r\n"

type recordingListener struct {
	mu        sync.Mutex
	started   int
	accepting int
	aborted   []TerminationReason
	rejected  []TerminationReason
	errors    []*SessionError
}

func (l *recordingListener) OnSessionStarted(*Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
}

func (l *recordingListener) OnSessionAborted(_ *Session, reason TerminationReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted = append(l.aborted, reason)
}

func (l *recordingListener) OnSessionRejected(_ *Session, reason TerminationReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rejected = append(l.rejected, reason)
}

func (l *recordingListener) OnSessionAccepting(*Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accepting++
}

func (l *recordingListener) OnSessionError(_ *Session, err *SessionError) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, err)
}

// terminal returns the number of terminal notifications received
func (l *recordingListener) terminal() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.aborted) + len(l.rejected) + len(l.errors)
}

func (l *recordingListener) startedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *recordingListener) acceptingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.accepting
}

func (l *recordingListener) abortedReasons() []TerminationReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TerminationReason(nil), l.aborted...)
}

func (l *recordingListener) rejectedReasons() []TerminationReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TerminationReason(nil), l.rejected...)
}

func (l *recordingListener) lastError() *SessionError {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.errors) == 0 {
		return nil
	}
	return l.errors[len(l.errors)-1]
}

type capabilityRecorder struct {
	mu       sync.Mutex
	contacts []sip.Uri
}

func (c *capabilityRecorder) RequestCapabilities(contact sip.Uri) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contacts = append(c.contacts, contact)
}

func (c *capabilityRecorder) requested() []sip.Uri {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.Uri(nil), c.contacts...)
}

type fixture struct {
	transport *siptest.Transport
	settings  *config.Settings
	caps      *capabilityRecorder
	listener  *recordingListener
	service   *Service
}

func newFixture(t *testing.T, tune ...func(*config.Settings)) *fixture {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	settings := config.DefaultSettings()
	settings.RingingPeriod = 300 * time.Millisecond
	settings.IdleTimeout = 0
	for _, fn := range tune {
		fn(settings)
	}

	f := &fixture{
		transport: &siptest.Transport{},
		settings:  settings,
		caps:      &capabilityRecorder{},
		listener:  &recordingListener{},
	}
	f.service = NewService("test", &Core{
		Logger:             logger,
		Transport:          f.transport,
		Factory:            &imssip.MessageFactory{UserAgent: "rcs-ims-core-test", InstanceID: "<urn:gsma:imei:35000000-000001-0>"},
		Settings:           config.NewSettingsHolder(settings),
		Username:           "+33100000001@ims.example.com",
		Password:           "secret",
		PublicURI:          siptest.MustUri(localURI),
		Contact:            siptest.MustUri("sip:+33100000001@192.0.2.10:5060"),
		TransactionTimeout: time.Second,
		Capabilities:       f.caps,
	})
	f.service.AddListener(f.listener)
	return f
}

func chatMedia() *SDPMedia {
	return NewSDPMedia(SDPMediaConfig{
		Kind:        MediaChat,
		FeatureTags: []string{imssip.FeatureOmaIM},
		Address:     "192.0.2.10",
		Port:        7000,
	})
}

// answer200 answers every INVITE with a 200 OK carrying the remote SDP and
// the given Session-Expires value, if any
func answer200(sessionExpires string) func(req *sip.Request) siptest.Exchange {
	return func(req *sip.Request) siptest.Exchange {
		var headers [][2]string
		headers = append(headers, [2]string{"Contact", "<" + remoteAddr + ">"})
		if sessionExpires != "" {
			headers = append(headers, [2]string{imssip.HeaderSessionExpires, sessionExpires})
		}
		res := siptest.Response(req, 200, "OK", headers...)
		return siptest.Exchange{Final: siptest.WithBody(res, []byte(remoteMsrpAnswer))}
	}
}

// establishOriginating runs an originating session to the established state
func (f *fixture) establishOriginating(t *testing.T, sessionExpires string, tune ...func(*Session)) *Session {
	t.Helper()
	if f.transport.Responder == nil {
		f.transport.Responder = answer200(sessionExpires)
	}
	s, err := f.service.NewOriginatingSession(chatMedia(), siptest.MustUri(remoteURI))
	require.NoError(t, err)
	for _, fn := range tune {
		fn(s)
	}
	s.RunOriginating()
	require.True(t, s.Dialog().IsSessionEstablished())
	return s
}

// inboundInvite builds an INVITE towards the local user
func inboundInvite(headers ...[2]string) *sip.Request {
	return siptest.Request{
		Method:  sip.INVITE,
		From:    remoteURI,
		To:      localURI,
		Contact: remoteAddr,
		Headers: headers,
		Body:    []byte(remoteMsrpOffer),
	}.Build()
}

// inDialog builds a request of the remote party inside the dialog of s
func inDialog(s *Session, method sip.RequestMethod, cseq uint32) *sip.Request {
	d := s.Dialog()
	return siptest.Request{
		Method:     method,
		RequestURI: "sip:+33100000001@192.0.2.10:5060",
		From:       remoteURI,
		FromTag:    d.RemoteTag(),
		To:         localURI,
		ToTag:      d.LocalTag(),
		CallID:     d.CallID(),
		CSeq:       cseq,
	}.Build()
}
