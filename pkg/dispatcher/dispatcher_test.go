package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	"rcs-ims-core/pkg/metrics"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/sip/siptest"
)

const (
	localURI      = "sip:+33100000001@ims.example.com"
	localContact  = "sip:+33100000001@192.0.2.10:5060"
	remoteURI     = "sip:+33200000002@ims.example.com"
	remoteContact = "sip:+33200000002@192.0.2.20:5060"
)

// fakeServices implements every handler interface and records the calls
type fakeServices struct {
	mu    sync.Mutex
	calls []string

	err          error
	panicNext    bool
	respondFirst int
	terms        bool

	subscriptionFailures []error
	svc                  *ims.Service
}

func (f *fakeServices) record(in *imssip.InboundRequest, call string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	err, panicNow, code := f.err, f.panicNext, f.respondFirst
	f.panicNext = false
	f.mu.Unlock()

	if panicNow {
		panic("handler failure")
	}
	if code > 0 {
		_ = in.Respond(sip.NewResponseFromRequest(in.Request, sip.StatusCode(code), imssip.ReasonPhrase(code), nil))
	}
	return err
}

func (f *fakeServices) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServices) ImsService() *ims.Service { return f.svc }

func (f *fakeServices) ReceiveCapabilityRequest(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveCapabilityRequest")
}
func (f *fakeServices) ReceiveNotification(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveNotification")
}
func (f *fakeServices) ReceiveOneToOneChatInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveOneToOneChatInvitation")
}
func (f *fakeServices) ReceiveGroupChatInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveGroupChatInvitation")
}
func (f *fakeServices) ReceiveStoreAndForwardMessageInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveStoreAndForwardMessageInvitation")
}
func (f *fakeServices) ReceiveStoreAndForwardNotificationInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveStoreAndForwardNotificationInvitation")
}
func (f *fakeServices) ReceiveMsrpFileTransferInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveMsrpFileTransferInvitation")
}
func (f *fakeServices) ReceiveHttpFileTransferInvitation(in *imssip.InboundRequest, transfer HttpFileTransfer) error {
	return f.record(in, "ReceiveHttpFileTransferInvitation:"+transfer.String())
}
func (f *fakeServices) ReceiveMessageDeliveryStatus(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveMessageDeliveryStatus")
}
func (f *fakeServices) ReceiveConferenceNotification(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveConferenceNotification")
}
func (f *fakeServices) ReceiveImageSharingInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveImageSharingInvitation")
}
func (f *fakeServices) ReceiveVideoSharingInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveVideoSharingInvitation")
}
func (f *fakeServices) ReceiveGeolocSharingInvitation(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveGeolocSharingInvitation")
}
func (f *fakeServices) ReceiveIPCallInvitation(in *imssip.InboundRequest, video bool) error {
	return f.record(in, fmt.Sprintf("ReceiveIPCallInvitation:%t", video))
}
func (f *fakeServices) ReceivePresenceNotification(in *imssip.InboundRequest) error {
	return f.record(in, "ReceivePresenceNotification")
}
func (f *fakeServices) ReceiveWatcherInfoNotification(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveWatcherInfoNotification")
}
func (f *fakeServices) SubscriptionFailed(_ *imssip.InboundRequest, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptionFailures = append(f.subscriptionFailures, err)
}
func (f *fakeServices) IsTermsRequest(*imssip.InboundRequest) bool { return f.terms }
func (f *fakeServices) ReceiveMessage(in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveMessage")
}
func (f *fakeServices) ReceiveMsrpSessionInvitation(intent *Intent, in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveMsrpSessionInvitation:"+intent.Extension)
}
func (f *fakeServices) ReceiveRtpSessionInvitation(intent *Intent, in *imssip.InboundRequest) error {
	return f.record(in, "ReceiveRtpSessionInvitation:"+intent.Extension)
}

func (f *fakeServices) services() Services {
	return Services{
		Capability:       f,
		InstantMessaging: f,
		RichCall:         f,
		IPCall:           f,
		Presence:         f,
		Terms:            f,
		GenericSip:       f,
	}
}

type harness struct {
	d        *Dispatcher
	fake     *fakeServices
	settings *config.Settings
}

func newHarness(t *testing.T, tune ...func(*Config, *Services)) *harness {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		fake:     &fakeServices{},
		settings: config.DefaultSettings(),
	}
	h.fake.svc = ims.NewService("im", &ims.Core{
		Logger:    logger,
		Transport: &siptest.Transport{},
		Settings:  config.NewSettingsHolder(h.settings),
		PublicURI: siptest.MustUri(localURI),
		Contact:   siptest.MustUri(localContact),
	})

	cfg := Config{
		LocalAddress: "192.0.2.10",
		LocalPort:    5060,
		Settings:     config.NewSettingsHolder(h.settings),
	}
	services := h.fake.services()
	for _, fn := range tune {
		fn(&cfg, &services)
	}
	h.d = NewDispatcher(cfg, services, logger)
	return h
}

// run posts reqs, closes the dispatcher and drains the queue
func (h *harness) run(t *testing.T, reqs ...*sip.Request) []*siptest.ServerTx {
	t.Helper()
	txs := make([]*siptest.ServerTx, 0, len(reqs))
	for _, req := range reqs {
		in, tx := siptest.Inbound(req)
		h.d.PostSipRequest(in)
		txs = append(txs, tx)
	}
	h.d.Close()
	require.NoError(t, h.d.Run(context.Background()))
	return txs
}

func (h *harness) runOne(t *testing.T, req *sip.Request) *siptest.ServerTx {
	return h.run(t, req)[0]
}

func request(method sip.RequestMethod, headers ...[2]string) *sip.Request {
	return siptest.Request{
		Method:     method,
		RequestURI: localContact,
		From:       remoteURI,
		To:         localURI,
		Contact:    remoteContact,
		Headers:    headers,
	}.Build()
}

func acceptContact(tags ...string) [2]string {
	return [2]string{imssip.HeaderAcceptContact, "*;" + strings.Join(tags, ";")}
}

func invite(body []byte, headers ...[2]string) *sip.Request {
	req := request(sip.INVITE, headers...)
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(imssip.ContentTypeSDP)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

func msrpSDP(attrs ...string) []byte {
	sdp := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.20\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.20\r\n" +
		"t=0 0\r\n" +
		"m=message 9000 TCP/MSRP *\r\n" +
		"a=path:msrp://192.0.2.20:9000/o1;tcp\r\n"
	for _, a := range attrs {
		sdp += "a=" + a + "\r\n"
	}
	return []byte(sdp)
}

func rtpSDP(medias ...string) []byte {
	sdp := "v=0\r\n" +
		"o=- 1 1 IN IP4 192.0.2.20\r\n" +
		"s=-\r\n" +
		"c=IN IP4 192.0.2.20\r\n" +
		"t=0 0\r\n"
	for i, media := range medias {
		sdp += fmt.Sprintf("m=%s %d RTP/AVP 96\r\na=rtpmap:96 H264/90000\r\n", media, 20000+2*i)
	}
	return []byte(sdp)
}

const standFwIdentity = "<sip:rcse-standfw@ims.example.com>"

func TestDispatchInvitationClassification(t *testing.T) {
	chat := acceptContact(imssip.FeatureOmaIM)
	group := acceptContact(imssip.FeatureOmaIM, "isfocus")
	standFw := [2]string{imssip.HeaderAssertedIdentity, standFwIdentity}
	ftHTTP := "accept-wrapped-types:application/vnd.gsma.rcs-ft-http+xml"

	tests := []struct {
		name    string
		body    []byte
		headers [][2]string
		want    string
	}{
		{
			name:    "one to one chat",
			body:    msrpSDP("accept-types:message/cpim"),
			headers: [][2]string{chat},
			want:    "ReceiveOneToOneChatInvitation",
		},
		{
			name:    "group chat",
			body:    msrpSDP("accept-types:message/cpim"),
			headers: [][2]string{group},
			want:    "ReceiveGroupChatInvitation",
		},
		{
			name:    "store and forward message",
			body:    msrpSDP("accept-types:message/cpim", "accept-wrapped-types:text/plain message/imdn+xml"),
			headers: [][2]string{chat, standFw},
			want:    "ReceiveStoreAndForwardMessageInvitation",
		},
		{
			name:    "store and forward notification",
			body:    msrpSDP("accept-types:message/cpim", "accept-wrapped-types:message/imdn+xml"),
			headers: [][2]string{chat, standFw},
			want:    "ReceiveStoreAndForwardNotificationInvitation",
		},
		{
			name:    "http file transfer",
			body:    msrpSDP("accept-types:message/cpim", ftHTTP),
			headers: [][2]string{chat},
			want:    "ReceiveHttpFileTransferInvitation:one_to_one",
		},
		{
			name:    "http file transfer in group",
			body:    msrpSDP("accept-types:message/cpim", ftHTTP),
			headers: [][2]string{group},
			want:    "ReceiveHttpFileTransferInvitation:group",
		},
		{
			name:    "http file transfer from store and forward",
			body:    msrpSDP("accept-types:message/cpim", ftHTTP),
			headers: [][2]string{chat, standFw},
			want:    "ReceiveHttpFileTransferInvitation:store_and_forward",
		},
		{
			name:    "msrp file transfer",
			body:    msrpSDP("accept-types:application/pdf", `file-selector:name:"doc.pdf" type:application/pdf size:1000`),
			headers: [][2]string{acceptContact(imssip.IariRef(imssip.IariFileTransfer))},
			want:    "ReceiveMsrpFileTransferInvitation",
		},
		{
			name:    "image sharing",
			body:    msrpSDP("accept-types:image/jpeg", `file-selector:name:"photo.jpg" type:image/jpeg size:1000`),
			headers: [][2]string{acceptContact(imssip.FeatureImageShare)},
			want:    "ReceiveImageSharingInvitation",
		},
		{
			name:    "geolocation sharing",
			body:    msrpSDP("accept-types:application/vnd.gsma.rcspushlocation+xml"),
			headers: [][2]string{acceptContact(imssip.IariRef(imssip.IariGeolocPush))},
			want:    "ReceiveGeolocSharingInvitation",
		},
		{
			name:    "video sharing",
			body:    rtpSDP("video"),
			headers: [][2]string{acceptContact(imssip.IariRef(imssip.IariVideoShare))},
			want:    "ReceiveVideoSharingInvitation",
		},
		{
			name:    "generic msrp session",
			body:    msrpSDP("accept-types:application/octet-stream"),
			headers: [][2]string{acceptContact(ExtensionFeatureTag("chess"))},
			want:    "ReceiveMsrpSessionInvitation:chess",
		},
		{
			name:    "generic rtp session",
			body:    rtpSDP("audio"),
			headers: [][2]string{acceptContact(ExtensionFeatureTag("chess"))},
			want:    "ReceiveRtpSessionInvitation:chess",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			require.NoError(t, h.d.Intents().Register("chess", "com.example.chess"))

			tx := h.runOne(t, invite(tt.body, tt.headers...))

			assert.Equal(t, []string{tt.want}, h.fake.Calls())
			assert.Equal(t, []int{100}, tx.Codes(), "the service answers the invitation")
		})
	}
}

func TestDispatchInvitationRejections(t *testing.T) {
	chat := acceptContact(imssip.FeatureOmaIM)

	tests := []struct {
		name     string
		req      *sip.Request
		tune     func(*Config, *Services)
		settings func(*config.Settings)
		want     []int
	}{
		{
			name: "missing SDP",
			req:  invite(nil, chat),
			want: []int{100, 606},
		},
		{
			name: "unreadable SDP",
			req:  invite([]byte("not an sdp"), chat),
			want: []int{100, 488},
		},
		{
			name: "unknown invitation",
			req:  invite(msrpSDP("accept-types:message/cpim")),
			want: []int{100, 403},
		},
		{
			name: "unregistered extension",
			req:  invite(msrpSDP("accept-types:message/cpim"), acceptContact(ExtensionFeatureTag("poker"))),
			want: []int{100, 403},
		},
		{
			name:     "chat disabled",
			req:      invite(msrpSDP("accept-types:message/cpim"), chat),
			settings: func(s *config.Settings) { s.ImSession = false },
			want:     []int{100, 603},
		},
		{
			name:     "group chat disabled",
			req:      invite(msrpSDP("accept-types:message/cpim"), acceptContact(imssip.FeatureOmaIM, "isfocus")),
			settings: func(s *config.Settings) { s.GroupChat = false },
			want:     []int{100, 603},
		},
		{
			name:     "video sharing disabled",
			req:      invite(rtpSDP("video"), acceptContact(imssip.IariRef(imssip.IariVideoShare))),
			settings: func(s *config.Settings) { s.VideoSharing = false },
			want:     []int{100, 603},
		},
		{
			name: "ip call not supported",
			req:  invite(rtpSDP("audio"), acceptContact(imssip.FeatureIPVoiceCall)),
			want: []int{100, 603},
		},
		{
			name:     "ip call without handler",
			req:      invite(rtpSDP("audio"), acceptContact(imssip.FeatureIPVoiceCall)),
			settings: func(s *config.Settings) { s.IPVoiceCall = true },
			tune:     func(_ *Config, s *Services) { s.IPCall = nil },
			want:     []int{100, 603},
		},
		{
			name: "chat without handler",
			req:  invite(msrpSDP("accept-types:message/cpim"), chat),
			tune: func(_ *Config, s *Services) { s.InstantMessaging = nil },
			want: []int{100, 403},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tune []func(*Config, *Services)
			if tt.tune != nil {
				tune = append(tune, tt.tune)
			}
			h := newHarness(t, tune...)
			if tt.settings != nil {
				tt.settings(h.settings)
			}

			tx := h.runOne(t, tt.req)

			assert.Equal(t, tt.want, tx.Codes())
			assert.Empty(t, h.fake.Calls())
		})
	}
}

func TestDispatchIPCall(t *testing.T) {
	h := newHarness(t)
	h.settings.IPVoiceCall = true
	h.settings.IPVideoCall = true

	h.run(t,
		invite(rtpSDP("audio"), acceptContact(imssip.FeatureIPVoiceCall)),
		invite(rtpSDP("audio", "video"), acceptContact(imssip.FeatureIPVoiceCall, imssip.FeatureIPVideoCall)),
	)

	assert.Equal(t, []string{"ReceiveIPCallInvitation:false", "ReceiveIPCallInvitation:true"}, h.fake.Calls())
}

func TestDispatchRequestURIValidation(t *testing.T) {
	options := func(uri string) *sip.Request {
		return siptest.Request{
			Method:     sip.OPTIONS,
			RequestURI: uri,
			From:       remoteURI,
			To:         localURI,
		}.Build()
	}

	tests := []struct {
		name     string
		uri      string
		accepted bool
	}{
		{name: "local address", uri: localContact, accepted: true},
		{name: "no port", uri: "sip:+33100000001@192.0.2.10", accepted: true},
		{name: "nat mapping", uri: "sip:+33100000001@203.0.113.5:40000", accepted: true},
		{name: "other host", uri: "sip:+33100000001@198.51.100.7:5060"},
		{name: "other port", uri: "sip:+33100000001@192.0.2.10:5080"},
		{name: "nat address on local port", uri: "sip:+33100000001@203.0.113.5:5060"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config, _ *Services) {
				c.NatPublicAddress = "203.0.113.5"
				c.NatPublicPort = 40000
			})

			tx := h.runOne(t, options(tt.uri))

			if tt.accepted {
				assert.Equal(t, []string{"ReceiveCapabilityRequest"}, h.fake.Calls())
				assert.Empty(t, tx.Codes())
			} else {
				assert.Empty(t, h.fake.Calls())
				assert.Equal(t, []int{404}, tx.Codes())
			}
		})
	}
}

func TestDispatchDeviceValidation(t *testing.T) {
	const instance = "<urn:gsma:imei:35000000-000001-0>"
	const gruu = "sip:+33100000001@ims.example.com;gr=urn:gsma:imei:35000000-000001-0"

	tests := []struct {
		name     string
		header   [2]string
		accepted bool
	}{
		{
			name:     "same instance",
			header:   acceptContact(imssip.FeatureSipInstance + `="` + instance + `"`),
			accepted: true,
		},
		{
			name:   "other instance",
			header: acceptContact(imssip.FeatureSipInstance + `="<urn:gsma:imei:35000000-000002-0>"`),
		},
		{
			name:     "same gruu",
			header:   acceptContact(imssip.FeaturePubGruu + `="` + gruu + `"`),
			accepted: true,
		},
		{
			name:   "other gruu",
			header: acceptContact(imssip.FeaturePubGruu + `="sip:+33100000001@ims.example.com;gr=other"`),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config, _ *Services) {
				c.InstanceID = instance
				c.PublicGRUU = gruu
			})

			tx := h.runOne(t, request(sip.OPTIONS, tt.header))

			if tt.accepted {
				assert.Equal(t, []string{"ReceiveCapabilityRequest"}, h.fake.Calls())
			} else {
				assert.Empty(t, h.fake.Calls())
				assert.Equal(t, []int{486}, tx.Codes())
			}
		})
	}
}

func TestDispatchAckIsDropped(t *testing.T) {
	h := newHarness(t)
	tx := h.runOne(t, request(sip.ACK))

	assert.Empty(t, tx.Codes())
	assert.Empty(t, h.fake.Calls())
}

func TestDispatchUnsupportedMethod(t *testing.T) {
	h := newHarness(t)
	tx := h.runOne(t, request(sip.SUBSCRIBE))

	assert.Equal(t, []int{403}, tx.Codes())
}

func TestDispatchOptionsWithoutCapabilityService(t *testing.T) {
	h := newHarness(t, func(_ *Config, s *Services) { s.Capability = nil })
	tx := h.runOne(t, request(sip.OPTIONS))

	assert.Equal(t, []int{200}, tx.Codes())
}

func TestDispatchMessage(t *testing.T) {
	withBody := func(contentType, body string) *sip.Request {
		req := request(sip.MESSAGE)
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody([]byte(body))
		return req
	}

	t.Run("delivery report", func(t *testing.T) {
		h := newHarness(t)
		h.run(t,
			withBody("message/imdn+xml", "<imdn/>"),
			withBody("message/cpim", "Content-type: message/imdn+xml\r\n\r\n<imdn/>"),
		)
		assert.Equal(t, []string{"ReceiveMessageDeliveryStatus", "ReceiveMessageDeliveryStatus"}, h.fake.Calls())
	})

	t.Run("terms and conditions", func(t *testing.T) {
		h := newHarness(t)
		h.fake.terms = true
		h.runOne(t, withBody("application/end-user-confirmation-request+xml", "<EndUserConfirmationRequest/>"))
		assert.Equal(t, []string{"ReceiveMessage"}, h.fake.Calls())
	})

	t.Run("anything else", func(t *testing.T) {
		h := newHarness(t)
		tx := h.runOne(t, withBody("text/plain", "hello"))
		assert.Equal(t, []int{403}, tx.Codes())
		assert.Empty(t, h.fake.Calls())
	})
}

func TestDispatchNotify(t *testing.T) {
	notify := func(event, to string) *sip.Request {
		return siptest.Request{
			Method:     sip.NOTIFY,
			RequestURI: localContact,
			From:       remoteURI,
			To:         to,
			ToTag:      "local-tag",
			Headers:    [][2]string{{imssip.HeaderEvent, event}},
		}.Build()
	}

	tests := []struct {
		name  string
		req   *sip.Request
		want  []string
		codes []int
	}{
		{name: "watcher info", req: notify("presence.winfo", localURI), want: []string{"ReceiveWatcherInfoNotification"}},
		{name: "presence", req: notify("presence;id=1", localURI), want: []string{"ReceivePresenceNotification"}},
		{name: "anonymous fetch", req: notify("presence", "sip:anonymous@anonymous.invalid"), want: []string{"ReceiveNotification"}},
		{name: "conference", req: notify("conference", localURI), want: []string{"ReceiveConferenceNotification"}},
		{name: "unknown package", req: notify("dialog", localURI), codes: []int{489}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tx := h.runOne(t, tt.req)

			assert.Equal(t, tt.want, h.fake.Calls())
			assert.Equal(t, tt.codes, nilIfEmpty(tx.Codes()))
		})
	}
}

func nilIfEmpty(codes []int) []int {
	if len(codes) == 0 {
		return nil
	}
	return codes
}

func TestDispatchPresenceFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.err = stderrors.New("unreadable presence document")

	req := request(sip.NOTIFY, [2]string{imssip.HeaderEvent, "presence"})
	tx := h.runOne(t, req)

	assert.Equal(t, []int{500}, tx.Codes())
	require.Len(t, h.fake.subscriptionFailures, 1)
	assert.EqualError(t, h.fake.subscriptionFailures[0], "unreadable presence document")
}

// terminatingSession registers a ringing session in the fake IM service
func terminatingSession(t *testing.T, h *harness) (*ims.Session, *siptest.ServerTx) {
	t.Helper()
	req := invite(msrpSDP("accept-types:message/cpim", "setup:actpass"), acceptContact(imssip.FeatureOmaIM))
	in, tx := siptest.Inbound(req)
	media := ims.NewSDPMedia(ims.SDPMediaConfig{Kind: ims.MediaChat, Address: "192.0.2.10", Port: 7000})
	s, err := h.fake.svc.NewTerminatingSession(media, in)
	require.NoError(t, err)
	return s, tx
}

func inDialog(s *ims.Session, method sip.RequestMethod, cseq uint32, params ...siptest.Param) *sip.Request {
	d := s.Dialog()
	return siptest.Request{
		Method:        method,
		RequestURI:    localContact,
		From:          remoteURI,
		FromTag:       d.RemoteTag(),
		To:            localURI,
		ToTag:         d.LocalTag(),
		CallID:        d.CallID(),
		CSeq:          cseq,
		Contact:       remoteContact,
		ContactParams: params,
	}.Build()
}

func TestDispatchBye(t *testing.T) {
	h := newHarness(t)
	s, _ := terminatingSession(t, h)

	const instance = `"<urn:gsma:imei:35000000-000003-0>"`
	tx := h.runOne(t, inDialog(s, sip.BYE, 2, siptest.Param{Key: imssip.FeatureSipInstance, Value: instance}))

	assert.Equal(t, []int{200}, tx.Codes())
	assert.Equal(t, "<urn:gsma:imei:35000000-000003-0>", s.Dialog().RemoteSipInstance())
	callID := s.Dialog().CallID()
	require.Eventually(t, func() bool { return h.fake.svc.GetSession(callID) == nil }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsClosed())
	assert.Equal(t, ims.TerminationByRemote, s.TerminationReason())
}

func TestDispatchCancel(t *testing.T) {
	h := newHarness(t)
	s, inviteTx := terminatingSession(t, h)

	tx := h.runOne(t, inDialog(s, sip.CANCEL, 1))

	assert.Equal(t, []int{200}, tx.Codes())
	require.Eventually(t, s.IsClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{487}, inviteTx.Codes())
	assert.Equal(t, ims.InvitationCanceled, s.InvitationStatus())
}

func TestDispatchInDialogWithoutSession(t *testing.T) {
	stale := func(method sip.RequestMethod) *sip.Request {
		return siptest.Request{
			Method:     method,
			RequestURI: localContact,
			From:       remoteURI,
			To:         localURI,
			ToTag:      "gone",
		}.Build()
	}

	for _, method := range []sip.RequestMethod{sip.BYE, sip.CANCEL, sip.UPDATE, sip.INVITE} {
		t.Run(string(method), func(t *testing.T) {
			h := newHarness(t)
			tx := h.runOne(t, stale(method))
			assert.Equal(t, []int{481}, tx.Codes())
		})
	}
}

func TestDispatchHandlerErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "payload", err: errors.NewSipPayload("bad body"), want: 488},
		{name: "network", err: errors.NewSipNetwork("no route", nil), want: 503},
		{name: "session exists", err: errors.NewSessionAlreadyExists("call-1"), want: 486},
		{name: "other", err: stderrors.New("boom"), want: 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fake.err = tt.err

			tx := h.runOne(t, invite(msrpSDP("accept-types:message/cpim"), acceptContact(imssip.FeatureOmaIM)))
			assert.Equal(t, []int{100, tt.want}, tx.Codes())
		})
	}
}

func TestDispatchErrorAfterFinalResponse(t *testing.T) {
	h := newHarness(t)
	h.fake.err = errors.NewSipNetwork("ACK lost", nil)
	h.fake.respondFirst = 200

	tx := h.runOne(t, request(sip.OPTIONS))
	assert.Equal(t, []int{200}, tx.Codes())
}

func TestDispatchRecoversPanics(t *testing.T) {
	metrics.Init(nil)
	before := testutil.ToFloat64(metrics.DispatchErrors.WithLabelValues("panic"))

	h := newHarness(t)
	h.fake.panicNext = true

	txs := h.run(t, request(sip.OPTIONS), request(sip.OPTIONS))

	assert.Equal(t, []int{500}, txs[0].Codes())
	assert.Empty(t, txs[1].Codes())
	assert.Equal(t, []string{"ReceiveCapabilityRequest", "ReceiveCapabilityRequest"}, h.fake.Calls(), "the loop survives")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DispatchErrors.WithLabelValues("panic")))
}

func TestDispatcherLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.d.Start(ctx)
	in, _ := siptest.Inbound(request(sip.OPTIONS))
	h.d.PostSipRequest(in)
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	h.d.Close()
	select {
	case <-h.d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not stop")
	}

	late, tx := siptest.Inbound(request(sip.OPTIONS))
	h.d.PostSipRequest(late)
	assert.Equal(t, []int{503}, tx.Codes())
	assert.Len(t, h.fake.Calls(), 1)

	assert.Error(t, h.d.Run(ctx), "a dispatcher runs once")
}

func TestDispatcherStopsOnContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, h.d.Run(ctx), context.Canceled)
	<-h.d.Done()
}
