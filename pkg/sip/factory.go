package sip

import (
	"strings"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Content types used by session bodies
const (
	ContentTypeSDP       = "application/sdp"
	ContentTypeMultipart = "multipart/mixed"
)

// MessageFactory builds the SIP requests and responses of a session dialog.
// It carries the identity of the local endpoint.
type MessageFactory struct {
	// UserAgent is sent in User-Agent headers when set
	UserAgent string
	// InstanceID is the +sip.instance advertised in Contact headers
	InstanceID string
	// DisplayName is used in From headers of new dialogs
	DisplayName string
}

// NewCallID returns a fresh Call-ID
func NewCallID() string {
	return uuid.NewString()
}

// NewTag returns a fresh dialog tag
func NewTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CreateResponse builds a response to req. Responses above 100 to a request
// without to-tag carry localTag, replacing the random tag sipgo generates, so
// that every response of the dialog shares the same tag.
func (f *MessageFactory) CreateResponse(req *sip.Request, localTag string, code int, reason string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if code > 100 && localTag != "" && ToTag(req) == "" {
		setToTag(res, localTag)
	}
	if f.UserAgent != "" {
		res.AppendHeader(sip.NewHeader("Server", f.UserAgent))
	}
	return res
}

func setToTag(res *sip.Response, tag string) {
	to := res.To()
	if to == nil {
		return
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", tag)
}

// CreateSessionResponse builds a dialog creating response carrying the local
// Contact, feature tags and an optional body.
func (f *MessageFactory) CreateSessionResponse(d *DialogPath, code int, reason string, featureTags []string, contentType string, body []byte) *sip.Response {
	return f.CreateDialogResponse(d.Invite(), d, code, reason, featureTags, contentType, body)
}

// CreateDialogResponse answers an in-dialog request such as a re-INVITE or
// an UPDATE with the local Contact and an optional body.
func (f *MessageFactory) CreateDialogResponse(req *sip.Request, d *DialogPath, code int, reason string, featureTags []string, contentType string, body []byte) *sip.Response {
	res := f.CreateResponse(req, d.LocalTag(), code, reason)
	res.AppendHeader(f.contactHeader(d.Contact(), featureTags))
	res.AppendHeader(sip.NewHeader(HeaderAllow, AllowedMethods))
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		res.AppendHeader(&ct)
		res.SetBody(body)
	}
	return res
}

// CreateInvite builds the initial INVITE of an originating dialog. The
// current CSeq of the dialog is used.
func (f *MessageFactory) CreateInvite(d *DialogPath, featureTags []string, contentType string, body []byte) *sip.Request {
	req := f.createRequest(sip.INVITE, d)
	if len(featureTags) > 0 {
		req.AppendHeader(sip.NewHeader(HeaderAcceptContact, "*;"+strings.Join(featureTags, ";")))
	}
	req.AppendHeader(sip.NewHeader(HeaderAllow, AllowedMethods))
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	req.AppendHeader(f.contactHeader(d.Contact(), featureTags))
	return req
}

// CreateReInvite builds an in-dialog INVITE with the last local content.
// The caller increments the CSeq first.
func (f *MessageFactory) CreateReInvite(d *DialogPath, featureTags []string, contentType string, body []byte) *sip.Request {
	req := f.createRequest(sip.INVITE, d)
	req.AppendHeader(f.contactHeader(d.Contact(), featureTags))
	req.AppendHeader(sip.NewHeader(HeaderAllow, AllowedMethods))
	if len(body) > 0 {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(body)
	}
	return req
}

// CreateUpdate builds an in-dialog UPDATE without body
func (f *MessageFactory) CreateUpdate(d *DialogPath) *sip.Request {
	req := f.createRequest(sip.UPDATE, d)
	req.AppendHeader(f.contactHeader(d.Contact(), nil))
	return req
}

// CreateBye builds an in-dialog BYE. The caller increments the CSeq first.
func (f *MessageFactory) CreateBye(d *DialogPath) *sip.Request {
	return f.createRequest(sip.BYE, d)
}

// CreateAck builds the ACK for a 2xx to the last INVITE of the dialog
func (f *MessageFactory) CreateAck(d *DialogPath) *sip.Request {
	req := f.createRequest(sip.ACK, d)
	if invite := d.Invite(); invite != nil {
		if cseq := invite.CSeq(); cseq != nil {
			req.CSeq().SeqNo = cseq.SeqNo
		}
	}
	return req
}

// CreateCancel builds a CANCEL matching the pending INVITE of the dialog
func (f *MessageFactory) CreateCancel(d *DialogPath) *sip.Request {
	invite := d.Invite()
	if invite == nil {
		return nil
	}
	cancel := sip.NewRequest(sip.CANCEL, invite.Recipient)
	sip.CopyHeaders("Via", invite, cancel)
	sip.CopyHeaders("From", invite, cancel)
	sip.CopyHeaders("To", invite, cancel)
	sip.CopyHeaders("Call-ID", invite, cancel)
	sip.CopyHeaders("Route", invite, cancel)
	if cseq := invite.CSeq(); cseq != nil {
		cancel.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancel.AppendHeader(&maxFwd)
	if dest := d.Destination(); dest != "" {
		cancel.SetDestination(dest)
	}
	return cancel
}

// CreateOptions builds an out-of-dialog OPTIONS used for capability queries
func (f *MessageFactory) CreateOptions(local, remote, contact sip.Uri, featureTags []string) *sip.Request {
	d := NewOriginatingDialogPath(NewCallID(), NewTag(), local, remote, contact)
	req := f.createRequest(sip.OPTIONS, d)
	req.AppendHeader(f.contactHeader(contact, featureTags))
	req.AppendHeader(sip.NewHeader("Accept", ContentTypeSDP))
	return req
}

// createRequest fills the dialog headers of a request. Via is added by the
// transport.
func (f *MessageFactory) createRequest(method sip.RequestMethod, d *DialogPath) *sip.Request {
	req := sip.NewRequest(method, d.Target())

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	for _, route := range d.Route() {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", d.LocalTag())
	from := &sip.FromHeader{Address: d.LocalParty(), Params: fromParams}
	if d.IsOriginating() {
		from.DisplayName = f.DisplayName
	}
	req.AppendHeader(from)

	toParams := sip.NewParams()
	if tag := d.RemoteTag(); tag != "" {
		toParams.Add("tag", tag)
	}
	req.AppendHeader(&sip.ToHeader{Address: d.RemoteParty(), Params: toParams})

	callID := sip.CallIDHeader(d.CallID())
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: d.Cseq(), MethodName: method})

	if f.UserAgent != "" {
		req.AppendHeader(sip.NewHeader(HeaderUserAgent, f.UserAgent))
	}
	if dest := d.Destination(); dest != "" {
		req.SetDestination(dest)
	}
	return req
}

// contactHeader renders the local Contact with feature tags and the sip
// instance.
func (f *MessageFactory) contactHeader(contact sip.Uri, featureTags []string) sip.Header {
	var b strings.Builder
	b.WriteString("<")
	b.WriteString(contact.String())
	b.WriteString(">")
	for _, tag := range featureTags {
		b.WriteString(";")
		b.WriteString(tag)
	}
	if f.InstanceID != "" {
		b.WriteString(";" + FeatureSipInstance + `="` + f.InstanceID + `"`)
	}
	return sip.NewHeader("Contact", b.String())
}

// AddSessionTimerHeaders adds the RFC 4028 headers to a session request or response
func AddSessionTimerHeaders(msg interface {
	GetHeader(name string) sip.Header
	ReplaceHeader(header sip.Header)
	AppendHeader(header sip.Header)
}, expire, minExpire int, refresher string) {
	if expire <= 0 {
		return
	}
	SetHeader(msg, HeaderSupported, "timer")
	SetHeader(msg, HeaderSessionExpires, FormatSessionExpires(expire, refresher))
	if minExpire > 0 {
		SetHeader(msg, HeaderMinSE, FormatSessionExpires(minExpire, ""))
	}
}

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	200: "OK",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	407: "Proxy Authentication Required",
	415: "Unsupported Media Type",
	422: "Session Interval Too Small",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	489: "Bad Event",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
	606: "Not Acceptable",
}

// ReasonPhrase returns the reason phrase of the status codes used by the client
func ReasonPhrase(code int) string {
	if reason, ok := reasonPhrases[code]; ok {
		return reason
	}
	return "Unknown"
}
