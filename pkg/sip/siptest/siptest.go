// Package siptest provides request builders and an in-memory transport for
// exercising sessions and services without a network.
package siptest

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"

	imssip "rcs-ims-core/pkg/sip"
)

// Param is a header parameter. An empty Value renders a flag parameter.
type Param struct {
	Key   string
	Value string
}

// Request describes a request to build
type Request struct {
	Method        sip.RequestMethod
	RequestURI    string
	From          string
	FromTag       string
	To            string
	ToTag         string
	CallID        string
	CSeq          uint32
	Contact       string
	ContactParams []Param
	Headers       [][2]string
	ContentType   string
	Body          []byte
}

// MustUri parses a SIP URI and panics on failure
func MustUri(s string) sip.Uri {
	var uri sip.Uri
	if err := sip.ParseUri(s, &uri); err != nil {
		panic(err)
	}
	return uri
}

// Build creates the request with typed headers, as the sipgo parser would
func (r Request) Build() *sip.Request {
	if r.Method == "" {
		r.Method = sip.INVITE
	}
	if r.CSeq == 0 {
		r.CSeq = 1
	}
	if r.CallID == "" {
		r.CallID = imssip.NewCallID()
	}
	if r.FromTag == "" {
		r.FromTag = imssip.NewTag()
	}
	if r.RequestURI == "" {
		r.RequestURI = r.To
	}

	req := sip.NewRequest(r.Method, MustUri(r.RequestURI))

	via := sip.NewHeader("Via", "SIP/2.0/UDP 192.0.2.1:5060;branch="+sip.GenerateBranch())
	req.AppendHeader(via)

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	fromParams := sip.NewParams()
	fromParams.Add("tag", r.FromTag)
	req.AppendHeader(&sip.FromHeader{Address: MustUri(r.From), Params: fromParams})

	toParams := sip.NewParams()
	if r.ToTag != "" {
		toParams.Add("tag", r.ToTag)
	}
	req.AppendHeader(&sip.ToHeader{Address: MustUri(r.To), Params: toParams})

	callID := sip.CallIDHeader(r.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.CSeq, MethodName: r.Method})

	if r.Contact != "" {
		params := sip.NewParams()
		for _, p := range r.ContactParams {
			params.Add(p.Key, p.Value)
		}
		req.AppendHeader(&sip.ContactHeader{Address: MustUri(r.Contact), Params: params})
	}

	for _, h := range r.Headers {
		req.AppendHeader(sip.NewHeader(h[0], h[1]))
	}

	if len(r.Body) > 0 {
		contentType := r.ContentType
		if contentType == "" {
			contentType = imssip.ContentTypeSDP
		}
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
		req.SetBody(r.Body)
	}
	return req
}

// RemoteTag is the to-tag of responses built by Response
const RemoteTag = "remote-tag"

// Response builds a response to req with optional extra headers
func Response(req *sip.Request, code int, reason string, headers ...[2]string) *sip.Response {
	res := sip.NewResponseFromRequest(req, sip.StatusCode(code), reason, nil)
	if to := res.To(); code > 100 && to != nil && imssip.ToTag(req) == "" {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		to.Params.Add("tag", RemoteTag)
	}
	for _, h := range headers {
		res.AppendHeader(sip.NewHeader(h[0], h[1]))
	}
	return res
}

// WithBody sets an SDP body on res
func WithBody(res *sip.Response, body []byte) *sip.Response {
	ct := sip.ContentTypeHeader(imssip.ContentTypeSDP)
	res.AppendHeader(&ct)
	res.SetBody(body)
	return res
}

// ServerTx records the responses sent on an inbound transaction
type ServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
}

// Respond records res
func (tx *ServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.responses = append(tx.responses, res)
	return nil
}

// Codes returns the status codes sent so far
func (tx *ServerTx) Codes() []int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	codes := make([]int, 0, len(tx.responses))
	for _, res := range tx.responses {
		codes = append(codes, int(res.StatusCode))
	}
	return codes
}

// Responses returns the responses sent so far
func (tx *ServerTx) Responses() []*sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*sip.Response(nil), tx.responses...)
}

// Last returns the last response sent, or nil
func (tx *ServerTx) Last() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

// Inbound wraps req in an InboundRequest answered on a fresh ServerTx
func Inbound(req *sip.Request) (*imssip.InboundRequest, *ServerTx) {
	tx := &ServerTx{}
	return imssip.NewInboundRequest(req, tx), tx
}

// Exchange is the scripted outcome of a request sent through the Transport
type Exchange struct {
	Provisionals []*sip.Response
	Final        *sip.Response
	Err          error
}

// Transport is an in-memory Transport. Responder scripts the answers to
// requests sent with SendSipMessageAndWait; a nil Final behaves as a timeout.
type Transport struct {
	mu sync.Mutex

	Responder func(req *sip.Request) Exchange
	// DropAck makes SendSipResponseAndWaitAck report a missing ACK
	DropAck bool

	requests  []*sip.Request
	responses []*sip.Response
	acks      []*sip.Request
	byes      []*sip.Request
	cancels   []*sip.Request
}

var _ imssip.Transport = (*Transport)(nil)

// SendSipResponse records res and forwards it to tx
func (t *Transport) SendSipResponse(tx imssip.ServerTransaction, res *sip.Response) error {
	t.mu.Lock()
	t.responses = append(t.responses, res)
	t.mu.Unlock()
	if tx != nil {
		return tx.Respond(res)
	}
	return nil
}

// SendSipResponseAndWaitAck records res and simulates the ACK
func (t *Transport) SendSipResponseAndWaitAck(_ context.Context, tx imssip.ServerTransaction, res *sip.Response, _ time.Duration) (*imssip.TransactionContext, error) {
	if err := t.SendSipResponse(tx, res); err != nil {
		return nil, err
	}
	t.mu.Lock()
	drop := t.DropAck
	t.mu.Unlock()
	return &imssip.TransactionContext{Response: res, AckReceived: !drop}, nil
}

// SendSipMessageAndWait records req and returns the scripted exchange
func (t *Transport) SendSipMessageAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional imssip.ProvisionalHandler) (*imssip.TransactionContext, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	responder := t.Responder
	t.mu.Unlock()

	result := &imssip.TransactionContext{Request: req}
	if responder == nil {
		return result, nil
	}
	exchange := responder(req)
	if exchange.Err != nil {
		return nil, exchange.Err
	}
	for _, res := range exchange.Provisionals {
		if onProvisional != nil {
			onProvisional(res)
		}
	}
	result.Response = exchange.Final
	return result, nil
}

// SendSipAck records ack
func (t *Transport) SendSipAck(ack *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acks = append(t.acks, ack)
	return nil
}

// SendSipBye records bye
func (t *Transport) SendSipBye(_ context.Context, bye *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byes = append(t.byes, bye)
	return nil
}

// SendSipCancel records cancel
func (t *Transport) SendSipCancel(_ context.Context, cancel *sip.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels = append(t.cancels, cancel)
	return nil
}

// Requests returns the requests sent with SendSipMessageAndWait, optionally
// filtered by method.
func (t *Transport) Requests(method ...sip.RequestMethod) []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(method) == 0 {
		return append([]*sip.Request(nil), t.requests...)
	}
	var out []*sip.Request
	for _, req := range t.requests {
		if req.Method == method[0] {
			out = append(out, req)
		}
	}
	return out
}

// Responses returns the responses sent so far
func (t *Transport) Responses() []*sip.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Response(nil), t.responses...)
}

// ResponseCodes returns the status codes of the responses sent so far
func (t *Transport) ResponseCodes() []int {
	var codes []int
	for _, res := range t.Responses() {
		codes = append(codes, int(res.StatusCode))
	}
	return codes
}

func (t *Transport) Acks() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.acks...)
}

func (t *Transport) Byes() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.byes...)
}

func (t *Transport) Cancels() []*sip.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*sip.Request(nil), t.cancels...)
}
