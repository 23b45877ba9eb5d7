package sip

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
)

// ServerTransaction is the part of an inbound transaction used to answer it.
// sipgo's sip.ServerTransaction satisfies it.
type ServerTransaction interface {
	Respond(res *sip.Response) error
}

// InboundRequest is a request delivered by the transport to the dispatcher
type InboundRequest struct {
	Request  *sip.Request
	Tx       ServerTransaction
	Received time.Time

	finalOnce sync.Once
	final     chan struct{}
}

// NewInboundRequest wraps req and its server transaction
func NewInboundRequest(req *sip.Request, tx ServerTransaction) *InboundRequest {
	return &InboundRequest{
		Request:  req,
		Tx:       tx,
		Received: time.Now(),
		final:    make(chan struct{}),
	}
}

// CallID returns the Call-ID of the request or an empty string
func (r *InboundRequest) CallID() string {
	return CallID(r.Request)
}

// Respond sends res on the request's transaction and records final responses
func (r *InboundRequest) Respond(res *sip.Response) error {
	if r.Tx == nil {
		return nil
	}
	err := r.Tx.Respond(res)
	if int(res.StatusCode) >= 200 {
		r.markFinal()
	}
	return err
}

// Finalized is closed once a final response has been sent
func (r *InboundRequest) Finalized() <-chan struct{} {
	return r.final
}

func (r *InboundRequest) markFinal() {
	r.finalOnce.Do(func() { close(r.final) })
}

// RequestSink consumes inbound requests
type RequestSink interface {
	PostSipRequest(req *InboundRequest)
}

// ProvisionalHandler receives 1xx responses while a request waits for its final response
type ProvisionalHandler func(res *sip.Response)

// TransactionContext is the result of a request/response exchange
type TransactionContext struct {
	Request     *sip.Request
	Response    *sip.Response
	AckReceived bool
	Ack         *sip.Request
}

// StatusCode returns the final status code, or 0 when no response arrived
func (t *TransactionContext) StatusCode() int {
	if t == nil || t.Response == nil {
		return 0
	}
	return int(t.Response.StatusCode)
}

// IsSipResponse reports whether a final response was received
func (t *TransactionContext) IsSipResponse() bool {
	return t.StatusCode() != 0
}

// IsSipAck reports whether the ACK for a 2xx was received
func (t *TransactionContext) IsSipAck() bool {
	return t != nil && t.AckReceived
}

// Transport is the SIP transport/transaction boundary used by sessions and
// services. Implementations own retransmission and transaction matching.
type Transport interface {
	// SendSipResponse sends res on an inbound transaction
	SendSipResponse(tx ServerTransaction, res *sip.Response) error

	// SendSipResponseAndWaitAck sends a 2xx to an INVITE and waits for its ACK
	SendSipResponseAndWaitAck(ctx context.Context, tx ServerTransaction, res *sip.Response, timeout time.Duration) (*TransactionContext, error)

	// SendSipMessageAndWait sends req and blocks until a final response, the
	// timeout or ctx cancellation. onProvisional may be nil.
	SendSipMessageAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional ProvisionalHandler) (*TransactionContext, error)

	// SendSipAck sends an ACK for a 2xx outside of any transaction
	SendSipAck(ack *sip.Request) error

	// SendSipBye sends a BYE without waiting for its final response
	SendSipBye(ctx context.Context, bye *sip.Request) error

	// SendSipCancel sends a CANCEL for a pending INVITE without waiting for its final response
	SendSipCancel(ctx context.Context, cancel *sip.Request) error
}
