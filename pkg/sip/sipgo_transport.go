package sip

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/errors"
)

// inboundMethods are the requests handed to the RequestSink
var inboundMethods = []sip.RequestMethod{
	sip.INVITE,
	sip.BYE,
	sip.CANCEL,
	sip.OPTIONS,
	sip.MESSAGE,
	sip.NOTIFY,
	sip.UPDATE,
	sip.INFO,
	sip.REFER,
	sip.SUBSCRIBE,
}

// TransportConfig configures the sipgo transport
type TransportConfig struct {
	Network       string // udp, tcp, tls or ws
	ListenAddress string
	Hostname      string
	UserAgent     string
	Timeouts      *TimeoutConfig
}

// SipgoTransport implements Transport on top of sipgo
type SipgoTransport struct {
	logger   *logrus.Logger
	config   TransportConfig
	timeouts *TimeoutHandler

	ua     *sipgo.UserAgent
	server *sipgo.Server
	client *sipgo.Client

	sinkMu sync.RWMutex
	sink   RequestSink

	// ACK waiters keyed by Call-ID and CSeq number
	ackWaiters *ShardedMap[chan *sip.Request]

	wg sync.WaitGroup
}

// NewSipgoTransport creates the user agent, server and client
func NewSipgoTransport(config TransportConfig, logger *logrus.Logger) (*SipgoTransport, error) {
	if config.Network == "" {
		config.Network = "udp"
	}

	uaOpts := []sipgo.UserAgentOption{}
	if config.UserAgent != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgent(config.UserAgent))
	}
	if config.Hostname != "" {
		uaOpts = append(uaOpts, sipgo.WithUserAgentHostname(config.Hostname))
	}

	ua, err := sipgo.NewUA(uaOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}

	server, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create SIP server: %w", err)
	}

	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create SIP client: %w", err)
	}

	t := &SipgoTransport{
		logger:     logger,
		config:     config,
		timeouts:   NewTimeoutHandler(config.Timeouts, logger),
		ua:         ua,
		server:     server,
		client:     client,
		ackWaiters: NewShardedMap[chan *sip.Request](32),
	}

	for _, method := range inboundMethods {
		server.OnRequest(method, t.handleRequest)
	}
	server.OnRequest(sip.ACK, t.handleAck)

	return t, nil
}

// SetRequestSink sets the consumer of inbound requests
func (t *SipgoTransport) SetRequestSink(sink RequestSink) {
	t.sinkMu.Lock()
	defer t.sinkMu.Unlock()
	t.sink = sink
}

// ListenAndServe serves until ctx is cancelled
func (t *SipgoTransport) ListenAndServe(ctx context.Context) error {
	t.logger.WithFields(logrus.Fields{
		"network": t.config.Network,
		"address": t.config.ListenAddress,
	}).Info("Starting SIP transport")

	return t.server.ListenAndServe(ctx, t.config.Network, t.config.ListenAddress)
}

// Close releases the user agent and waits for in-flight requests
func (t *SipgoTransport) Close() error {
	err := t.ua.Close()
	t.wg.Wait()
	return err
}

// handleRequest hands req to the sink and keeps the server transaction open
// until it is answered.
func (t *SipgoTransport) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	t.sinkMu.RLock()
	sink := t.sink
	t.sinkMu.RUnlock()

	if sink == nil {
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		if err := tx.Respond(res); err != nil {
			t.logger.WithError(err).Debug("Failed to reject request without sink")
		}
		return
	}

	t.wg.Add(1)
	defer t.wg.Done()

	in := NewInboundRequest(req, tx)
	sink.PostSipRequest(in)

	select {
	case <-in.Finalized():
	case <-tx.Done():
	}
}

func (t *SipgoTransport) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	key := ackKey(CallID(req), CSeqNumber(req))
	waiter, ok := t.ackWaiters.LoadAndDelete(key)
	if !ok {
		t.logger.WithField("call_id", CallID(req)).Debug("Dropping ACK without waiter")
		return
	}
	waiter <- req
}

func ackKey(callID string, cseq uint32) string {
	return callID + ":" + strconv.FormatUint(uint64(cseq), 10)
}

// SendSipResponse sends res on an inbound transaction
func (t *SipgoTransport) SendSipResponse(tx ServerTransaction, res *sip.Response) error {
	if err := tx.Respond(res); err != nil {
		return errors.NewSipNetwork("cannot send response", err, map[string]interface{}{
			"status": int(res.StatusCode),
		})
	}
	return nil
}

// SendSipResponseAndWaitAck sends a 2xx and waits for the matching ACK. A
// missing ACK is reported through the returned context, not as an error.
func (t *SipgoTransport) SendSipResponseAndWaitAck(ctx context.Context, tx ServerTransaction, res *sip.Response, timeout time.Duration) (*TransactionContext, error) {
	var callID string
	if h := res.CallID(); h != nil {
		callID = h.Value()
	}
	key := ackKey(callID, CSeqNumber(res))
	waiter := make(chan *sip.Request, 1)
	t.ackWaiters.Store(key, waiter)
	defer t.ackWaiters.Delete(key)

	if err := t.SendSipResponse(tx, res); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.timeouts.Resolve("ACK", timeout))
	defer timer.Stop()

	result := &TransactionContext{Response: res}
	select {
	case ack := <-waiter:
		result.AckReceived = true
		result.Ack = ack
	case <-timer.C:
	case <-ctx.Done():
		return result, errors.Wrap(errors.ErrCanceled, ctx.Err().Error())
	}
	return result, nil
}

// SendSipMessageAndWait sends req in a client transaction and waits for its
// final response. A timeout returns a context without response.
func (t *SipgoTransport) SendSipMessageAndWait(ctx context.Context, req *sip.Request, timeout time.Duration, onProvisional ProvisionalHandler) (*TransactionContext, error) {
	method := string(req.Method)
	ctx, cancel := t.timeouts.Bound(ctx, method, timeout)
	defer cancel()

	tx, err := t.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.NewSipNetwork("cannot send "+method, err)
	}
	defer tx.Terminate()

	result := &TransactionContext{Request: req}
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if int(res.StatusCode) < 200 {
				if onProvisional != nil {
					onProvisional(res)
				}
				continue
			}
			result.Response = res
			return result, nil
		case <-tx.Done():
			if txErr := tx.Err(); txErr != nil {
				return result, errors.NewSipNetwork(method+" transaction failed", txErr)
			}
			return result, nil
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				t.logger.WithFields(logrus.Fields{
					"method":  method,
					"call_id": CallID(req),
				}).Warn("No final response before timeout")
				return result, nil
			}
			return result, errors.Wrap(errors.ErrCanceled, ctx.Err().Error())
		}
	}
}

// SendSipAck sends the ACK of a 2xx
func (t *SipgoTransport) SendSipAck(ack *sip.Request) error {
	if err := t.client.WriteRequest(ack); err != nil {
		return errors.NewSipNetwork("cannot send ACK", err)
	}
	return nil
}

// SendSipBye sends a BYE and drains its transaction in the background
func (t *SipgoTransport) SendSipBye(ctx context.Context, bye *sip.Request) error {
	return t.sendAndForget(ctx, bye)
}

// SendSipCancel sends a CANCEL and drains its transaction in the background
func (t *SipgoTransport) SendSipCancel(ctx context.Context, cancel *sip.Request) error {
	return t.sendAndForget(ctx, cancel)
}

func (t *SipgoTransport) sendAndForget(ctx context.Context, req *sip.Request) error {
	method := string(req.Method)
	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeouts.GetMethodTimeout(method))

	tx, err := t.client.TransactionRequest(txCtx, req)
	if err != nil {
		cancel()
		return errors.NewSipNetwork("cannot send "+method, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		defer tx.Terminate()
		for {
			select {
			case res := <-tx.Responses():
				if res != nil && int(res.StatusCode) >= 200 {
					t.logger.WithFields(logrus.Fields{
						"method":  method,
						"call_id": CallID(req),
						"status":  int(res.StatusCode),
					}).Debug("Received final response")
					return
				}
			case <-tx.Done():
				return
			case <-txCtx.Done():
				return
			}
		}
	}()
	return nil
}
