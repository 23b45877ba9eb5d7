package sip

import (
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// DialogState is the signalling progress of a dialog
type DialogState int

const (
	DialogCreated DialogState = iota
	DialogSignalingEstablished
	DialogSessionEstablished
	DialogTerminated
)

func (s DialogState) String() string {
	switch s {
	case DialogCreated:
		return "created"
	case DialogSignalingEstablished:
		return "signaling-established"
	case DialogSessionEstablished:
		return "session-established"
	case DialogTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// DialogPath holds the identity and state of one SIP dialog. It belongs to a
// single session and is never shared.
type DialogPath struct {
	mu sync.RWMutex

	callID      string
	cseq        uint32
	localTag    string
	remoteTag   string
	localParty  sip.Uri
	remoteParty sip.Uri
	target      sip.Uri
	contact     sip.Uri
	route       []string
	destination string
	originating bool

	invite   *sip.Request
	inviteTx ServerTransaction

	localContent  []byte
	remoteContent []byte

	sessionExpireTime    int
	minSessionExpireTime int
	remoteSipInstance    string

	sigEstablished     bool
	sessionEstablished bool
	sessionTerminated  bool
	sessionCancelled   bool
}

// NewOriginatingDialogPath creates the dialog of a locally initiated session
func NewOriginatingDialogPath(callID, localTag string, localParty, remoteParty, contact sip.Uri) *DialogPath {
	return &DialogPath{
		callID:      callID,
		cseq:        1,
		localTag:    localTag,
		localParty:  localParty,
		remoteParty: remoteParty,
		target:      remoteParty,
		contact:     contact,
		originating: true,
	}
}

// NewTerminatingDialogPath creates the dialog of a remotely initiated session
// from its INVITE.
func NewTerminatingDialogPath(invite *sip.Request, tx ServerTransaction, localTag string, contact sip.Uri) *DialogPath {
	d := &DialogPath{
		callID:        CallID(invite),
		cseq:          CSeqNumber(invite),
		localTag:      localTag,
		remoteTag:     FromTag(invite),
		target:        invite.Recipient,
		contact:       contact,
		invite:        invite,
		inviteTx:      tx,
		remoteContent: invite.Body(),
		route:         recordRoutes(invite, false),
	}
	if from := invite.From(); from != nil {
		d.remoteParty = from.Address
	}
	if to := invite.To(); to != nil {
		d.localParty = to.Address
	}
	if c := invite.Contact(); c != nil {
		d.target = c.Address
	}
	d.remoteSipInstance = ContactInstance(invite)
	return d
}

// recordRoutes returns the route set learnt from Record-Route headers. A UAC
// uses them in reverse order.
func recordRoutes(msg message, reverse bool) []string {
	values := HeaderValues(msg, "Record-Route")
	if !reverse {
		return values
	}
	route := make([]string, len(values))
	for i, v := range values {
		route[len(values)-1-i] = v
	}
	return route
}

func (d *DialogPath) CallID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.callID
}

// Cseq returns the current local sequence number
func (d *DialogPath) Cseq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cseq
}

// IncrementCseq advances the local sequence number and returns the new value.
// It must be called before building any new in-dialog request.
func (d *DialogPath) IncrementCseq() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cseq++
	return d.cseq
}

// SyncCseq raises the local sequence number to at least seq
func (d *DialogPath) SyncCseq(seq uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if seq > d.cseq {
		d.cseq = seq
	}
}

func (d *DialogPath) LocalTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localTag
}

func (d *DialogPath) RemoteTag() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTag
}

func (d *DialogPath) SetRemoteTag(tag string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteTag = tag
}

func (d *DialogPath) LocalParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localParty
}

func (d *DialogPath) RemoteParty() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteParty
}

// Target is the remote target used as request-URI of in-dialog requests
func (d *DialogPath) Target() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.target
}

func (d *DialogPath) SetTarget(target sip.Uri) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.target = target
}

// Contact is the local contact address
func (d *DialogPath) Contact() sip.Uri {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contact
}

func (d *DialogPath) Route() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.route...)
}

func (d *DialogPath) SetRoute(route []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.route = append([]string(nil), route...)
}

// Destination is the transport address requests are sent to, when it differs
// from the request-URI (outbound proxy).
func (d *DialogPath) Destination() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destination
}

func (d *DialogPath) SetDestination(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destination = addr
}

func (d *DialogPath) IsOriginating() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.originating
}

// Invite is the last INVITE sent or received on this dialog
func (d *DialogPath) Invite() *sip.Request {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.invite
}

func (d *DialogPath) SetInvite(invite *sip.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invite = invite
}

// InviteTransaction is the server transaction of a received INVITE
func (d *DialogPath) InviteTransaction() ServerTransaction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inviteTx
}

func (d *DialogPath) SetInviteTransaction(tx ServerTransaction) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inviteTx = tx
}

func (d *DialogPath) LocalContent() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localContent
}

func (d *DialogPath) SetLocalContent(content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.localContent = content
}

func (d *DialogPath) RemoteContent() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteContent
}

func (d *DialogPath) SetRemoteContent(content []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteContent = content
}

// SessionExpireTime is the negotiated session interval in seconds
func (d *DialogPath) SessionExpireTime() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionExpireTime
}

func (d *DialogPath) SetSessionExpireTime(seconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionExpireTime = seconds
}

func (d *DialogPath) MinSessionExpireTime() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.minSessionExpireTime
}

func (d *DialogPath) SetMinSessionExpireTime(seconds int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.minSessionExpireTime = seconds
}

func (d *DialogPath) RemoteSipInstance() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSipInstance
}

func (d *DialogPath) SetRemoteSipInstance(instance string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remoteSipInstance = instance
}

// ApplyFinalResponse captures the remote tag, target and route set of a 2xx
// to an INVITE sent on this dialog.
func (d *DialogPath) ApplyFinalResponse(res *sip.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tag := ToTag(res); tag != "" {
		d.remoteTag = tag
	}
	if c := res.Contact(); c != nil {
		d.target = c.Address
	}
	if route := recordRoutes(res, true); len(route) > 0 {
		d.route = route
	}
	if body := res.Body(); len(body) > 0 {
		d.remoteContent = body
	}
}

// SigEstablished marks the signalling as established (2xx exchanged)
func (d *DialogPath) SigEstablished() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sigEstablished = true
}

func (d *DialogPath) IsSigEstablished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sigEstablished
}

// SessionEstablished marks the session as established (ACK exchanged)
func (d *DialogPath) SessionEstablished() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionEstablished = true
}

func (d *DialogPath) IsSessionEstablished() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionEstablished
}

// SessionTerminated marks the dialog as closed. It returns false when the
// dialog was already terminated.
func (d *DialogPath) SessionTerminated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sessionTerminated {
		return false
	}
	d.sessionTerminated = true
	return true
}

func (d *DialogPath) IsSessionTerminated() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionTerminated
}

func (d *DialogPath) SessionCancelled() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessionCancelled = true
}

func (d *DialogPath) IsSessionCancelled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessionCancelled
}

// State summarises the dialog flags
func (d *DialogPath) State() DialogState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	switch {
	case d.sessionTerminated:
		return DialogTerminated
	case d.sessionEstablished:
		return DialogSessionEstablished
	case d.sigEstablished:
		return DialogSignalingEstablished
	default:
		return DialogCreated
	}
}

// IsRemoteParty reports whether uri designates the remote party, ignoring parameters
func (d *DialogPath) IsRemoteParty(uri sip.Uri) bool {
	remote := d.RemoteParty()
	return strings.EqualFold(remote.User, uri.User) && strings.EqualFold(remote.Host, uri.Host)
}
