// Package service implements the IMS services the dispatcher routes inbound
// traffic to. Each session owning service wraps an ims.Service registry and
// starts one terminating session per accepted invitation.
package service

import (
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// MediaConfig describes the local media endpoint put in SDP answers and offers
type MediaConfig struct {
	Address     string
	MsrpPort    int
	AudioPort   int
	VideoPort   int
	AudioCodecs []imssip.Codec
	VideoCodecs []imssip.Codec
}

// DefaultMediaConfig returns ports and codecs for address
func DefaultMediaConfig(address string) MediaConfig {
	return MediaConfig{
		Address:   address,
		MsrpPort:  20000,
		AudioPort: 30000,
		VideoPort: 30002,
		AudioCodecs: []imssip.Codec{
			{PayloadType: 96, Name: "AMR-WB", ClockRate: 16000, Fmtp: "octet-align=1"},
			{PayloadType: 0, Name: "PCMU", ClockRate: 8000},
		},
		VideoCodecs: []imssip.Codec{
			{PayloadType: 97, Name: "H264", ClockRate: 90000, Fmtp: "profile-level-id=42e00c;packetization-mode=1"},
		},
	}
}

// Invitation is an inbound session waiting for the local decision
type Invitation struct {
	Session *ims.Session
	Kind    ims.MediaKind
	// Transfer tells where a file transfer over HTTP was received
	Transfer string
	// Extension is the IARI extension of a generic SIP session
	Extension string
	// StoreAndForward marks chats and notifications relayed by the network
	StoreAndForward bool
}

// InvitationHandler is told about every new inbound session. It runs on the
// dispatch goroutine and must not block; the decision is given later with
// Session.AcceptSession or Session.RejectSession. Without a decision the
// invitation rings out after the ringing period.
type InvitationHandler interface {
	OnInvitation(inv *Invitation)
}

// InvitationHandlerFunc adapts a function to InvitationHandler
type InvitationHandlerFunc func(inv *Invitation)

func (f InvitationHandlerFunc) OnInvitation(inv *Invitation) { f(inv) }

// AutoAnswer is an InvitationHandler that accepts every invitation when
// Accept is set and otherwise lets it ring out
type AutoAnswer struct {
	Accept bool
	Logger *logrus.Logger
}

func (a AutoAnswer) OnInvitation(inv *Invitation) {
	if a.Logger != nil {
		a.Logger.WithFields(logrus.Fields{
			"session_id": inv.Session.ID(),
			"kind":       inv.Kind.String(),
			"contact":    inv.Session.RemoteContact(),
			"accept":     a.Accept,
		}).Info("Incoming invitation")
	}
	if a.Accept {
		inv.Session.AcceptSession()
	}
}

// base holds what the session owning services share
type base struct {
	svc         *ims.Service
	logger      *logrus.Logger
	media       MediaConfig
	invitations InvitationHandler
}

func newBase(name string, core *ims.Core, media MediaConfig, invitations InvitationHandler) base {
	svc := ims.NewService(name, core)
	return base{
		svc:         svc,
		logger:      svc.Core().Logger,
		media:       media,
		invitations: invitations,
	}
}

// ImsService returns the session registry of the service
func (b *base) ImsService() *ims.Service {
	return b.svc
}

// AddListener attaches l to every session the service creates
func (b *base) AddListener(l ims.Listener) {
	b.svc.AddListener(l)
}

// ReportMediaActivity feeds the idle watchdog of a session whose media plane
// runs outside this process. It returns false for an unknown session id.
func (b *base) ReportMediaActivity(sessionID string) bool {
	s := b.svc.GetSessionByID(sessionID)
	if s == nil {
		return false
	}
	s.Activity().UpdateActivity()
	return true
}

// receiveInvitation starts the terminating session of in and hands it to the
// invitation handler
func (b *base) receiveInvitation(in *imssip.InboundRequest, cfg ims.SDPMediaConfig, inv Invitation) error {
	s, err := b.svc.NewTerminatingSession(ims.NewSDPMedia(cfg), in)
	if err != nil {
		return err
	}
	inv.Session = s
	inv.Kind = cfg.Kind

	b.logger.WithFields(logrus.Fields{
		"service":    b.svc.Name(),
		"session_id": s.ID(),
		"call_id":    in.CallID(),
		"kind":       cfg.Kind.String(),
	}).Info("Invitation received")

	s.Start()
	if b.invitations != nil {
		b.invitations.OnInvitation(&inv)
	}
	return nil
}

// initiate starts an originating session towards remote
func (b *base) initiate(remote sip.Uri, cfg ims.SDPMediaConfig) (*ims.Session, error) {
	s, err := b.svc.NewOriginatingSession(ims.NewSDPMedia(cfg), remote)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// msrpConfig answers the MSRP offer of in, keeping its file transfer
// attributes
func (b *base) msrpConfig(in *imssip.InboundRequest, kind ims.MediaKind, featureTags []string) (ims.SDPMediaConfig, error) {
	cfg := ims.SDPMediaConfig{
		Kind:        kind,
		FeatureTags: featureTags,
		Address:     b.media.Address,
		Port:        b.media.MsrpPort,
	}
	summary, err := imssip.SummarizeSDP(in.Request.Body())
	if err != nil {
		return cfg, err
	}
	offer := summary.MSRP()
	if offer == nil {
		return cfg, errors.NewSipPayload("no MSRP media in offer")
	}
	cfg.AcceptTypes = offer.AcceptTypes
	cfg.AcceptWrappedTypes = offer.AcceptWrappedTypes
	cfg.FileSelector = offer.FileSelector
	cfg.FileTransferID = offer.FileTransferID
	return cfg, nil
}

// rtpConfig describes the local RTP line of media ("audio" or "video")
func (b *base) rtpConfig(kind ims.MediaKind, media string, featureTags []string) ims.SDPMediaConfig {
	cfg := ims.SDPMediaConfig{
		Kind:        kind,
		FeatureTags: featureTags,
		Address:     b.media.Address,
		Media:       media,
		Port:        b.media.AudioPort,
		Codecs:      b.media.AudioCodecs,
	}
	if media == "video" {
		cfg.Port = b.media.VideoPort
		cfg.Codecs = b.media.VideoCodecs
	}
	return cfg
}

// respondOK answers an out-of-dialog request with 200 OK
func respondOK(in *imssip.InboundRequest) error {
	res := sip.NewResponseFromRequest(in.Request, 200, "OK", nil)
	if err := in.Respond(res); err != nil {
		return errors.NewSipNetwork("failed to answer "+string(in.Request.Method), err)
	}
	return nil
}

// requestFields returns log fields describing in
func requestFields(in *imssip.InboundRequest) logrus.Fields {
	fields := logrus.Fields{
		"method":  string(in.Request.Method),
		"call_id": in.CallID(),
	}
	if from := in.Request.From(); from != nil {
		fields["from"] = from.Address.String()
	}
	return fields
}
