package service

import (
	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// GenericSipService owns the sessions of registered service extensions
type GenericSipService struct {
	base
	intents *dispatcher.SipIntentManager
}

var _ dispatcher.GenericSipHandler = (*GenericSipService)(nil)

// NewGenericSipService creates the service. Outgoing sessions are limited
// to the extensions registered in intents.
func NewGenericSipService(core *ims.Core, media MediaConfig, intents *dispatcher.SipIntentManager, invitations InvitationHandler) *GenericSipService {
	return &GenericSipService{
		base:    newBase("generic", core, media, invitations),
		intents: intents,
	}
}

func (s *GenericSipService) ReceiveMsrpSessionInvitation(intent *dispatcher.Intent, in *imssip.InboundRequest) error {
	cfg, err := s.msrpConfig(in, ims.MediaGenericMSRP, []string{intent.FeatureTag()})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, Invitation{Extension: intent.Extension})
}

func (s *GenericSipService) ReceiveRtpSessionInvitation(intent *dispatcher.Intent, in *imssip.InboundRequest) error {
	summary, err := imssip.SummarizeSDP(in.Request.Body())
	if err != nil {
		return err
	}
	media := "audio"
	if summary.Media("audio") == nil && summary.Media("video") != nil {
		media = "video"
	}
	cfg := s.rtpConfig(ims.MediaGenericRTP, media, []string{intent.FeatureTag()})
	return s.receiveInvitation(in, cfg, Invitation{Extension: intent.Extension})
}

// InitiateMsrpSession starts an MSRP session of extension with remote
func (s *GenericSipService) InitiateMsrpSession(extension string, remote sip.Uri, acceptTypes []string) (*ims.Session, error) {
	if err := s.checkExtension(extension); err != nil {
		return nil, err
	}
	return s.initiate(remote, ims.SDPMediaConfig{
		Kind:        ims.MediaGenericMSRP,
		FeatureTags: []string{dispatcher.ExtensionFeatureTag(extension)},
		Address:     s.media.Address,
		Port:        s.media.MsrpPort,
		AcceptTypes: acceptTypes,
	})
}

// InitiateRtpSession starts an RTP session of extension with remote
func (s *GenericSipService) InitiateRtpSession(extension string, remote sip.Uri, media string) (*ims.Session, error) {
	if err := s.checkExtension(extension); err != nil {
		return nil, err
	}
	return s.initiate(remote, s.rtpConfig(ims.MediaGenericRTP, media, []string{dispatcher.ExtensionFeatureTag(extension)}))
}

func (s *GenericSipService) checkExtension(extension string) error {
	if s.intents == nil || !s.intents.IsRegistered(extension) {
		return errors.Wrap(errors.ErrInvalidInput, "extension not registered", map[string]interface{}{
			"extension": extension,
		})
	}
	return nil
}
