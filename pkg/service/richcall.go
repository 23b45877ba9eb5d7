package service

import (
	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// RichCallService owns image, video and geolocation sharing sessions
type RichCallService struct {
	base
}

var _ dispatcher.RichCallHandler = (*RichCallService)(nil)

// NewRichCallService creates the service
func NewRichCallService(core *ims.Core, media MediaConfig, invitations InvitationHandler) *RichCallService {
	return &RichCallService{base: newBase("richcall", core, media, invitations)}
}

func (s *RichCallService) ReceiveImageSharingInvitation(in *imssip.InboundRequest) error {
	cfg, err := s.msrpConfig(in, ims.MediaImageShare, []string{imssip.FeatureImageShare})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, Invitation{})
}

func (s *RichCallService) ReceiveVideoSharingInvitation(in *imssip.InboundRequest) error {
	cfg := s.rtpConfig(ims.MediaVideoShare, "video", []string{imssip.IariRef(imssip.IariVideoShare)})
	// The sender streams, we only receive
	cfg.Direction = imssip.DirectionRecvOnly
	return s.receiveInvitation(in, cfg, Invitation{})
}

func (s *RichCallService) ReceiveGeolocSharingInvitation(in *imssip.InboundRequest) error {
	cfg, err := s.msrpConfig(in, ims.MediaGeolocShare, []string{imssip.IariRef(imssip.IariGeolocPush)})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, Invitation{})
}

// ShareImage offers the image described by selector to remote
func (s *RichCallService) ShareImage(remote sip.Uri, selector, transferID string) (*ims.Session, error) {
	return s.initiate(remote, ims.SDPMediaConfig{
		Kind:           ims.MediaImageShare,
		FeatureTags:    []string{imssip.FeatureImageShare},
		Address:        s.media.Address,
		Port:           s.media.MsrpPort,
		AcceptTypes:    []string{"image/jpeg", "image/png", "image/gif"},
		Direction:      imssip.DirectionSendOnly,
		FileSelector:   selector,
		FileTransferID: transferID,
	})
}

// ShareVideo starts a live video stream towards remote
func (s *RichCallService) ShareVideo(remote sip.Uri) (*ims.Session, error) {
	cfg := s.rtpConfig(ims.MediaVideoShare, "video", []string{imssip.IariRef(imssip.IariVideoShare)})
	cfg.Direction = imssip.DirectionSendOnly
	return s.initiate(remote, cfg)
}

// ShareGeoloc pushes a location to remote
func (s *RichCallService) ShareGeoloc(remote sip.Uri) (*ims.Session, error) {
	return s.initiate(remote, ims.SDPMediaConfig{
		Kind:        ims.MediaGeolocShare,
		FeatureTags: []string{imssip.IariRef(imssip.IariGeolocPush)},
		Address:     s.media.Address,
		Port:        s.media.MsrpPort,
		AcceptTypes: []string{"application/vnd.gsma.rcspushlocation+xml"},
	})
}
