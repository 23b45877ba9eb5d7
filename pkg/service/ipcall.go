package service

import (
	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// IPCallService owns IP voice and video calls. A video call negotiates its
// video line; the audio line is left to the media plane.
type IPCallService struct {
	base
}

var _ dispatcher.IPCallHandler = (*IPCallService)(nil)

// NewIPCallService creates the service
func NewIPCallService(core *ims.Core, media MediaConfig, invitations InvitationHandler) *IPCallService {
	return &IPCallService{base: newBase("ipcall", core, media, invitations)}
}

func (s *IPCallService) ReceiveIPCallInvitation(in *imssip.InboundRequest, video bool) error {
	return s.receiveInvitation(in, s.callConfig(video), Invitation{})
}

// Call starts an IP call towards remote
func (s *IPCallService) Call(remote sip.Uri, video bool) (*ims.Session, error) {
	return s.initiate(remote, s.callConfig(video))
}

func (s *IPCallService) callConfig(video bool) ims.SDPMediaConfig {
	if video {
		return s.rtpConfig(ims.MediaIPCall, "video", []string{imssip.FeatureIPVoiceCall, imssip.FeatureIPVideoCall})
	}
	return s.rtpConfig(ims.MediaIPCall, "audio", []string{imssip.FeatureIPVoiceCall})
}
