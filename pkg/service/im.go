package service

import (
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// DeliveryReport is a delivery notification received outside a session
type DeliveryReport struct {
	From        string
	CallID      string
	ContentType string
	Body        []byte
}

// InstantMessagingService owns chat and file transfer sessions
type InstantMessagingService struct {
	base
	reports func(DeliveryReport)
}

var _ dispatcher.InstantMessagingHandler = (*InstantMessagingService)(nil)

// NewInstantMessagingService creates the service. reports receives the
// delivery notifications sent with MESSAGE, it may be nil.
func NewInstantMessagingService(core *ims.Core, media MediaConfig, invitations InvitationHandler, reports func(DeliveryReport)) *InstantMessagingService {
	return &InstantMessagingService{
		base:    newBase("im", core, media, invitations),
		reports: reports,
	}
}

func (s *InstantMessagingService) ReceiveOneToOneChatInvitation(in *imssip.InboundRequest) error {
	return s.receiveChat(in, ims.MediaChat, Invitation{})
}

func (s *InstantMessagingService) ReceiveGroupChatInvitation(in *imssip.InboundRequest) error {
	return s.receiveChat(in, ims.MediaGroupChat, Invitation{})
}

func (s *InstantMessagingService) ReceiveStoreAndForwardMessageInvitation(in *imssip.InboundRequest) error {
	return s.receiveChat(in, ims.MediaChat, Invitation{StoreAndForward: true})
}

func (s *InstantMessagingService) ReceiveStoreAndForwardNotificationInvitation(in *imssip.InboundRequest) error {
	return s.receiveChat(in, ims.MediaChat, Invitation{StoreAndForward: true})
}

func (s *InstantMessagingService) ReceiveMsrpFileTransferInvitation(in *imssip.InboundRequest) error {
	cfg, err := s.msrpConfig(in, ims.MediaFileTransfer, []string{imssip.IariRef(imssip.IariFileTransfer)})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, Invitation{})
}

// ReceiveHttpFileTransferInvitation accepts the chat session carrying the
// file transfer descriptor. The download itself is left to the application.
func (s *InstantMessagingService) ReceiveHttpFileTransferInvitation(in *imssip.InboundRequest, transfer dispatcher.HttpFileTransfer) error {
	kind := ims.MediaChat
	if transfer == dispatcher.HttpFileTransferGroup {
		kind = ims.MediaGroupChat
	}
	cfg, err := s.msrpConfig(in, kind, []string{imssip.FeatureOmaIM, imssip.IariRef(imssip.IariFtHTTP)})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, Invitation{
		Transfer:        transfer.String(),
		StoreAndForward: transfer == dispatcher.HttpFileTransferStoreAndForward,
	})
}

// ReceiveMessageDeliveryStatus acknowledges an IMDN sent with MESSAGE
func (s *InstantMessagingService) ReceiveMessageDeliveryStatus(in *imssip.InboundRequest) error {
	if err := respondOK(in); err != nil {
		return err
	}
	report := DeliveryReport{
		CallID:      in.CallID(),
		ContentType: imssip.HeaderValue(in.Request, "Content-Type"),
		Body:        in.Request.Body(),
	}
	if from := in.Request.From(); from != nil {
		report.From = from.Address.String()
	}
	s.logger.WithFields(requestFields(in)).Debug("Delivery report received")
	if s.reports != nil {
		s.reports(report)
	}
	return nil
}

// ReceiveConferenceNotification acknowledges a conference event NOTIFY
func (s *InstantMessagingService) ReceiveConferenceNotification(in *imssip.InboundRequest) error {
	if err := respondOK(in); err != nil {
		return err
	}
	s.logger.WithFields(requestFields(in)).WithField("length", len(in.Request.Body())).Debug("Conference notification received")
	return nil
}

// InitiateChat starts a one to one chat session with remote
func (s *InstantMessagingService) InitiateChat(remote sip.Uri) (*ims.Session, error) {
	s.logger.WithField("remote", remote.String()).Info("Initiating chat session")
	return s.initiate(remote, ims.SDPMediaConfig{
		Kind:        ims.MediaChat,
		FeatureTags: []string{imssip.FeatureOmaIM},
		Address:     s.media.Address,
		Port:        s.media.MsrpPort,
	})
}

// InitiateFileTransfer offers the file described by selector to remote
func (s *InstantMessagingService) InitiateFileTransfer(remote sip.Uri, selector, transferID string) (*ims.Session, error) {
	s.logger.WithFields(logrus.Fields{
		"remote":           remote.String(),
		"file_transfer_id": transferID,
	}).Info("Initiating file transfer")
	return s.initiate(remote, ims.SDPMediaConfig{
		Kind:           ims.MediaFileTransfer,
		FeatureTags:    []string{imssip.IariRef(imssip.IariFileTransfer)},
		Address:        s.media.Address,
		Port:           s.media.MsrpPort,
		AcceptTypes:    []string{"message/cpim"},
		FileSelector:   selector,
		FileTransferID: transferID,
	})
}

func (s *InstantMessagingService) receiveChat(in *imssip.InboundRequest, kind ims.MediaKind, inv Invitation) error {
	cfg, err := s.msrpConfig(in, kind, []string{imssip.FeatureOmaIM})
	if err != nil {
		return err
	}
	return s.receiveInvitation(in, cfg, inv)
}
