package service

import (
	"mime"
	"strings"

	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/dispatcher"
	imssip "rcs-ims-core/pkg/sip"
)

const (
	ContentTypeTermsRequest      = "application/end-user-confirmation-request+xml"
	ContentTypeTermsAck          = "application/end-user-confirmation-ack+xml"
	ContentTypeTermsNotification = "application/end-user-notification-request+xml"
)

// TermsMessage is a terms and conditions request pushed by the network
type TermsMessage struct {
	From        string
	ContentType string
	Body        []byte
}

// TermsService receives the end user confirmation requests of the operator
type TermsService struct {
	logger   *logrus.Logger
	requests func(TermsMessage)
}

var _ dispatcher.TermsHandler = (*TermsService)(nil)

// NewTermsService creates the service. requests may be nil.
func NewTermsService(logger *logrus.Logger, requests func(TermsMessage)) *TermsService {
	return &TermsService{logger: logger, requests: requests}
}

// IsTermsRequest reports whether the MESSAGE carries an end user
// confirmation document
func (t *TermsService) IsTermsRequest(in *imssip.InboundRequest) bool {
	switch contentType(in) {
	case ContentTypeTermsRequest, ContentTypeTermsAck, ContentTypeTermsNotification:
		return true
	}
	return false
}

func (t *TermsService) ReceiveMessage(in *imssip.InboundRequest) error {
	if err := respondOK(in); err != nil {
		return err
	}
	msg := TermsMessage{
		ContentType: contentType(in),
		Body:        in.Request.Body(),
	}
	if from := in.Request.From(); from != nil {
		msg.From = from.Address.String()
	}
	t.logger.WithFields(requestFields(in)).WithField("content_type", msg.ContentType).Info("Terms request received")
	if t.requests != nil {
		t.requests(msg)
	}
	return nil
}

func contentType(in *imssip.InboundRequest) string {
	value := imssip.HeaderValue(in.Request, "Content-Type")
	if value == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return mediaType
}
