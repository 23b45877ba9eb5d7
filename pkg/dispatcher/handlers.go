package dispatcher

import (
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// The dispatcher hands each inbound request to one of the handlers below.
// Handlers run on the dispatch goroutine and must not block: sessions they
// create run on their own goroutines. A returned error is passed to the
// dispatch error handler.

// SessionOwner is implemented by handlers owning IMS sessions. The
// dispatcher looks up in-dialog requests in their registries.
type SessionOwner interface {
	ImsService() *ims.Service
}

// CapabilityHandler answers capability discovery
type CapabilityHandler interface {
	ReceiveCapabilityRequest(in *imssip.InboundRequest) error
	// ReceiveNotification handles the NOTIFY of an anonymous presence fetch
	ReceiveNotification(in *imssip.InboundRequest) error
}

// InstantMessagingHandler receives chat, file transfer and IMDN traffic
type InstantMessagingHandler interface {
	SessionOwner
	ReceiveOneToOneChatInvitation(in *imssip.InboundRequest) error
	ReceiveGroupChatInvitation(in *imssip.InboundRequest) error
	ReceiveStoreAndForwardMessageInvitation(in *imssip.InboundRequest) error
	ReceiveStoreAndForwardNotificationInvitation(in *imssip.InboundRequest) error
	ReceiveMsrpFileTransferInvitation(in *imssip.InboundRequest) error
	ReceiveHttpFileTransferInvitation(in *imssip.InboundRequest, transfer HttpFileTransfer) error
	ReceiveMessageDeliveryStatus(in *imssip.InboundRequest) error
	ReceiveConferenceNotification(in *imssip.InboundRequest) error
}

// HttpFileTransfer tells where a file transfer over HTTP was received
type HttpFileTransfer int

const (
	HttpFileTransferOneToOne HttpFileTransfer = iota
	HttpFileTransferGroup
	HttpFileTransferStoreAndForward
)

func (t HttpFileTransfer) String() string {
	switch t {
	case HttpFileTransferGroup:
		return "group"
	case HttpFileTransferStoreAndForward:
		return "store_and_forward"
	default:
		return "one_to_one"
	}
}

// RichCallHandler receives content sharing invitations
type RichCallHandler interface {
	SessionOwner
	ReceiveImageSharingInvitation(in *imssip.InboundRequest) error
	ReceiveVideoSharingInvitation(in *imssip.InboundRequest) error
	ReceiveGeolocSharingInvitation(in *imssip.InboundRequest) error
}

// IPCallHandler receives IP voice and video calls. Without one, calls are
// declined.
type IPCallHandler interface {
	SessionOwner
	ReceiveIPCallInvitation(in *imssip.InboundRequest, video bool) error
}

// PresenceHandler receives presence notifications
type PresenceHandler interface {
	ReceivePresenceNotification(in *imssip.InboundRequest) error
	ReceiveWatcherInfoNotification(in *imssip.InboundRequest) error
	// SubscriptionFailed is called when a presence notification could not
	// be dispatched so that the subscription can be renewed
	SubscriptionFailed(in *imssip.InboundRequest, err error)
}

// TermsHandler receives terms and conditions requests sent with MESSAGE
type TermsHandler interface {
	IsTermsRequest(in *imssip.InboundRequest) bool
	ReceiveMessage(in *imssip.InboundRequest) error
}

// GenericSipHandler receives invitations resolved to a registered extension
type GenericSipHandler interface {
	SessionOwner
	ReceiveMsrpSessionInvitation(intent *Intent, in *imssip.InboundRequest) error
	ReceiveRtpSessionInvitation(intent *Intent, in *imssip.InboundRequest) error
}

// Services are the handlers known to the dispatcher. Nil handlers disable
// the matching traffic.
type Services struct {
	Capability       CapabilityHandler
	InstantMessaging InstantMessagingHandler
	RichCall         RichCallHandler
	IPCall           IPCallHandler
	Presence         PresenceHandler
	Terms            TermsHandler
	GenericSip       GenericSipHandler
}

// owners returns the session owning handlers
func (s Services) owners() []SessionOwner {
	var owners []SessionOwner
	if s.InstantMessaging != nil {
		owners = append(owners, s.InstantMessaging)
	}
	if s.RichCall != nil {
		owners = append(owners, s.RichCall)
	}
	if s.IPCall != nil {
		owners = append(owners, s.IPCall)
	}
	if s.GenericSip != nil {
		owners = append(owners, s.GenericSip)
	}
	return owners
}
