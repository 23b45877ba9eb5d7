package dispatcher

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	imssip "rcs-ims-core/pkg/sip"
)

// Content types recognized in MSRP offers and MESSAGE requests
const (
	contentTypeImdn       = "message/imdn+xml"
	contentTypeCpim       = "message/cpim"
	contentTypeFtHTTP     = "application/vnd.gsma.rcs-ft-http+xml"
	storeAndForwardMarker = "rcse-standfw"
	focusParam            = "isfocus"
)

// invitationKind is the service an initial INVITE is addressed to
type invitationKind int

const (
	invitationUnknown invitationKind = iota
	invitationImageShare
	invitationGeolocShare
	invitationMsrpFileTransfer
	invitationHttpFileTransfer
	invitationStoreForwardMessage
	invitationStoreForwardNotification
	invitationGroupChat
	invitationOneToOneChat
	invitationVideoShare
	invitationIPCall
	invitationGenericMsrp
	invitationGenericRtp
)

var invitationKindNames = map[invitationKind]string{
	invitationUnknown:                  "unknown",
	invitationImageShare:               "image_share",
	invitationGeolocShare:              "geoloc_share",
	invitationMsrpFileTransfer:         "msrp_file_transfer",
	invitationHttpFileTransfer:         "http_file_transfer",
	invitationStoreForwardMessage:      "store_forward_message",
	invitationStoreForwardNotification: "store_forward_notification",
	invitationGroupChat:                "group_chat",
	invitationOneToOneChat:             "one_to_one_chat",
	invitationVideoShare:               "video_share",
	invitationIPCall:                   "ip_call",
	invitationGenericMsrp:              "generic_msrp",
	invitationGenericRtp:               "generic_rtp",
}

func (k invitationKind) String() string {
	if name, ok := invitationKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// invitation is a classified initial INVITE
type invitation struct {
	kind invitationKind
	// transfer is set for HTTP file transfers
	transfer HttpFileTransfer
	// video is set for IP video calls
	video bool
	// intent is set for generic invitations
	intent *Intent
}

// classifyInvitation maps an initial INVITE to a service from its SDP media
// and feature tags. The first matching rule wins.
func classifyInvitation(req *sip.Request, summary *imssip.SDPSummary, intents *SipIntentManager) invitation {
	msrp := summary.MSRP()

	if msrp != nil {
		switch {
		case imssip.HasFeatureTag(req, imssip.FeatureImageShare) && isImageOffer(msrp):
			return invitation{kind: invitationImageShare}

		case imssip.HasFeatureTag(req, imssip.IariRef(imssip.IariGeolocPush)):
			return invitation{kind: invitationGeolocShare}

		case imssip.HasFeatureTag(req, imssip.FeatureOmaIM) ||
			imssip.HasFeatureTag(req, imssip.IariRef(imssip.IariFileTransfer)):
			return classifyChat(req, msrp)
		}
	}

	if summary.HasRTP() {
		if imssip.HasFeatureTag(req, imssip.IariRef(imssip.IariVideoShare)) ||
			imssip.HasFeatureTag(req, imssip.Feature3gppVideoShare) {
			if summary.Media("video") != nil && !imssip.HasFeatureTag(req, imssip.FeatureIPVoiceCall) {
				return invitation{kind: invitationVideoShare}
			}
		}
		if imssip.HasFeatureTag(req, imssip.FeatureIPVoiceCall) {
			video := summary.Media("video") != nil && imssip.HasFeatureTag(req, imssip.FeatureIPVideoCall)
			return invitation{kind: invitationIPCall, video: video}
		}
	}

	if intents != nil {
		if intent := intents.ResolveInvitation(req); intent != nil {
			if msrp != nil {
				return invitation{kind: invitationGenericMsrp, intent: intent}
			}
			if summary.HasRTP() {
				return invitation{kind: invitationGenericRtp, intent: intent}
			}
		}
	}

	return invitation{kind: invitationUnknown}
}

// classifyChat splits the chat family: file transfers, store and forward
// deliveries and chat sessions
func classifyChat(req *sip.Request, msrp *imssip.MediaLine) invitation {
	group := imssip.HasFeatureTag(req, focusParam)

	if msrp.FileSelector != "" {
		return invitation{kind: invitationMsrpFileTransfer}
	}

	standFw := isStoreAndForward(req)
	if containsType(msrp.AcceptTypes, contentTypeFtHTTP) || containsType(msrp.AcceptWrappedTypes, contentTypeFtHTTP) {
		transfer := HttpFileTransferOneToOne
		switch {
		case group:
			transfer = HttpFileTransferGroup
		case standFw:
			transfer = HttpFileTransferStoreAndForward
		}
		return invitation{kind: invitationHttpFileTransfer, transfer: transfer}
	}

	if standFw {
		if isImdnOnly(msrp.AcceptWrappedTypes) {
			return invitation{kind: invitationStoreForwardNotification}
		}
		return invitation{kind: invitationStoreForwardMessage}
	}

	if group {
		return invitation{kind: invitationGroupChat}
	}
	return invitation{kind: invitationOneToOneChat}
}

// isImageOffer reports whether an MSRP offer transfers an image
func isImageOffer(msrp *imssip.MediaLine) bool {
	if msrp.FileSelector != "" {
		return true
	}
	for _, t := range msrp.AcceptTypes {
		if strings.HasPrefix(strings.ToLower(t), "image/") {
			return true
		}
	}
	return false
}

// isStoreAndForward reports whether the invitation comes from the store and
// forward server on behalf of the remote party
func isStoreAndForward(req *sip.Request) bool {
	if from := req.From(); from != nil && strings.Contains(from.Value(), storeAndForwardMarker) {
		return true
	}
	for _, name := range []string{imssip.HeaderReferredBy, imssip.HeaderAssertedIdentity} {
		for _, value := range imssip.HeaderValues(req, name) {
			if strings.Contains(value, storeAndForwardMarker) {
				return true
			}
		}
	}
	return false
}

// isImdnOnly reports whether the only wrapped content is delivery reports
func isImdnOnly(wrapped []string) bool {
	if len(wrapped) == 0 {
		return false
	}
	for _, t := range wrapped {
		if !strings.EqualFold(t, contentTypeImdn) {
			return false
		}
	}
	return true
}

func containsType(types []string, want string) bool {
	for _, t := range types {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

// isImdnMessage reports whether a MESSAGE carries a delivery report, sent
// either bare or wrapped in CPIM
func isImdnMessage(req *sip.Request) bool {
	contentType := strings.ToLower(imssip.HeaderValue(req, "Content-Type"))
	if strings.Contains(contentType, contentTypeImdn) {
		return true
	}
	return strings.Contains(contentType, contentTypeCpim) &&
		strings.Contains(strings.ToLower(string(req.Body())), contentTypeImdn)
}

// eventPackage returns the Event header value without its parameters
func eventPackage(req *sip.Request) string {
	event, _, _ := strings.Cut(imssip.HeaderValue(req, imssip.HeaderEvent), ";")
	return strings.ToLower(strings.TrimSpace(event))
}

// isAnonymousFetch reports whether a presence NOTIFY answers an anonymous
// fetch, which the capability service issues
func isAnonymousFetch(req *sip.Request) bool {
	to := req.To()
	return to != nil && strings.Contains(strings.ToLower(to.Value()), "anonymous")
}
