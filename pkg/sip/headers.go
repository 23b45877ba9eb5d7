package sip

import (
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// Header names not covered by sipgo's typed headers
const (
	HeaderSessionExpires     = "Session-Expires"
	HeaderMinSE              = "Min-SE"
	HeaderSupported          = "Supported"
	HeaderRequire            = "Require"
	HeaderAcceptContact      = "Accept-Contact"
	HeaderEvent              = "Event"
	HeaderSubscriptionState  = "Subscription-State"
	HeaderReferredBy         = "Referred-By"
	HeaderAssertedIdentity   = "P-Asserted-Identity"
	HeaderProxyAuthenticate  = "Proxy-Authenticate"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderWWWAuthenticate    = "WWW-Authenticate"
	HeaderAuthorization      = "Authorization"
	HeaderAllow              = "Allow"
	HeaderUserAgent          = "User-Agent"
	HeaderContributionID     = "Contribution-ID"
)

// Session timer refresher roles (RFC 4028)
const (
	RefresherUAC = "uac"
	RefresherUAS = "uas"
)

// AllowedMethods is advertised in Allow headers
const AllowedMethods = "INVITE, ACK, CANCEL, BYE, UPDATE, OPTIONS, MESSAGE, NOTIFY"

// message is the part of requests and responses the helpers need
type message interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
}

// HeaderValue returns the value of the first header called name or ""
func HeaderValue(msg message, name string) string {
	h := msg.GetHeader(name)
	if h == nil {
		return ""
	}
	return strings.TrimSpace(h.Value())
}

// HeaderValues returns every value of the headers called name, comma lists split
func HeaderValues(msg message, name string) []string {
	var values []string
	for _, h := range msg.GetHeaders(name) {
		for _, v := range splitHeaderList(h.Value()) {
			if v != "" {
				values = append(values, v)
			}
		}
	}
	return values
}

// splitHeaderList splits a comma separated header value, ignoring commas
// inside quotes and angle brackets.
func splitHeaderList(value string) []string {
	var parts []string
	var quoted bool
	depth := 0
	start := 0
	for i, c := range value {
		switch c {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				parts = append(parts, strings.TrimSpace(value[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(value[start:]))
}

// CallID returns the Call-ID of a request or an empty string
func CallID(req *sip.Request) string {
	if req == nil {
		return ""
	}
	if h := req.CallID(); h != nil {
		return h.Value()
	}
	return ""
}

// CSeqNumber returns the CSeq sequence number of a message
func CSeqNumber(msg interface{ CSeq() *sip.CSeqHeader }) uint32 {
	if h := msg.CSeq(); h != nil {
		return h.SeqNo
	}
	return 0
}

// FromTag returns the tag parameter of the From header
func FromTag(msg interface{ From() *sip.FromHeader }) string {
	if h := msg.From(); h != nil && h.Params != nil {
		tag, _ := h.Params.Get("tag")
		return tag
	}
	return ""
}

// ToTag returns the tag parameter of the To header
func ToTag(msg interface{ To() *sip.ToHeader }) string {
	if h := msg.To(); h != nil && h.Params != nil {
		tag, _ := h.Params.Get("tag")
		return tag
	}
	return ""
}

// SessionExpires parses a Session-Expires header, returning the interval in
// seconds and the refresher parameter.
func SessionExpires(msg message) (seconds int, refresher string, ok bool) {
	value := HeaderValue(msg, HeaderSessionExpires)
	if value == "" {
		// Compact form
		value = HeaderValue(msg, "x")
	}
	if value == "" {
		return 0, "", false
	}

	parts := strings.Split(value, ";")
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || seconds <= 0 {
		return 0, "", false
	}
	for _, p := range parts[1:] {
		key, val, found := strings.Cut(strings.TrimSpace(p), "=")
		if found && strings.EqualFold(key, "refresher") {
			refresher = strings.ToLower(strings.TrimSpace(val))
		}
	}
	return seconds, refresher, true
}

// MinSE parses a Min-SE header in seconds
func MinSE(msg message) (int, bool) {
	value := HeaderValue(msg, HeaderMinSE)
	if value == "" {
		return 0, false
	}
	value, _, _ = strings.Cut(value, ";")
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0, false
	}
	return seconds, true
}

// FormatSessionExpires renders a Session-Expires value
func FormatSessionExpires(seconds int, refresher string) string {
	if refresher == "" {
		return strconv.Itoa(seconds)
	}
	return strconv.Itoa(seconds) + ";refresher=" + refresher
}

// SupportsOption reports whether the Supported or Require headers list option
func SupportsOption(msg message, option string) bool {
	for _, name := range []string{HeaderSupported, "k", HeaderRequire} {
		for _, v := range HeaderValues(msg, name) {
			if strings.EqualFold(v, option) {
				return true
			}
		}
	}
	return false
}

// IsTagPresent reports whether tag occurs in s, ignoring case
func IsTagPresent(s, tag string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(tag))
}

// SetHeader replaces or appends a raw header
func SetHeader(msg interface {
	GetHeader(name string) sip.Header
	ReplaceHeader(header sip.Header)
	AppendHeader(header sip.Header)
}, name, value string) {
	h := sip.NewHeader(name, value)
	if msg.GetHeader(name) != nil {
		msg.ReplaceHeader(h)
		return
	}
	msg.AppendHeader(h)
}
