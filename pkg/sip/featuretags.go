package sip

import (
	"strings"

	"github.com/emiago/sipgo/sip"
)

// RCS and IMS feature tags carried in Contact and Accept-Contact headers
const (
	FeatureOmaIM          = "+g.oma.sip-im"
	Feature3gppVideoShare = "+g.3gpp.cs-voice"
	FeatureIPVoiceCall    = `+g.3gpp.icsi-ref="urn%3Aurn-7%3A3gpp-service.ims.icsi.mmtel"`
	FeatureIPVideoCall    = "video"
	FeatureSipInstance    = "+sip.instance"
	FeaturePubGruu        = "pub-gruu"

	iariRefPrefix = "+g.3gpp.iari-ref"

	IariImageShare   = "urn%3Aurn-7%3A3gpp-application.ims.iari.gsma-is"
	IariVideoShare   = "urn%3Aurn-7%3A3gpp-application.ims.iari.gsma-vs"
	IariFileTransfer = "urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.ft"
	IariFtHTTP       = "urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.fthttp"
	IariGeolocPush   = "urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.geopush"
	IariExtPrefix    = "urn%3Aurn-7%3A3gpp-application.ims.iari.rcs.ext."
)

// FeatureImageShare is the full tag advertised for image sharing
var FeatureImageShare = IariRef(IariImageShare)

// IariRef formats an IARI feature tag
func IariRef(iari string) string {
	return iariRefPrefix + `="` + iari + `"`
}

// FeatureTags returns the feature tag parameters present in the Contact and
// Accept-Contact headers of msg, in header order and without duplicates.
func FeatureTags(msg message) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, name := range []string{"Contact", HeaderAcceptContact, "a"} {
		for _, value := range HeaderValues(msg, name) {
			for _, tag := range headerParams(value) {
				if !seen[tag] {
					seen[tag] = true
					tags = append(tags, tag)
				}
			}
		}
	}
	return tags
}

// headerParams returns the ;-separated parameters of a name-addr value,
// skipping the address itself.
func headerParams(value string) []string {
	rest := value
	lt := strings.Index(rest, "<")
	semi := strings.Index(rest, ";")
	switch {
	case lt >= 0 && (semi < 0 || lt < semi):
		end := strings.Index(rest[lt:], ">")
		if end < 0 {
			return nil
		}
		rest = rest[lt+end+1:]
	case semi >= 0:
		rest = rest[semi:]
	default:
		return nil
	}

	var params []string
	var quoted bool
	start := 0
	for i, c := range rest {
		switch c {
		case '"':
			quoted = !quoted
		case ';':
			if !quoted {
				if p := strings.TrimSpace(rest[start:i]); p != "" {
					params = append(params, p)
				}
				start = i + 1
			}
		}
	}
	if p := strings.TrimSpace(rest[start:]); p != "" {
		params = append(params, p)
	}
	return params
}

// HasFeatureTag reports whether msg carries tag, or an IARI list containing
// the IARI of tag.
func HasFeatureTag(msg message, tag string) bool {
	wantKey, wantValue, hasValue := strings.Cut(tag, "=")
	wantValue = strings.Trim(wantValue, `"`)

	for _, t := range FeatureTags(msg) {
		key, value, _ := strings.Cut(t, "=")
		if !strings.EqualFold(key, wantKey) {
			continue
		}
		if !hasValue {
			return true
		}
		for _, v := range strings.Split(strings.Trim(value, `"`), ",") {
			if strings.EqualFold(strings.TrimSpace(v), wantValue) {
				return true
			}
		}
	}
	return false
}

// FeatureParam returns the unquoted value of a feature tag parameter, for
// example +sip.instance or pub-gruu.
func FeatureParam(req *sip.Request, name string) (string, bool) {
	for _, t := range FeatureTags(req) {
		key, value, found := strings.Cut(t, "=")
		if found && strings.EqualFold(key, name) {
			return strings.Trim(value, `"`), true
		}
	}
	return "", false
}

// AcceptContactParam is FeatureParam restricted to Accept-Contact headers
func AcceptContactParam(req *sip.Request, name string) (string, bool) {
	for _, header := range []string{HeaderAcceptContact, "a"} {
		for _, value := range HeaderValues(req, header) {
			for _, t := range headerParams(value) {
				key, v, found := strings.Cut(t, "=")
				if found && strings.EqualFold(key, name) {
					return strings.Trim(v, `"`), true
				}
			}
		}
	}
	return "", false
}

// ContactInstance returns the +sip.instance of the Contact header
func ContactInstance(req interface{ Contact() *sip.ContactHeader }) string {
	h := req.Contact()
	if h == nil {
		return ""
	}
	for _, p := range headerParams(h.Value()) {
		key, value, found := strings.Cut(p, "=")
		if found && strings.EqualFold(key, FeatureSipInstance) {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// ExtensionIaris returns the IARI extension identifiers carried by msg
func ExtensionIaris(msg message) []string {
	var exts []string
	for _, t := range FeatureTags(msg) {
		key, value, found := strings.Cut(t, "=")
		if !found || !strings.EqualFold(key, iariRefPrefix) {
			continue
		}
		for _, v := range strings.Split(strings.Trim(value, `"`), ",") {
			v = strings.TrimSpace(v)
			if strings.HasPrefix(v, IariExtPrefix) {
				exts = append(exts, strings.TrimPrefix(v, IariExtPrefix))
			}
		}
	}
	return exts
}
