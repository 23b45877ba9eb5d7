package sip

import (
	"strings"
	"time"

	"github.com/pion/sdp/v3"

	"rcs-ims-core/pkg/errors"
)

// SDP setup attribute values (RFC 4145)
const (
	SetupActive  = "active"
	SetupPassive = "passive"
	SetupActPass = "actpass"
)

// SDP media directions
const (
	DirectionSendRecv = "sendrecv"
	DirectionSendOnly = "sendonly"
	DirectionRecvOnly = "recvonly"
	DirectionInactive = "inactive"
)

// MediaLine is the part of an SDP media description the session layer uses
type MediaLine struct {
	Media              string
	Port               int
	Proto              string
	Formats            []string
	Address            string
	Setup              string
	Direction          string
	Path               string
	AcceptTypes        []string
	AcceptWrappedTypes []string
	FileSelector       string
	FileTransferID     string
}

// IsMSRP reports whether the media is carried over MSRP
func (m *MediaLine) IsMSRP() bool {
	return strings.Contains(strings.ToUpper(m.Proto), "MSRP")
}

// IsRTP reports whether the media is carried over RTP
func (m *MediaLine) IsRTP() bool {
	return strings.Contains(strings.ToUpper(m.Proto), "RTP")
}

// SDPSummary is a parsed view of a session description
type SDPSummary struct {
	Address string
	Setup   string
	Medias  []MediaLine
}

// ParseSDP decodes an SDP body
func ParseSDP(body []byte) (*sdp.SessionDescription, error) {
	if len(body) == 0 {
		return nil, errors.NewInvalidSDP("empty body")
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(body); err != nil {
		return nil, errors.NewInvalidSDP(err.Error())
	}
	return &desc, nil
}

// SummarizeSDP parses body and extracts its media lines. Media level
// attributes fall back to the session level ones.
func SummarizeSDP(body []byte) (*SDPSummary, error) {
	desc, err := ParseSDP(body)
	if err != nil {
		return nil, err
	}

	summary := &SDPSummary{}
	if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		summary.Address = desc.ConnectionInformation.Address.Address
	}
	summary.Setup, _ = desc.Attribute("setup")

	for _, md := range desc.MediaDescriptions {
		line := MediaLine{
			Media:   md.MediaName.Media,
			Port:    md.MediaName.Port.Value,
			Proto:   strings.Join(md.MediaName.Protos, "/"),
			Formats: md.MediaName.Formats,
			Address: summary.Address,
			Setup:   summary.Setup,
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil {
			line.Address = md.ConnectionInformation.Address.Address
		}
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "setup":
				line.Setup = attr.Value
			case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
				line.Direction = attr.Key
			case "path":
				line.Path = attr.Value
			case "accept-types":
				line.AcceptTypes = strings.Fields(attr.Value)
			case "accept-wrapped-types":
				line.AcceptWrappedTypes = strings.Fields(attr.Value)
			case "file-selector":
				line.FileSelector = attr.Value
			case "file-transfer-id":
				line.FileTransferID = attr.Value
			}
		}
		if line.Direction == "" {
			line.Direction = DirectionSendRecv
		}
		summary.Medias = append(summary.Medias, line)
	}
	return summary, nil
}

// Media returns the first media line of the given type
func (s *SDPSummary) Media(media string) *MediaLine {
	for i := range s.Medias {
		if strings.EqualFold(s.Medias[i].Media, media) {
			return &s.Medias[i]
		}
	}
	return nil
}

// MSRP returns the first MSRP media line
func (s *SDPSummary) MSRP() *MediaLine {
	for i := range s.Medias {
		if s.Medias[i].IsMSRP() {
			return &s.Medias[i]
		}
	}
	return nil
}

// HasRTP reports whether any media line uses RTP
func (s *SDPSummary) HasRTP() bool {
	for i := range s.Medias {
		if s.Medias[i].IsRTP() {
			return true
		}
	}
	return false
}

// OfferSetup returns the setup role proposed in an SDP offer. A client behind
// NAT cannot accept inbound connections and must be active.
func OfferSetup(behindNAT bool) string {
	if behindNAT {
		return SetupActive
	}
	return SetupActPass
}

// AnswerSetup returns the setup role answering a remote offer
func AnswerSetup(remote string) string {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case SetupActPass:
		return SetupActive
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupPassive
	}
}

// MsrpSDPOptions describes a local MSRP media
type MsrpSDPOptions struct {
	Address            string
	Port               int
	Path               string
	Setup              string
	Direction          string
	AcceptTypes        []string
	AcceptWrappedTypes []string
	FileSelector       string
	FileTransferID     string
}

// BuildMsrpSDP renders an SDP with a single MSRP media line (RFC 4975)
func BuildMsrpSDP(opts MsrpSDPOptions) ([]byte, error) {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "message",
			Port:    sdp.RangedPort{Value: opts.Port},
			Protos:  []string{"TCP", "MSRP"},
			Formats: []string{"*"},
		},
	}
	if len(opts.AcceptTypes) > 0 {
		md = md.WithValueAttribute("accept-types", strings.Join(opts.AcceptTypes, " "))
	}
	if len(opts.AcceptWrappedTypes) > 0 {
		md = md.WithValueAttribute("accept-wrapped-types", strings.Join(opts.AcceptWrappedTypes, " "))
	}
	if opts.FileSelector != "" {
		md = md.WithValueAttribute("file-selector", opts.FileSelector)
	}
	if opts.FileTransferID != "" {
		md = md.WithValueAttribute("file-transfer-id", opts.FileTransferID)
	}
	if opts.Path != "" {
		md = md.WithValueAttribute("path", opts.Path)
	}
	if opts.Setup != "" {
		md = md.WithValueAttribute("setup", opts.Setup)
	}
	md = md.WithPropertyAttribute(directionOrDefault(opts.Direction))

	return marshalSDP(opts.Address, md)
}

// Codec is an RTP payload format
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Fmtp        string
}

// RtpSDPOptions describes a local RTP media
type RtpSDPOptions struct {
	Address   string
	Media     string
	Port      int
	Direction string
	Codecs    []Codec
}

// BuildRtpSDP renders an SDP with a single RTP media line
func BuildRtpSDP(opts RtpSDPOptions) ([]byte, error) {
	if len(opts.Codecs) == 0 {
		return nil, errors.NewInvalidSDP("no codec for " + opts.Media)
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  opts.Media,
			Port:   sdp.RangedPort{Value: opts.Port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range opts.Codecs {
		md = md.WithCodec(c.PayloadType, c.Name, c.ClockRate, 0, c.Fmtp)
	}
	md = md.WithPropertyAttribute(directionOrDefault(opts.Direction))

	return marshalSDP(opts.Address, md)
}

func marshalSDP(address string, medias ...*sdp.MediaDescription) ([]byte, error) {
	if address == "" {
		return nil, errors.NewInvalidSDP("missing connection address")
	}
	id := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      id,
			SessionVersion: id,
			NetworkType:    "IN",
			AddressType:    addressType(address),
			UnicastAddress: address,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: addressType(address),
			Address:     &sdp.Address{Address: address},
		},
		TimeDescriptions:  []sdp.TimeDescription{{Timing: sdp.Timing{StartTime: 0, StopTime: 0}}},
		MediaDescriptions: medias,
	}
	body, err := desc.Marshal()
	if err != nil {
		return nil, errors.NewInvalidSDP(err.Error())
	}
	return body, nil
}

func addressType(address string) string {
	if strings.Contains(address, ":") {
		return "IP6"
	}
	return "IP4"
}

func directionOrDefault(direction string) string {
	if direction == "" {
		return DirectionSendRecv
	}
	return direction
}
