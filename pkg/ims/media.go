package ims

import (
	"fmt"
	"sync"

	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/errors"
	imssip "rcs-ims-core/pkg/sip"
)

// MediaKind tags the media variant carried by a session
type MediaKind int

const (
	MediaChat MediaKind = iota
	MediaGroupChat
	MediaFileTransfer
	MediaImageShare
	MediaVideoShare
	MediaGeolocShare
	MediaIPCall
	MediaGenericMSRP
	MediaGenericRTP
)

func (k MediaKind) String() string {
	switch k {
	case MediaChat:
		return "chat"
	case MediaGroupChat:
		return "group_chat"
	case MediaFileTransfer:
		return "file_transfer"
	case MediaImageShare:
		return "image_share"
	case MediaVideoShare:
		return "video_share"
	case MediaGeolocShare:
		return "geoloc_share"
	case MediaIPCall:
		return "ip_call"
	case MediaGenericMSRP:
		return "generic_msrp"
	case MediaGenericRTP:
		return "generic_rtp"
	default:
		return fmt.Sprintf("media_kind(%d)", int(k))
	}
}

// IsRTP reports whether the variant negotiates an RTP media line
func (k MediaKind) IsRTP() bool {
	switch k {
	case MediaVideoShare, MediaIPCall, MediaGenericRTP:
		return true
	}
	return false
}

// Media is the media variant of a session. The session drives it through the
// offer/answer exchange: BuildInvite or BuildAnswer, then Prepare once the
// remote SDP is known, Start once the dialog is confirmed and Close on exit.
type Media interface {
	Kind() MediaKind
	FeatureTags() []string
	BuildInvite(s *Session) (*sip.Request, error)
	BuildAnswer(s *Session) (contentType string, body []byte, err error)
	Prepare(s *Session) error
	Start(s *Session) error
	Close(s *Session)
}

// ErrorHandler is implemented by media that react to session errors
type ErrorHandler interface {
	HandleError(s *Session, err *SessionError)
}

// RingingHandler is implemented by media interested in 180 Ringing
type RingingHandler interface {
	HandleRinging(s *Session, res *sip.Response)
}

// InactivityHandler replaces the default abort on media inactivity
type InactivityHandler interface {
	HandleInactivity(s *Session)
}

// ReInviteHandler takes over re-INVITE requests that are not session refreshes
type ReInviteHandler interface {
	HandleReInvite(s *Session, in *imssip.InboundRequest) bool
}

// SDPMediaConfig describes the local endpoint of an SDPMedia
type SDPMediaConfig struct {
	Kind        MediaKind
	FeatureTags []string
	Address     string
	Port        int

	// MSRP variants
	AcceptTypes        []string
	AcceptWrappedTypes []string
	FileSelector       string
	FileTransferID     string

	// RTP variants
	Media     string
	Direction string
	Codecs    []imssip.Codec
}

// SDPMedia negotiates a single MSRP or RTP media line and leaves the media
// plane to the application. Traffic is reported with Touch.
type SDPMedia struct {
	cfg SDPMediaConfig

	mu      sync.Mutex
	remote  *imssip.MediaLine
	setup   string
	started bool
	session *Session
}

var _ Media = (*SDPMedia)(nil)

// NewSDPMedia creates a media variant for cfg
func NewSDPMedia(cfg SDPMediaConfig) *SDPMedia {
	if cfg.Kind.IsRTP() && cfg.Media == "" {
		cfg.Media = "video"
		if cfg.Kind == MediaIPCall {
			cfg.Media = "audio"
		}
	}
	if !cfg.Kind.IsRTP() && len(cfg.AcceptTypes) == 0 {
		cfg.AcceptTypes = []string{"message/cpim", "application/im-iscomposing+xml"}
	}
	return &SDPMedia{cfg: cfg}
}

func (m *SDPMedia) Kind() MediaKind {
	return m.cfg.Kind
}

func (m *SDPMedia) FeatureTags() []string {
	return m.cfg.FeatureTags
}

// BuildInvite builds the initial INVITE carrying the local offer
func (m *SDPMedia) BuildInvite(s *Session) (*sip.Request, error) {
	setup := s.CreateSetupOffer()
	body, err := m.localSDP(s, setup)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.setup = setup
	m.mu.Unlock()

	return s.CreateInvite(m.cfg.FeatureTags, imssip.ContentTypeSDP, body), nil
}

// BuildAnswer answers the remote offer stored on the dialog
func (m *SDPMedia) BuildAnswer(s *Session) (string, []byte, error) {
	remote, err := m.remoteLine(s)
	if err != nil {
		return "", nil, err
	}

	setup := ""
	if remote.IsMSRP() {
		setup = s.CreateSetupAnswer(remote.Setup)
	}
	body, err := m.localSDP(s, setup)
	if err != nil {
		return "", nil, err
	}

	m.mu.Lock()
	m.setup = setup
	m.remote = remote
	m.mu.Unlock()
	return imssip.ContentTypeSDP, body, nil
}

// Prepare records the remote media line of the negotiated SDP
func (m *SDPMedia) Prepare(s *Session) error {
	remote, err := m.remoteLine(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.remote = remote
	m.mu.Unlock()
	return nil
}

// Start arms the inactivity watchdog of the session
func (m *SDPMedia) Start(s *Session) error {
	m.mu.Lock()
	if m.remote == nil {
		m.mu.Unlock()
		return errors.NewInvalidSDP("media started before negotiation")
	}
	m.started = true
	m.session = s
	m.mu.Unlock()

	s.Activity().Start()
	return nil
}

func (m *SDPMedia) Close(s *Session) {
	m.mu.Lock()
	m.started = false
	m.session = nil
	m.mu.Unlock()

	s.Activity().Stop()
}

// Touch reports media traffic to the session's inactivity watchdog
func (m *SDPMedia) Touch() {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s != nil {
		s.Activity().UpdateActivity()
	}
}

// Remote returns the negotiated remote media line, nil before negotiation
func (m *SDPMedia) Remote() *imssip.MediaLine {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Setup returns the local a=setup role
func (m *SDPMedia) Setup() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setup
}

// IsStarted reports whether the media is running
func (m *SDPMedia) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

func (m *SDPMedia) localSDP(s *Session, setup string) ([]byte, error) {
	if m.cfg.Kind.IsRTP() {
		return imssip.BuildRtpSDP(imssip.RtpSDPOptions{
			Address:   m.cfg.Address,
			Media:     m.cfg.Media,
			Port:      m.cfg.Port,
			Direction: m.cfg.Direction,
			Codecs:    m.cfg.Codecs,
		})
	}
	return imssip.BuildMsrpSDP(imssip.MsrpSDPOptions{
		Address:            m.cfg.Address,
		Port:               m.cfg.Port,
		Path:               fmt.Sprintf("msrp://%s:%d/%s;tcp", m.cfg.Address, m.cfg.Port, s.ID()),
		Setup:              setup,
		Direction:          m.cfg.Direction,
		AcceptTypes:        m.cfg.AcceptTypes,
		AcceptWrappedTypes: m.cfg.AcceptWrappedTypes,
		FileSelector:       m.cfg.FileSelector,
		FileTransferID:     m.cfg.FileTransferID,
	})
}

func (m *SDPMedia) remoteLine(s *Session) (*imssip.MediaLine, error) {
	summary, err := imssip.SummarizeSDP(s.Dialog().RemoteContent())
	if err != nil {
		return nil, err
	}

	var line *imssip.MediaLine
	if m.cfg.Kind.IsRTP() {
		line = summary.Media(m.cfg.Media)
	} else {
		line = summary.MSRP()
	}
	if line == nil {
		return nil, errors.NewInvalidSDP("no matching media line", map[string]interface{}{
			"media": m.cfg.Kind.String(),
		})
	}
	return line, nil
}
