package config

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"rcs-ims-core/pkg/errors"
)

// MinSessionExpire is the smallest session interval accepted by RFC 4028
const MinSessionExpire = 90 * time.Second

// Settings is the read-only RCS service snapshot consulted by the dispatcher
// and the session core. A new snapshot replaces the old one on reload; a
// snapshot is never modified in place.
type Settings struct {
	ImageSharing     bool `json:"image_sharing" env:"IMAGE_SHARING" envDefault:"true"`
	FileTransfer     bool `json:"file_transfer" env:"FILE_TRANSFER" envDefault:"true"`
	FileTransferHTTP bool `json:"file_transfer_http" env:"FILE_TRANSFER_HTTP" envDefault:"true"`
	ImSession        bool `json:"im_session" env:"IM_SESSION" envDefault:"true"`
	GroupChat        bool `json:"group_chat" env:"GROUP_CHAT" envDefault:"true"`
	StoreForward     bool `json:"store_forward" env:"STORE_FORWARD" envDefault:"true"`
	VideoSharing     bool `json:"video_sharing" env:"VIDEO_SHARING" envDefault:"true"`
	GeolocPush       bool `json:"geoloc_push" env:"GEOLOC_PUSH" envDefault:"true"`
	SocialPresence   bool `json:"social_presence" env:"SOCIAL_PRESENCE" envDefault:"false"`
	IPVoiceCall      bool `json:"ip_voice_call" env:"IP_VOICE_CALL" envDefault:"false"`
	IPVideoCall      bool `json:"ip_video_call" env:"IP_VIDEO_CALL" envDefault:"false"`

	RingingPeriod time.Duration `json:"ringing_period" env:"RINGING_PERIOD" envDefault:"30s"`

	// Session timer (RFC 4028)
	SessionRefreshExpire time.Duration `json:"session_refresh_expire" env:"SESSION_REFRESH_EXPIRE" envDefault:"1800s"`
	SessionMinExpire     time.Duration `json:"session_min_expire" env:"SESSION_MIN_EXPIRE" envDefault:"90s"`
	SessionRefresher     string        `json:"session_refresher" env:"SESSION_REFRESHER" envDefault:"uac"`
	SessionRefreshMethod string        `json:"session_refresh_method" env:"SESSION_REFRESH_METHOD" envDefault:"INVITE"`

	// Media inactivity before a session is aborted, 0 disables the watchdog
	IdleTimeout time.Duration `json:"idle_timeout" env:"IDLE_TIMEOUT" envDefault:"0s"`
}

func (s *Settings) validate() error {
	if s.RingingPeriod <= 0 {
		return errors.New("invalid RCS_RINGING_PERIOD: must be a positive duration")
	}
	if s.SessionRefreshExpire != 0 && s.SessionRefreshExpire < MinSessionExpire {
		return errors.New(fmt.Sprintf("invalid RCS_SESSION_REFRESH_EXPIRE: %s is below %s", s.SessionRefreshExpire, MinSessionExpire))
	}
	if s.SessionMinExpire < MinSessionExpire {
		return errors.New(fmt.Sprintf("invalid RCS_SESSION_MIN_EXPIRE: %s is below %s", s.SessionMinExpire, MinSessionExpire))
	}
	switch strings.ToLower(s.SessionRefresher) {
	case "uac", "uas":
	default:
		return errors.New(fmt.Sprintf("invalid RCS_SESSION_REFRESHER: %s", s.SessionRefresher))
	}
	switch strings.ToUpper(s.SessionRefreshMethod) {
	case "INVITE", "UPDATE":
	default:
		return errors.New(fmt.Sprintf("invalid RCS_SESSION_REFRESH_METHOD: %s", s.SessionRefreshMethod))
	}
	if s.IdleTimeout < 0 {
		return errors.New("invalid RCS_IDLE_TIMEOUT: must not be negative")
	}
	return nil
}

func (s *Settings) IsImageSharingSupported() bool     { return s.ImageSharing }
func (s *Settings) IsFileTransferSupported() bool     { return s.FileTransfer }
func (s *Settings) IsFileTransferHTTPSupported() bool { return s.FileTransferHTTP }
func (s *Settings) IsImSessionSupported() bool        { return s.ImSession }
func (s *Settings) IsGroupChatSupported() bool        { return s.GroupChat }
func (s *Settings) IsStoreForwardSupported() bool     { return s.StoreForward }
func (s *Settings) IsVideoSharingSupported() bool     { return s.VideoSharing }
func (s *Settings) IsGeoLocationPushSupported() bool  { return s.GeolocPush }
func (s *Settings) IsSocialPresenceSupported() bool   { return s.SocialPresence }
func (s *Settings) IsIPVoiceCallSupported() bool      { return s.IPVoiceCall }
func (s *Settings) IsIPVideoCallSupported() bool      { return s.IPVideoCall }

// DefaultSettings returns the snapshot produced by an empty environment
func DefaultSettings() *Settings {
	return &Settings{
		ImageSharing:         true,
		FileTransfer:         true,
		FileTransferHTTP:     true,
		ImSession:            true,
		GroupChat:            true,
		StoreForward:         true,
		VideoSharing:         true,
		GeolocPush:           true,
		RingingPeriod:        30 * time.Second,
		SessionRefreshExpire: 1800 * time.Second,
		SessionMinExpire:     MinSessionExpire,
		SessionRefresher:     "uac",
		SessionRefreshMethod: "INVITE",
		IdleTimeout:          0,
	}
}

// SettingsProvider hands out the current settings snapshot
type SettingsProvider interface {
	Settings() *Settings
}

// SettingsHolder is a SettingsProvider whose snapshot can be swapped atomically
type SettingsHolder struct {
	current atomic.Pointer[Settings]
}

// NewSettingsHolder creates a holder serving s
func NewSettingsHolder(s *Settings) *SettingsHolder {
	h := &SettingsHolder{}
	h.current.Store(s)
	return h
}

// Settings returns the current snapshot
func (h *SettingsHolder) Settings() *Settings {
	return h.current.Load()
}

// Swap installs a new snapshot and returns the previous one
func (h *SettingsHolder) Swap(s *Settings) *Settings {
	return h.current.Swap(s)
}
