package ims

import (
	"io"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/auth"
	"rcs-ims-core/pkg/config"
	imssip "rcs-ims-core/pkg/sip"
	"rcs-ims-core/pkg/util"
)

// DefaultTransactionTimeout bounds a SIP transaction (64*T1)
const DefaultTransactionTimeout = 32 * time.Second

// Core carries the collaborators shared by the services and sessions of one
// IMS client. It is built once at startup and passed to every service.
type Core struct {
	Logger    *logrus.Logger
	Transport imssip.Transport
	Factory   *imssip.MessageFactory
	Settings  config.SettingsProvider

	// Registration is the digest context cached by the registration
	// procedure, nil when registration is handled elsewhere.
	Registration *auth.DigestContext
	Username     string
	Password     string

	PublicURI     sip.Uri
	Contact       sip.Uri
	OutboundProxy string
	BehindNAT     bool

	TransactionTimeout time.Duration

	Capabilities CapabilityRequester
	Panics       *util.PanicHandler
}

// WithDefaults fills the optional fields of c in place and returns it
func (c *Core) WithDefaults() *Core {
	if c.Logger == nil {
		c.Logger = logrus.New()
		c.Logger.SetOutput(io.Discard)
	}
	if c.Factory == nil {
		c.Factory = &imssip.MessageFactory{}
	}
	if c.Settings == nil {
		c.Settings = config.NewSettingsHolder(config.DefaultSettings())
	}
	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = DefaultTransactionTimeout
	}
	if c.Panics == nil {
		c.Panics = util.NewPanicHandler(c.Logger)
	}
	return c
}

func (c *Core) settings() *config.Settings {
	return c.Settings.Settings()
}
