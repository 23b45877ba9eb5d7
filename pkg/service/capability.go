package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"rcs-ims-core/pkg/config"
	"rcs-ims-core/pkg/dispatcher"
	"rcs-ims-core/pkg/errors"
	"rcs-ims-core/pkg/ims"
	imssip "rcs-ims-core/pkg/sip"
)

// Capabilities are the services a contact advertised in its last OPTIONS
// exchange
type Capabilities struct {
	Contact          string
	RCS              bool
	ImSession        bool
	FileTransfer     bool
	FileTransferHTTP bool
	ImageSharing     bool
	VideoSharing     bool
	GeolocPush       bool
	IPVoiceCall      bool
	IPVideoCall      bool
	Extensions       []string
	FeatureTags      []string
	Timestamp        time.Time
}

// CapabilityService answers OPTIONS with the local feature tags and queries
// remote contacts. Results are cached per contact.
type CapabilityService struct {
	core    *ims.Core
	logger  *logrus.Logger
	intents *dispatcher.SipIntentManager

	mu    sync.RWMutex
	cache map[string]*Capabilities
	now   func() time.Time

	// ctx bounds background queries and is cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ dispatcher.CapabilityHandler = (*CapabilityService)(nil)
	_ ims.CapabilityRequester      = (*CapabilityService)(nil)
)

// NewCapabilityService creates the service. intents adds the registered
// extensions to the advertised tags, it may be nil.
func NewCapabilityService(core *ims.Core, intents *dispatcher.SipIntentManager) *CapabilityService {
	core.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &CapabilityService{
		core:    core,
		logger:  core.Logger,
		intents: intents,
		cache:   make(map[string]*Capabilities),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// LocalFeatureTags returns the tags advertised for the current settings
func (c *CapabilityService) LocalFeatureTags() []string {
	return localFeatureTags(c.core.Settings.Settings(), c.intents)
}

// ReceiveCapabilityRequest answers an OPTIONS and records the capabilities
// the requester advertised
func (c *CapabilityService) ReceiveCapabilityRequest(in *imssip.InboundRequest) error {
	res := c.core.Factory.CreateResponse(in.Request, imssip.NewTag(), 200, "OK")
	res.AppendHeader(c.contactHeader())
	res.AppendHeader(sip.NewHeader(imssip.HeaderAllow, imssip.AllowedMethods))
	if err := in.Respond(res); err != nil {
		return errors.NewSipNetwork("failed to answer OPTIONS", err)
	}

	if from := in.Request.From(); from != nil {
		c.store(parseCapabilities(contactKey(from.Address), in.Request, c.now()))
	}
	c.logger.WithFields(requestFields(in)).Debug("Capability request answered")
	return nil
}

// ReceiveNotification acknowledges the NOTIFY of an anonymous presence
// fetch. The contact is known to be an RCS user.
func (c *CapabilityService) ReceiveNotification(in *imssip.InboundRequest) error {
	if err := respondOK(in); err != nil {
		return err
	}
	if from := in.Request.From(); from != nil {
		key := contactKey(from.Address)
		c.mu.Lock()
		if _, ok := c.cache[key]; !ok {
			c.cache[key] = &Capabilities{Contact: key, RCS: true, Timestamp: c.now()}
		}
		c.mu.Unlock()
	}
	c.logger.WithFields(requestFields(in)).Debug("Anonymous fetch notification received")
	return nil
}

// RequestCapabilities sends an OPTIONS to contact in the background. It does
// nothing once the service is closed.
func (c *CapabilityService) RequestCapabilities(contact sip.Uri) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	c.core.Panics.SafeGo("capability-request", func() {
		defer c.wg.Done()
		if _, err := c.QueryCapabilities(c.ctx, contact); err != nil {
			entry := c.logger.WithError(err).WithField("contact", contact.String())
			if c.ctx.Err() != nil {
				entry.Debug("Capability request abandoned")
				return
			}
			entry.Warn("Capability request failed")
		}
	})
}

// Close cancels the background requests and waits for them to return
func (c *CapabilityService) Close() {
	c.cancel()
	c.wg.Wait()
}

// QueryCapabilities sends an OPTIONS to contact and returns the result
// cached for it. A 404, 408 or 480 marks the contact as not RCS.
func (c *CapabilityService) QueryCapabilities(ctx context.Context, contact sip.Uri) (*Capabilities, error) {
	options := c.core.Factory.CreateOptions(c.core.PublicURI, contact, c.core.Contact, c.LocalFeatureTags())
	if c.core.OutboundProxy != "" {
		options.SetDestination(c.core.OutboundProxy)
	}

	txCtx, err := c.core.Transport.SendSipMessageAndWait(ctx, options, c.core.TransactionTimeout, nil)
	if err != nil {
		return nil, errors.NewSipNetwork("OPTIONS failed", err)
	}

	key := contactKey(contact)
	switch code := txCtx.StatusCode(); {
	case code == 200:
		caps := parseCapabilities(key, txCtx.Response, c.now())
		c.store(caps)
		return caps, nil
	case code == 404 || code == 480 || code == 408:
		caps := &Capabilities{Contact: key, Timestamp: c.now()}
		c.store(caps)
		return caps, nil
	case code == 0:
		return nil, errors.NewTimeout("OPTIONS", map[string]interface{}{"contact": key})
	default:
		return nil, errors.Wrap(errors.ErrSipNetwork, "unexpected OPTIONS response", map[string]interface{}{
			"contact": key,
			"status":  code,
		})
	}
}

// Capabilities returns a copy of the cached capabilities of contact
func (c *CapabilityService) Capabilities(contact sip.Uri) (*Capabilities, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	caps, ok := c.cache[contactKey(contact)]
	if !ok {
		return nil, false
	}
	cp := *caps
	return &cp, true
}

// Wait blocks until the background requests are done
func (c *CapabilityService) Wait() {
	c.wg.Wait()
}

func (c *CapabilityService) store(caps *Capabilities) {
	c.mu.Lock()
	c.cache[caps.Contact] = caps
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{
		"contact": caps.Contact,
		"rcs":     caps.RCS,
		"tags":    len(caps.FeatureTags),
	}).Debug("Capabilities updated")
}

func (c *CapabilityService) contactHeader() sip.Header {
	var b strings.Builder
	b.WriteString("<" + c.core.Contact.String() + ">")
	for _, tag := range c.LocalFeatureTags() {
		b.WriteString(";" + tag)
	}
	if c.core.Factory.InstanceID != "" {
		b.WriteString(";" + imssip.FeatureSipInstance + `="` + c.core.Factory.InstanceID + `"`)
	}
	return sip.NewHeader("Contact", b.String())
}

// localFeatureTags lists the tags of the services enabled in s
func localFeatureTags(s *config.Settings, intents *dispatcher.SipIntentManager) []string {
	var tags []string
	if s.IsImSessionSupported() || s.IsGroupChatSupported() {
		tags = append(tags, imssip.FeatureOmaIM)
	}

	var iaris []string
	if s.IsFileTransferSupported() {
		iaris = append(iaris, imssip.IariFileTransfer)
	}
	if s.IsFileTransferHTTPSupported() {
		iaris = append(iaris, imssip.IariFtHTTP)
	}
	if s.IsImageSharingSupported() {
		iaris = append(iaris, imssip.IariImageShare)
	}
	if s.IsVideoSharingSupported() {
		iaris = append(iaris, imssip.IariVideoShare)
	}
	if s.IsGeoLocationPushSupported() {
		iaris = append(iaris, imssip.IariGeolocPush)
	}
	if intents != nil {
		for _, ext := range intents.Extensions() {
			iaris = append(iaris, imssip.IariExtPrefix+ext)
		}
	}
	if len(iaris) > 0 {
		tags = append(tags, imssip.IariRef(strings.Join(iaris, ",")))
	}

	if s.IsIPVoiceCallSupported() {
		tags = append(tags, imssip.FeatureIPVoiceCall)
		if s.IsIPVideoCallSupported() {
			tags = append(tags, imssip.FeatureIPVideoCall)
		}
	}
	return tags
}

// parseCapabilities reads the feature tags advertised in msg
func parseCapabilities(contact string, msg interface {
	GetHeader(name string) sip.Header
	GetHeaders(name string) []sip.Header
}, now time.Time) *Capabilities {
	caps := &Capabilities{
		Contact:          contact,
		FeatureTags:      imssip.FeatureTags(msg),
		ImSession:        imssip.HasFeatureTag(msg, imssip.FeatureOmaIM),
		FileTransfer:     imssip.HasFeatureTag(msg, imssip.IariRef(imssip.IariFileTransfer)),
		FileTransferHTTP: imssip.HasFeatureTag(msg, imssip.IariRef(imssip.IariFtHTTP)),
		ImageSharing:     imssip.HasFeatureTag(msg, imssip.FeatureImageShare),
		VideoSharing:     imssip.HasFeatureTag(msg, imssip.IariRef(imssip.IariVideoShare)),
		GeolocPush:       imssip.HasFeatureTag(msg, imssip.IariRef(imssip.IariGeolocPush)),
		IPVoiceCall:      imssip.HasFeatureTag(msg, imssip.FeatureIPVoiceCall),
		Extensions:       imssip.ExtensionIaris(msg),
		Timestamp:        now,
	}
	caps.IPVideoCall = caps.IPVoiceCall && imssip.HasFeatureTag(msg, imssip.FeatureIPVideoCall)
	caps.RCS = caps.ImSession || caps.FileTransfer || caps.FileTransferHTTP || caps.ImageSharing ||
		caps.VideoSharing || caps.GeolocPush || len(caps.Extensions) > 0
	return caps
}

// contactKey identifies a contact by its user part, its host otherwise
func contactKey(uri sip.Uri) string {
	if uri.User != "" {
		return uri.User
	}
	return uri.Host
}
