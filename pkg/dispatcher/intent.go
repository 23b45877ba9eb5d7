package dispatcher

import (
	"sort"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/errors"
	imssip "rcs-ims-core/pkg/sip"
)

// Intent is a generic SIP invitation resolved to a registered extension
type Intent struct {
	// Extension is the IARI extension identifier, without its prefix
	Extension string
	// Owner identifies the application that registered the extension
	Owner string
}

// FeatureTag returns the feature tag advertising the extension
func (i *Intent) FeatureTag() string {
	return ExtensionFeatureTag(i.Extension)
}

// ExtensionFeatureTag formats the IARI feature tag of an extension
func ExtensionFeatureTag(extension string) string {
	return imssip.IariRef(imssip.IariExtPrefix + extension)
}

// SipIntentManager resolves generic SIP invitations against the extensions
// registered by applications
type SipIntentManager struct {
	mu         sync.RWMutex
	extensions map[string]string
}

// NewSipIntentManager creates an empty registry
func NewSipIntentManager() *SipIntentManager {
	return &SipIntentManager{extensions: make(map[string]string)}
}

// Register binds extension to owner. An extension already bound to another
// owner is refused.
func (m *SipIntentManager) Register(extension, owner string) error {
	extension = strings.TrimSpace(extension)
	if extension == "" || strings.ContainsAny(extension, `",; `) {
		return errors.Wrap(errors.ErrInvalidInput, "invalid extension", map[string]interface{}{
			"extension": extension,
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.extensions[extension]; ok && current != owner {
		return errors.Wrap(errors.ErrAlreadyExists, "extension already registered", map[string]interface{}{
			"extension": extension,
			"owner":     current,
		})
	}
	m.extensions[extension] = owner
	return nil
}

// Unregister removes extension
func (m *SipIntentManager) Unregister(extension string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.extensions, extension)
}

// IsRegistered reports whether extension has an owner
func (m *SipIntentManager) IsRegistered(extension string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.extensions[extension]
	return ok
}

// Extensions returns the registered extensions, sorted
func (m *SipIntentManager) Extensions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exts := make([]string, 0, len(m.extensions))
	for ext := range m.extensions {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// FeatureTags returns the feature tags of every registered extension, for
// capability answers
func (m *SipIntentManager) FeatureTags() []string {
	exts := m.Extensions()
	tags := make([]string, 0, len(exts))
	for _, ext := range exts {
		tags = append(tags, ExtensionFeatureTag(ext))
	}
	return tags
}

// ResolveInvitation returns the intent of the first registered extension
// carried by req, or nil
func (m *SipIntentManager) ResolveInvitation(req *sip.Request) *Intent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ext := range imssip.ExtensionIaris(req) {
		if owner, ok := m.extensions[ext]; ok {
			return &Intent{Extension: ext, Owner: owner}
		}
	}
	return nil
}

// IsSipIntentResolved reports whether req targets a registered extension
func (m *SipIntentManager) IsSipIntentResolved(req *sip.Request) bool {
	return m.ResolveInvitation(req) != nil
}
