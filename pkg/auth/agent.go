package auth

import (
	"github.com/emiago/sipgo/sip"

	"rcs-ims-core/pkg/errors"
)

// SessionAuthenticationAgent adds digest credentials to the requests of one
// session. The registration context is shared with the registration
// procedure and reused for Authorization headers; Proxy-Authorization uses
// a context owned by the agent. The agent never retries by itself.
type SessionAuthenticationAgent struct {
	registration *DigestContext
	proxy        *DigestContext
}

// NewSessionAuthenticationAgent creates an agent. registration may be nil
// when no registration challenge is cached.
func NewSessionAuthenticationAgent(registration *DigestContext, username, password string) *SessionAuthenticationAgent {
	return &SessionAuthenticationAgent{
		registration: registration,
		proxy:        NewDigestContext(username, password),
	}
}

// ReadProxyAuthenticateHeader stores the challenge of a 407 response
func (a *SessionAuthenticationAgent) ReadProxyAuthenticateHeader(res *sip.Response) error {
	h := res.GetHeader("Proxy-Authenticate")
	if h == nil {
		return errors.NewSipPayload("407 response without Proxy-Authenticate", map[string]interface{}{
			"status": int(res.StatusCode),
		})
	}
	return a.proxy.UpdateChallenge(h.Value())
}

// SetProxyAuthorizationHeader adds Proxy-Authorization to req when a proxy
// challenge is known.
func (a *SessionAuthenticationAgent) SetProxyAuthorizationHeader(req *sip.Request) error {
	if !a.proxy.HasChallenge() {
		return nil
	}
	value, err := a.proxy.Authorize(string(req.Method), req.Recipient.String(), req.Body())
	if err != nil {
		return err
	}
	replaceHeader(req, "Proxy-Authorization", value)
	return nil
}

// SetAuthorizationHeader adds Authorization to req from the cached
// registration challenge, if any.
func (a *SessionAuthenticationAgent) SetAuthorizationHeader(req *sip.Request) error {
	if a.registration == nil || !a.registration.HasChallenge() {
		return nil
	}
	value, err := a.registration.Authorize(string(req.Method), req.Recipient.String(), req.Body())
	if err != nil {
		return err
	}
	replaceHeader(req, "Authorization", value)
	return nil
}

// Authorize adds every credential header known to the agent
func (a *SessionAuthenticationAgent) Authorize(req *sip.Request) error {
	if err := a.SetAuthorizationHeader(req); err != nil {
		return err
	}
	return a.SetProxyAuthorizationHeader(req)
}

func replaceHeader(req *sip.Request, name, value string) {
	req.RemoveHeader(name)
	req.AppendHeader(sip.NewHeader(name, value))
}
