package authnz

import (
	"context"
	"errors"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// LocalProviderName is the provider registered in dev mode.
const LocalProviderName = "local"

type devGrant struct {
	challenge string
	nonce     string
}

// DevProvider completes logins locally with a fixed developer identity so
// the full login round trip can be exercised without an upstream IdP.
type DevProvider struct {
	mu       sync.Mutex
	callback string
	grants   map[string]devGrant
	user     ProviderUser
}

// NewDevProvider returns a provider that redirects straight back to callback.
func NewDevProvider(callback string) *DevProvider {
	return &DevProvider{
		callback: callback,
		grants:   make(map[string]devGrant),
		user: ProviderUser{
			Subject:           "dev-user",
			Email:             "dev@example.com",
			EmailVerified:     true,
			Name:              "Dev User",
			PreferredUsername: "dev",
		},
	}
}

// AuthCodeURL issues a one-time code and points the browser at the callback.
func (p *DevProvider) AuthCodeURL(state, nonce, codeChallenge, method string) string {
	code := "dev-" + uuid.NewString()

	p.mu.Lock()
	p.grants[code] = devGrant{challenge: codeChallenge, nonce: nonce}
	p.mu.Unlock()

	q := url.Values{}
	q.Set("code", code)
	q.Set("state", state)
	return p.callback + "?" + q.Encode()
}

// Exchange redeems a code issued by AuthCodeURL.
func (p *DevProvider) Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (ProviderUser, error) {
	p.mu.Lock()
	grant, ok := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()

	if !ok {
		return ProviderUser{}, errors.New("unknown dev code")
	}
	if grant.challenge != "" && oauth2.S256ChallengeFromVerifier(codeVerifier) != grant.challenge {
		return ProviderUser{}, errors.New("pkce verification failed")
	}
	if expectedNonce != "" && grant.nonce != expectedNonce {
		return ProviderUser{}, errors.New("nonce mismatch")
	}

	user := p.user
	user.Claims = map[string]any{"sub": user.Subject, "email": user.Email, "email_verified": true, "nonce": grant.nonce}
	return user, nil
}
