package authnz

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"

	"authnzd/store"
)

// IdentityProvider represents the minimal behaviour required from an upstream IdP.
type IdentityProvider interface {
	AuthCodeURL(state, nonce, codeChallenge, method string) string
	Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (ProviderUser, error)
}

// ProviderUser consolidates identity data returned by an upstream IdP.
type ProviderUser struct {
	Subject           string
	Email             string
	EmailVerified     bool
	Name              string
	PreferredUsername string
	Claims            map[string]any
	Tokens            store.Tokens
}

// UpstreamProvider encapsulates issuer and credentials for an upstream IdP.
type UpstreamProvider struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TenantID     string   `yaml:"tenant_id,omitempty"`
	Scopes       []string `yaml:"scopes,omitempty"`
}

// OIDCProvider wraps an upstream IdP configuration and helpers.
type OIDCProvider struct {
	name        string
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, httpClient *http.Client, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("issuer required for provider %s", name)
	}
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}

	issuer := upstream.Issuer
	if upstream.TenantID != "" {
		if resolved, ok := resolveAzureTenantIssuer(upstream.Issuer, upstream.TenantID); ok {
			issuer = resolved
		}
	}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", name, err)
	}

	endpoint := op.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := upstream.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     upstream.ClientID,
		ClientSecret: upstream.ClientSecret,
		RedirectURL:  redirect,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	verifier := op.Verifier(&oidc.Config{ClientID: upstream.ClientID})

	return &OIDCProvider{
		name:        name,
		oauthConfig: oauthCfg,
		verifier:    verifier,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// AuthCodeURL constructs the authorization request for upstream.
func (p *OIDCProvider) AuthCodeURL(state, nonce, codeChallenge, method string) string {
	opts := []oauth2.AuthCodeOption{}
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", method),
		)
	}
	return p.oauthConfig.AuthCodeURL(state, opts...)
}

// Exchange completes the code exchange and returns a normalized user.
func (p *OIDCProvider) Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (ProviderUser, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	opts := []oauth2.AuthCodeOption{}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}
	tok, err := p.oauthConfig.Exchange(ctx, code, opts...)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("exchange code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return ProviderUser{}, fmt.Errorf("id_token missing in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("verify id_token: %w", err)
	}

	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return ProviderUser{}, fmt.Errorf("nonce mismatch")
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return ProviderUser{}, fmt.Errorf("parse claims: %w", err)
	}

	user := ProviderUser{
		Subject: idToken.Subject,
		Claims:  claims,
		Tokens: store.Tokens{
			IDToken:      rawIDToken,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			ExpiresAt:    tok.Expiry,
		},
	}
	if email, ok := claims["email"].(string); ok {
		user.Email = email
	}
	user.EmailVerified = claimTrue(claims["email_verified"])
	if preferred, ok := claims["preferred_username"].(string); ok {
		user.PreferredUsername = preferred
	}
	if name, ok := claims["name"].(string); ok {
		user.Name = name
	} else {
		user.Name = user.PreferredUsername
	}

	p.logger.Debug("upstream identity verified",
		"provider", p.name,
		"issuer", idToken.Issuer,
		"email_present", user.Email != "",
		"expiry_unix", idToken.Expiry.Unix(),
	)

	return user, nil
}

// ProviderSettings is everything BuildProviders needs to know about the deployment.
type ProviderSettings struct {
	PublicURL  string
	DevMode    bool
	Upstreams  map[string]UpstreamProvider
	HTTPClient *http.Client
}

// CallbackURL is the redirect URI registered with a provider.
func CallbackURL(publicURL, provider string) string {
	return strings.TrimSuffix(publicURL, "/") + "/authnz/" + provider + "/callback"
}

// BuildProviders prepares all configured upstream providers. In dev mode a
// failing provider is skipped with a warning and the local developer
// provider is registered.
func BuildProviders(ctx context.Context, settings ProviderSettings, logger *slog.Logger) (map[string]IdentityProvider, error) {
	providers := make(map[string]IdentityProvider)

	names := make([]string, 0, len(settings.Upstreams))
	for name := range settings.Upstreams {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		upstream := settings.Upstreams[name]
		prov, err := NewOIDCProvider(ctx, name, upstream, CallbackURL(settings.PublicURL, name), settings.HTTPClient, logger)
		if err != nil {
			if settings.DevMode {
				logger.Warn("provider init failed", "provider", name, "error", err)
				continue
			}
			return nil, err
		}
		providers[name] = prov
	}

	if settings.DevMode {
		if _, taken := providers[LocalProviderName]; !taken {
			providers[LocalProviderName] = NewDevProvider(CallbackURL(settings.PublicURL, LocalProviderName))
		}
	}

	return providers, nil
}

// claimTrue accepts the boolean form and the string form some providers send.
func claimTrue(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return strings.EqualFold(b, "true")
	}
	return false
}

func resolveAzureTenantIssuer(base, tenant string) (string, bool) {
	if base == "" || tenant == "" {
		return base, false
	}
	if !strings.Contains(base, "login.microsoftonline.com") {
		return base, false
	}

	trimmed := strings.TrimSuffix(base, "/")
	if strings.Contains(trimmed, "{tenant}") {
		return strings.ReplaceAll(trimmed, "{tenant}", tenant), true
	}

	const segment = "/common"
	idx := strings.Index(trimmed, segment)
	if idx == -1 {
		return base, false
	}
	prefix := trimmed[:idx]
	suffix := trimmed[idx+len(segment):]
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return prefix + "/" + tenant + suffix, true
}
