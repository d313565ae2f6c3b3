package authnz

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"authnzd/store"
)

// maxUsernameAttempts bounds the numeric suffixes tried for a taken username.
const maxUsernameAttempts = 50

// Transaction is the view of the current request the manager needs.
type Transaction struct {
	SessionID string
	UserID    int64
	Username  string
}

// Authenticated reports whether a user is logged in.
func (tx Transaction) Authenticated() bool { return tx.UserID != 0 }

// CallbackResult is the outcome of a completed upstream login.
type CallbackResult struct {
	RedirectURL string
	User        *store.User
}

// IdentityStore is the persistence the manager relies on.
type IdentityStore interface {
	CreateUserWithIdentity(ctx context.Context, username, email string, link store.IdentityLink) (store.User, store.IdentityLink, error)
	GetUser(ctx context.Context, id int64) (store.User, error)
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	FindIdentity(ctx context.Context, provider, externalID string) (store.IdentityLink, error)
	CreateIdentity(ctx context.Context, link store.IdentityLink) (store.IdentityLink, error)
	UpdateIdentityTokens(ctx context.Context, id int64, tokens store.Tokens) error
	DeleteIdentity(ctx context.Context, userID int64, provider string) error
}

// Options configures a Manager.
type Options struct {
	Providers   map[string]IdentityProvider
	Store       IdentityStore
	Pending     PendingStore
	StateKey    []byte
	Issuer      string
	StateTTL    time.Duration
	LinkByEmail bool
	Logger      *slog.Logger
}

// Manager runs the OIDC login flow and links upstream identities to local users.
type Manager struct {
	providers   map[string]IdentityProvider
	store       IdentityStore
	state       *StateSigner
	pending     PendingStore
	linkByEmail bool
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager validates opts and returns a ready manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("identity store required")
	}
	if opts.StateTTL <= 0 {
		opts.StateTTL = 10 * time.Minute
	}
	signer, err := NewStateSigner(opts.StateKey, opts.Issuer, opts.StateTTL)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pending := opts.Pending
	if pending == nil {
		pending = NewMemoryPendingStore(opts.StateTTL)
	}
	providers := opts.Providers
	if providers == nil {
		providers = map[string]IdentityProvider{}
	}
	return &Manager{
		providers:   providers,
		store:       opts.Store,
		state:       signer,
		pending:     pending,
		linkByEmail: opts.LinkByEmail,
		logger:      logger,
		now:         time.Now,
	}, nil
}

// Providers lists the configured provider names in sorted order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Authenticate starts a login with provider and returns the URL the browser
// must visit.
func (m *Manager) Authenticate(ctx context.Context, provider string, tx Transaction) (string, error) {
	prov, ok := m.providers[provider]
	if !ok {
		return "", fail(nil, "Unknown identity provider `%s`.", provider)
	}
	if tx.SessionID == "" {
		return "", fail(nil, "A browser session is required to log in with `%s`.", provider)
	}

	nonce, err := randomToken(16)
	if err != nil {
		return "", fail(err, "Failed to start authentication with `%s`.", provider)
	}
	verifier := oauth2.GenerateVerifier()
	pending := PendingLogin{
		ID:        uuid.NewString(),
		Provider:  provider,
		SessionID: tx.SessionID,
		Nonce:     nonce,
		Verifier:  verifier,
		CreatedAt: m.now(),
	}

	state, err := m.state.Sign(pending.ID, provider)
	if err != nil {
		return "", fail(err, "Failed to start authentication with `%s`.", provider)
	}
	if err := m.pending.Save(ctx, pending); err != nil {
		return "", fail(err, "Failed to start authentication with `%s`.", provider)
	}

	m.logger.Info("authentication started", "provider", provider, "pending_id", pending.ID, "user_id", tx.UserID)
	return prov.AuthCodeURL(state, nonce, oauth2.S256ChallengeFromVerifier(verifier), "S256"), nil
}

// Callback completes the login started by Authenticate.
func (m *Manager) Callback(ctx context.Context, provider, state, code string, tx Transaction, loginRedirectURL string) (CallbackResult, error) {
	prov, ok := m.providers[provider]
	if !ok {
		return CallbackResult{}, fail(nil, "Unknown identity provider `%s`.", provider)
	}

	pendingID, stateProvider, err := m.state.Verify(state)
	if err != nil {
		return CallbackResult{}, fail(err, "The authentication request for `%s` is invalid or has expired. Please try logging in again.", provider)
	}
	if stateProvider != provider {
		return CallbackResult{}, fail(nil, "The authentication request was not issued for `%s`.", provider)
	}
	pending, err := m.pending.Consume(ctx, pendingID)
	if errors.Is(err, ErrPendingNotFound) {
		return CallbackResult{}, fail(err, "The authentication request for `%s` was already used or has expired. Please try logging in again.", provider)
	}
	if err != nil {
		return CallbackResult{}, fail(err, "Failed to complete authentication with `%s`.", provider)
	}
	if pending.SessionID != tx.SessionID {
		return CallbackResult{}, fail(nil, "The authentication request for `%s` was started in a different browser session.", provider)
	}

	ident, err := prov.Exchange(ctx, code, pending.Verifier, pending.Nonce)
	if err != nil {
		return CallbackResult{}, fail(err, "Failed to complete authentication with `%s`.", provider)
	}
	if ident.Subject == "" {
		return CallbackResult{}, fail(nil, "The `%s` identity provider did not return a subject.", provider)
	}

	user, err := m.resolveUser(ctx, provider, ident, tx)
	if err != nil {
		return CallbackResult{}, err
	}

	m.logger.Info("authentication completed", "provider", provider, "user_id", user.ID, "username", user.Username)
	return CallbackResult{RedirectURL: loginRedirectURL, User: &user}, nil
}

func (m *Manager) resolveUser(ctx context.Context, provider string, ident ProviderUser, tx Transaction) (store.User, error) {
	link, err := m.store.FindIdentity(ctx, provider, ident.Subject)
	switch {
	case err == nil:
		if tx.Authenticated() && link.UserID != tx.UserID {
			return store.User{}, fail(nil, "This `%s` identity is already associated with another account.", provider)
		}
		if err := m.store.UpdateIdentityTokens(ctx, link.ID, ident.Tokens); err != nil {
			return store.User{}, fail(err, "Failed to update the `%s` identity.", provider)
		}
		user, err := m.store.GetUser(ctx, link.UserID)
		if err != nil {
			return store.User{}, fail(err, "Failed to load the account linked to `%s`.", provider)
		}
		return user, nil
	case !errors.Is(err, store.ErrNotFound):
		return store.User{}, fail(err, "Failed to look up the `%s` identity.", provider)
	}

	if tx.Authenticated() {
		user, err := m.store.GetUser(ctx, tx.UserID)
		if err != nil {
			return store.User{}, fail(err, "Failed to load the current account.")
		}
		if err := m.link(ctx, user, provider, ident); err != nil {
			return store.User{}, err
		}
		return user, nil
	}

	// unverified addresses never select an existing account
	if ident.EmailVerified && ident.Email != "" {
		existing, err := m.store.GetUserByEmail(ctx, ident.Email)
		switch {
		case err == nil:
			if !m.linkByEmail {
				return store.User{}, fail(nil, "An account with the email address provided by `%s` already exists. Please log in to that account and connect `%s` from your account settings.", provider, provider)
			}
			if err := m.link(ctx, existing, provider, ident); err != nil {
				return store.User{}, err
			}
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return store.User{}, fail(err, "Failed to look up the account for `%s`.", provider)
		}
	}

	user, err := m.createLinkedUser(ctx, provider, ident)
	if errors.Is(err, store.ErrIdentityLinked) {
		// a concurrent callback for the same identity won the race
		link, err := m.store.FindIdentity(ctx, provider, ident.Subject)
		if err != nil {
			return store.User{}, fail(err, "Failed to look up the `%s` identity.", provider)
		}
		user, err = m.store.GetUser(ctx, link.UserID)
		if err != nil {
			return store.User{}, fail(err, "Failed to load the account linked to `%s`.", provider)
		}
		return user, nil
	}
	if err != nil {
		return store.User{}, fail(err, "Failed to create an account for the `%s` identity.", provider)
	}
	m.logger.Info("identity linked", "provider", provider, "user_id", user.ID, "new_user", true)
	return user, nil
}

func (m *Manager) link(ctx context.Context, user store.User, provider string, ident ProviderUser) error {
	_, err := m.store.CreateIdentity(ctx, store.IdentityLink{
		UserID:     user.ID,
		Provider:   provider,
		ExternalID: ident.Subject,
		Email:      ident.Email,
		Tokens:     ident.Tokens,
	})
	if errors.Is(err, store.ErrConflict) {
		return fail(err, "Your account is already connected to a different `%s` identity. Disconnect it first.", provider)
	}
	if err != nil {
		return fail(err, "Failed to link the `%s` identity.", provider)
	}
	m.logger.Info("identity linked", "provider", provider, "user_id", user.ID)
	return nil
}

// createLinkedUser creates an account and its first identity link together,
// trying numeric suffixes while the username is taken.
func (m *Manager) createLinkedUser(ctx context.Context, provider string, ident ProviderUser) (store.User, error) {
	email := ""
	if ident.EmailVerified {
		email = ident.Email
	}
	link := store.IdentityLink{
		Provider:   provider,
		ExternalID: ident.Subject,
		Email:      ident.Email,
		Tokens:     ident.Tokens,
	}

	base := usernameFor(ident)
	for i := 0; i < maxUsernameAttempts; i++ {
		candidate := base
		if i > 0 {
			candidate = fmt.Sprintf("%s-%d", base, i)
		}
		if _, err := m.store.GetUserByUsername(ctx, candidate); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return store.User{}, err
		}
		user, _, err := m.store.CreateUserWithIdentity(ctx, candidate, email, link)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		return user, err
	}
	return store.User{}, fmt.Errorf("no free username for %q", base)
}

// Disconnect removes the link between the current user and provider.
func (m *Manager) Disconnect(ctx context.Context, provider string, tx Transaction, disconnectRedirectURL string) (string, error) {
	if !tx.Authenticated() {
		return "", fail(nil, "You must be logged in to disconnect an identity.")
	}
	err := m.store.DeleteIdentity(ctx, tx.UserID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return "", fail(err, "Your account is not connected to `%s`.", provider)
	}
	if err != nil {
		return "", fail(err, "Failed to disconnect `%s`.", provider)
	}
	m.logger.Info("identity disconnected", "provider", provider, "user_id", tx.UserID)
	return disconnectRedirectURL, nil
}

// usernameFor derives a local username from upstream claims.
func usernameFor(ident ProviderUser) string {
	candidates := []string{ident.PreferredUsername}
	if at := strings.IndexByte(ident.Email, '@'); at > 0 {
		candidates = append(candidates, ident.Email[:at])
	}
	candidates = append(candidates, ident.Subject)
	for _, c := range candidates {
		if s := sanitizeUsername(c); s != "" {
			return s
		}
	}
	return "user"
}

func sanitizeUsername(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
