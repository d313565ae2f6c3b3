package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"authnzd/authnz"
	"authnzd/security"
	"authnzd/store"
)

// AuthnzManager performs the protocol work behind the controller.
type AuthnzManager interface {
	Authenticate(ctx context.Context, provider string, tx authnz.Transaction) (string, error)
	Callback(ctx context.Context, provider, state, code string, tx authnz.Transaction, loginRedirectURL string) (authnz.CallbackResult, error)
	Disconnect(ctx context.Context, provider string, tx authnz.Transaction, disconnectRedirectURL string) (string, error)
	Providers() []string
}

// IdentityLister reads a user's identity links.
type IdentityLister interface {
	ListIdentities(ctx context.Context, userID int64) ([]store.IdentityLink, error)
	Ping(ctx context.Context) error
}

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config     Config
	Logger     *slog.Logger
	Identities IdentityLister
	Sessions   *SessionManager
	Manager    AuthnzManager
	IDs        *security.IDEncoder

	closers []io.Closer
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}
	if err := app.init(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	a.closers = append(a.closers, st)
	a.Identities = st

	idSecret := []byte(cfg.Authnz.IDSecret)
	if len(idSecret) == 0 {
		idSecret, err = security.LoadOrCreateSecret(cfg.Server.SecretsPath, "id_secret", 32)
		if err != nil {
			return err
		}
	}
	a.IDs, err = security.NewIDEncoder(idSecret)
	if err != nil {
		return fmt.Errorf("init id encoder: %w", err)
	}

	stateKey, err := security.LoadOrCreateSecret(cfg.Server.SecretsPath, "state_key", 32)
	if err != nil {
		return err
	}

	stateTTL := cfg.Authnz.StateTTL
	if stateTTL <= 0 {
		stateTTL = DefaultStateTTL
	}

	// pending logins live next to the sessions so any instance can finish
	// a login another one started
	var (
		sessions SessionStore
		pending  authnz.PendingStore
	)
	switch cfg.Sessions.Backend {
	case SessionBackendRedis:
		rs, err := NewRedisSessionStore(ctx, cfg.Sessions.Redis)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, rs)
		sessions = rs
		pending = authnz.NewRedisPendingStore(rs.Client(), stateTTL)
	default:
		sessions = NewMemorySessionStore()
		pending = authnz.NewMemoryPendingStore(stateTTL)
	}
	a.Sessions = NewSessionManager(cfg, sessions, a.Logger)

	providers := map[string]authnz.IdentityProvider{}
	if cfg.Authnz.EnableOIDC {
		providers, err = authnz.BuildProviders(ctx, authnz.ProviderSettings{
			PublicURL: cfg.Server.PublicURL,
			DevMode:   cfg.Server.DevMode,
			Upstreams: cfg.Authnz.Providers,
		}, a.Logger)
		if err != nil {
			return err
		}
	}

	a.Manager, err = authnz.NewManager(authnz.Options{
		Providers:   providers,
		Store:       st,
		Pending:     pending,
		StateKey:    stateKey,
		Issuer:      cfg.Server.PublicURL,
		StateTTL:    stateTTL,
		LinkByEmail: cfg.Authnz.LinkByEmail,
		Logger:      a.Logger,
	})
	if err != nil {
		return fmt.Errorf("init authnz manager: %w", err)
	}

	a.Logger.Info("authnz ready",
		"providers", a.Manager.Providers(),
		"enable_oidc", cfg.Authnz.EnableOIDC,
		"sessions", cfg.Sessions.Backend,
		"database", cfg.Database.Driver,
	)
	return nil
}

// Close releases the store and session backend.
func (a *App) Close() error {
	var result *multierror.Error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	a.closers = nil
	return result.ErrorOrNil()
}

func (a *App) appRoot() string {
	if a.Config.Server.AppRoot == "" {
		return "/"
	}
	return a.Config.Server.AppRoot
}

func transactionFor(sess *Session) authnz.Transaction {
	if sess == nil {
		return authnz.Transaction{}
	}
	return authnz.Transaction{SessionID: sess.ID, UserID: sess.UserID, Username: sess.Username}
}
