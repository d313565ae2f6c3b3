package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const sessionCookieName = "authnz_session"

// ErrSessionNotFound is returned by stores for unknown or expired ids.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists sessions by id.
type SessionStore interface {
	Get(ctx context.Context, id string) (Session, error)
	Save(ctx context.Context, sess Session) error
	Delete(ctx context.Context, id string) error
}

// SessionManager handles cookie-backed sessions.
type SessionManager struct {
	store        SessionStore
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	sameSite     http.SameSite
	cookieDomain string
	now          func() time.Time
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store SessionStore, logger *slog.Logger) *SessionManager {
	secure := !cfg.Server.DevMode

	ttl := cfg.Sessions.TTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}

	return &SessionManager{
		store:        store,
		logger:       logger,
		ttl:          ttl,
		secure:       secure,
		// the IdP's redirect to the callback is a cross-site navigation
		sameSite:     http.SameSiteLaxMode,
		cookieDomain: cfg.Server.CookieDomain,
		now:          time.Now,
	}
}

// Fetch returns the session associated with the request cookie if present.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}
	sess, err := sm.store.Get(r.Context(), cookie.Value)
	if errors.Is(err, ErrSessionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if sm.now().After(sess.ExpiresAt) {
		if err := sm.store.Delete(r.Context(), sess.ID); err != nil {
			sm.logger.Warn("expired session delete", "error", err)
		}
		return nil, nil
	}

	// Sliding expiration: extend on activity.
	sess.ExpiresAt = sm.now().Add(sm.ttl)
	if err := sm.store.Save(r.Context(), sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Ensure returns the current session, creating an anonymous one when the
// request carries none.
func (sm *SessionManager) Ensure(w http.ResponseWriter, r *http.Request) (*Session, error) {
	sess, err := sm.Fetch(r)
	if err != nil || sess != nil {
		return sess, err
	}
	anon := Session{
		ID:        uuid.NewString(),
		ExpiresAt: sm.now().Add(sm.ttl),
	}
	if err := sm.store.Save(r.Context(), anon); err != nil {
		return nil, err
	}
	sm.setCookie(w, anon.ID)
	return &anon, nil
}

// Login binds a user to a fresh session id and sets the cookie. The previous
// session, if any, is removed.
func (sm *SessionManager) Login(w http.ResponseWriter, r *http.Request, previous *Session, userID int64, username, provider string) (*Session, error) {
	if previous != nil {
		if err := sm.store.Delete(r.Context(), previous.ID); err != nil {
			sm.logger.Warn("previous session delete", "error", err)
		}
	}
	now := sm.now()
	sess := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  username,
		IDP:       provider,
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.store.Save(r.Context(), sess); err != nil {
		return nil, err
	}
	sm.setCookie(w, sess.ID)
	return &sess, nil
}

// Clear removes the server-side session and expires the cookie.
func (sm *SessionManager) Clear(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := sm.store.Delete(r.Context(), cookie.Value); err != nil {
			sm.logger.Warn("session delete", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   -1,
	})
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   int(sm.ttl.Seconds()),
	})
}
