package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"authnzd/authnz"
	"authnzd/store"
)

// browser replays cookies the way a browser does. On cross-site
// navigations, such as the IdP redirecting back, SameSite=Strict cookies
// are withheld.
type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func newBrowser(t *testing.T, handler http.Handler) *browser {
	return &browser{t: t, handler: handler, cookies: map[string]*http.Cookie{}}
}

func (b *browser) do(method, target string, crossSite bool) *httptest.ResponseRecorder {
	b.t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, c := range b.cookies {
		if crossSite && c.SameSite == http.SameSiteStrictMode {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	w := httptest.NewRecorder()
	b.handler.ServeHTTP(w, req)
	for _, c := range w.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return w
}

// login starts a login and follows the provider straight back to the
// callback, returning the callback response.
func (b *browser) login(provider string) *httptest.ResponseRecorder {
	b.t.Helper()
	w := b.do(http.MethodPost, "/authnz/"+provider+"/login", false)
	if w.Code != http.StatusOK {
		b.t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		b.t.Fatalf("decode login: %v", err)
	}
	u, err := url.Parse(body.RedirectURI)
	if err != nil {
		b.t.Fatalf("parse redirect_uri: %v", err)
	}
	if u.Path != "/authnz/"+provider+"/callback" {
		b.t.Fatalf("unexpected provider redirect %q", body.RedirectURI)
	}
	return b.do(http.MethodGet, u.RequestURI(), true)
}

func (b *browser) identities() []IdentityView {
	b.t.Helper()
	w := b.do(http.MethodGet, "/authnz", false)
	if w.Code != http.StatusOK {
		b.t.Fatalf("index: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out []IdentityView
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		b.t.Fatalf("decode index: %v", err)
	}
	return out
}

func newRoundTripApp(t *testing.T, cfg Config) *App {
	t.Helper()
	cfg.Server.SecretsPath = filepath.Join(t.TempDir(), "secrets")
	cfg.Database.DSN = filepath.Join(t.TempDir(), "authnz.db")
	app, err := NewApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	t.Cleanup(func() { _ = app.Close() })
	return app
}

func TestRoundTripDevModeLocalProvider(t *testing.T) {
	app := newRoundTripApp(t, DefaultConfig())
	b := newBrowser(t, app.Routes())

	w := b.login(authnz.LocalProviderName)
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/" {
		t.Fatalf("callback: expected redirect to /, got %d %q: %s", w.Code, w.Header().Get("Location"), w.Body.String())
	}

	ids := b.identities()
	if len(ids) != 1 || ids[0].Provider != authnz.LocalProviderName || ids[0].ID == "" {
		t.Fatalf("unexpected identities %+v", ids)
	}

	w = b.do(http.MethodDelete, "/authnz/local/disconnect", false)
	if w.Code != http.StatusFound {
		t.Fatalf("disconnect: expected 302, got %d: %s", w.Code, w.Body.String())
	}
	if ids := b.identities(); len(ids) != 0 {
		t.Fatalf("expected no identities after disconnect, got %+v", ids)
	}
}

func TestRoundTripProductionCookieSurvivesProviderRedirect(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.DevMode = false
	cfg.Server.PublicURL = "https://authnz.example.org"
	cfg.Server.TLS.Domains = []string{"authnz.example.org"}
	app := newRoundTripApp(t, cfg)

	st, ok := app.Identities.(*store.Store)
	if !ok {
		t.Fatalf("expected the sql store, got %T", app.Identities)
	}
	mgr, err := authnz.NewManager(authnz.Options{
		Providers: map[string]authnz.IdentityProvider{
			"cilogon": authnz.NewDevProvider(authnz.CallbackURL(cfg.Server.PublicURL, "cilogon")),
		},
		Store:    st,
		Pending:  authnz.NewMemoryPendingStore(time.Minute),
		StateKey: []byte("0123456789abcdef0123456789abcdef"),
		Issuer:   cfg.Server.PublicURL,
		StateTTL: time.Minute,
		Logger:   app.Logger,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	app.Manager = mgr
	handler := app.Routes()

	b := newBrowser(t, handler)
	w := b.login("cilogon")
	if w.Code != http.StatusFound {
		t.Fatalf("callback: expected 302, got %d: %s", w.Code, w.Body.String())
	}
	c := b.cookies[sessionCookieName]
	if c == nil || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected session cookie %+v", c)
	}
	if ids := b.identities(); len(ids) != 1 || ids[0].Provider != "cilogon" {
		t.Fatalf("unexpected identities %+v", ids)
	}

	// a callback replayed into a different browser is refused
	other := newBrowser(t, handler)
	w = other.do(http.MethodPost, "/authnz/cilogon/login", false)
	var body struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	u, _ := url.Parse(body.RedirectURI)
	stranger := newBrowser(t, handler)
	w = stranger.do(http.MethodGet, u.RequestURI(), true)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "different browser session") {
		t.Fatalf("expected session mismatch, got %d: %s", w.Code, w.Body.String())
	}
}
