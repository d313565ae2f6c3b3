package main

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"authnzd/authnz"
	"authnzd/server"
)

type stubProvider struct {
	url string
}

func (s *stubProvider) AuthCodeURL(state, nonce, codeChallenge, method string) string {
	return s.url
}

func (s *stubProvider) Exchange(ctx context.Context, code, codeVerifier, expectedNonce string) (authnz.ProviderUser, error) {
	return authnz.ProviderUser{}, nil
}

func TestRunConnectSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/start":
			http.Redirect(w, r, "/login", http.StatusFound)
		case "/login":
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("login"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	providers := map[string]authnz.IdentityProvider{
		"stub": &stubProvider{url: srv.URL + "/start"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, "stub", providers, nil); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}
}

func TestRunConnectFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	providers := map[string]authnz.IdentityProvider{
		"stub": &stubProvider{url: srv.URL},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, "stub", providers, nil); err == nil {
		t.Fatalf("expected error but got nil")
	}
}

func TestRunConnectMissingProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := server.DefaultConfig()

	if err := runConnect(context.Background(), cfg, logger, "missing", map[string]authnz.IdentityProvider{}, nil); err == nil {
		t.Fatalf("expected error for missing provider")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"y",             // dev mode
		"",              // public url
		"",              // listen addr
		"",              // app root
		"y",             // configure provider
		"",              // provider name
		"",              // issuer
		"galaxy-client", // client id
		"",              // client secret
		"",              // scopes
		"n",             // link by email
	}, "\n") + "\n"
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := runSetup(bufio.NewReader(strings.NewReader(answers)), path, logger)
	if err != nil {
		t.Fatalf("runSetup returned error: %v", err)
	}
	p, ok := cfg.Authnz.Providers["cilogon"]
	if !ok {
		t.Fatalf("expected cilogon provider, got %+v", cfg.Authnz.Providers)
	}
	if p.Issuer != "https://cilogon.org" || p.ClientID != "galaxy-client" || len(p.Scopes) != 3 {
		t.Fatalf("unexpected provider %+v", p)
	}
	if cfg.Authnz.StateTTL != server.DefaultStateTTL {
		t.Fatalf("state ttl did not round trip, got %s", cfg.Authnz.StateTTL)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 config, got %v", info.Mode().Perm())
	}
}

func TestRunConfigValidateProbesDiscovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	write := func(issuer string) string {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yaml := "server:\n  dev_mode: true\nauthnz:\n  providers:\n    local-idp:\n      issuer: " + issuer + "\n      client_id: galaxy\n"
		if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
		return path
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConfigValidate(write(srv.URL), logger); err != nil {
		t.Fatalf("runConfigValidate returned error: %v", err)
	}
	if err := runConfigValidate(write(srv.URL+"/missing"), logger); err == nil {
		t.Fatalf("expected unreachable provider error")
	}
}

func TestTLSMinVersion(t *testing.T) {
	if tlsMinVersion("1.3") == tlsMinVersion("1.2") {
		t.Fatalf("expected distinct tls versions")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
