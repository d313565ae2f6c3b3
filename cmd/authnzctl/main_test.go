package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/authnz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if c, err := r.Cookie("authnz_session"); err != nil || c.Value != "s1" {
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"err_msg":"You must be logged in to manage third-party identities.","err_code":403001}`))
			return
		}
		w.Write([]byte(`[{"id":"abc","provider":"cilogon"}]`))
	})
	mux.HandleFunc("/authnz/cilogon/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"redirect_uri":"https://idp.example/authorize"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunList(t *testing.T) {
	srv := newServer(t)
	var out, errOut bytes.Buffer
	code := run([]string{"-url", srv.URL, "-session", "s1", "list"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if got := out.String(); got != "cilogon\tabc\n" {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestRunLogin(t *testing.T) {
	srv := newServer(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"-url", srv.URL, "-session", "s1", "login", "cilogon"}, &out, &errOut); code != 0 {
		t.Fatalf("exit %d: %s", code, errOut.String())
	}
	if strings.TrimSpace(out.String()) != "https://idp.example/authorize" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunReportsServerMessage(t *testing.T) {
	srv := newServer(t)
	var out, errOut bytes.Buffer
	if code := run([]string{"-url", srv.URL, "list"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "must be logged in") {
		t.Fatalf("expected server message, got %q", errOut.String())
	}
}

func TestRunUsage(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"login"}, &out, &errOut); code != 2 {
		t.Fatalf("expected usage exit 2, got %d", code)
	}
}
