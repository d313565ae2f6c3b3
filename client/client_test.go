package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newFakeServer(t *testing.T) (*httptest.Server, *int32) {
	t.Helper()
	var listCalls int32
	var linked atomic.Bool
	linked.Store(true)
	mux := http.NewServeMux()
	mux.HandleFunc("/authnz", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&listCalls, 1)
		c, err := r.Cookie("authnz_session")
		if err != nil || c.Value != "good" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			w.Write([]byte(`{"err_msg":"You must be logged in to manage third-party identities.","err_code":403001}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if linked.Load() {
			w.Write([]byte(`[{"id":"f2db41e1fa331b3e","provider":"cilogon"}]`))
		} else {
			w.Write([]byte(`[]`))
		}
	})
	mux.HandleFunc("/authnz/cilogon/login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"redirect_uri":"https://cilogon.org/authorize?state=x"}`))
	})
	mux.HandleFunc("/authnz/cilogon/disconnect/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		linked.Store(false)
		http.Redirect(w, r, "/", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &listCalls
}

func TestIdentitiesAreCachedUntilDisconnect(t *testing.T) {
	srv, calls := newFakeServer(t)
	c, err := New(Config{BaseURL: srv.URL, SessionCookie: "good"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	ids, err := c.Identities(ctx)
	if err != nil {
		t.Fatalf("Identities: %v", err)
	}
	if len(ids) != 1 || ids[0].Provider != "cilogon" {
		t.Fatalf("unexpected identities %+v", ids)
	}
	if _, err := c.Identities(ctx); err != nil {
		t.Fatalf("Identities: %v", err)
	}
	if n := atomic.LoadInt32(calls); n != 1 {
		t.Fatalf("expected cached result, server saw %d calls", n)
	}

	if err := c.Disconnect(ctx, ids[0]); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	ids, err = c.Identities(ctx)
	if err != nil {
		t.Fatalf("Identities: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no identities after disconnect, got %+v", ids)
	}
}

func TestIdentitiesWithoutSession(t *testing.T) {
	srv, _ := newFakeServer(t)
	c, err := New(Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Identities(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Code != 403001 {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestLogin(t *testing.T) {
	srv, _ := newFakeServer(t)
	c, err := New(Config{BaseURL: srv.URL + "/", SessionCookie: "good"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	redirect, err := c.Login(context.Background(), "cilogon")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if redirect != "https://cilogon.org/authorize?state=x" {
		t.Fatalf("unexpected redirect %q", redirect)
	}
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.org"}); err == nil {
		t.Fatalf("expected scheme error")
	}
}
