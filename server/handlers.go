package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
)

const (
	msgLoginDisabled = "Login using third-party identities is not enabled on this instance."
	msgLoginRequired = "You must be logged in to manage third-party identities."
	msgNoProvider    = "No identity provider was specified."
	msgNoCallback    = "Did not receive any information from the `%s` identity provider to complete user `%s` " +
		"authentication flow. Please try again, and if the problem persists, contact the administrator of this instance. " +
		"Also note that this endpoint is to receive authentication callbacks only, and should not be called/reached by a user."
	msgCallbackError = "Failed to handle authentication callback from %s. " +
		"Please try again, and if the problem persists, contact the administrator of this instance."
	msgUnknownError = "An unknown error occurred when handling the callback from `%s` identity provider. " +
		"Please try again, and if the problem persists, contact the administrator of this instance."
)

// handleIndex lists the identities linked to the current user.
func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session fetch", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	if !sess.Authenticated() {
		writeJSONError(w, kindAuthenticationRequired, msgLoginRequired)
		return
	}
	noteRequest(r.Context(), sess.UserID, "")

	links, err := a.Identities.ListIdentities(r.Context(), sess.UserID)
	if err != nil {
		a.Logger.Error("list identities", "user_id", sess.UserID, "error", err)
		http.Error(w, "failed to list identities", http.StatusInternalServerError)
		return
	}

	out := make([]IdentityView, 0, len(links))
	for _, link := range links {
		out = append(out, IdentityView{ID: a.IDs.Encode(link.ID), Provider: link.Provider})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleLogin starts a third-party login and returns the provider URL.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.Config.Authnz.EnableOIDC {
		writeJSONError(w, kindFeatureDisabled, msgLoginDisabled)
		return
	}

	provider := chi.URLParam(r, "provider")
	if provider == "" {
		provider = r.FormValue("provider")
	}
	if provider == "" {
		writeJSONError(w, kindAuthenticationFailed, msgNoProvider)
		return
	}

	sess, err := a.Sessions.Ensure(w, r)
	if err != nil {
		a.Logger.Error("session ensure", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	noteRequest(r.Context(), sess.UserID, provider)

	redirect, err := a.Manager.Authenticate(r.Context(), provider, transactionFor(sess))
	if err != nil {
		a.Logger.Warn("authenticate failed", "provider", provider, "error", err)
		writeJSONError(w, kindAuthenticationFailed, userMessage(err, fmt.Sprintf("Failed to authenticate with `%s`.", provider)))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"redirect_uri": redirect})
}

// handleCallback receives the provider redirect after the user authenticated.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch", "error", err)
	}
	user := "anonymous"
	if sess.Authenticated() {
		user = sess.Username
		noteRequest(r.Context(), sess.UserID, provider)
	} else {
		noteRequest(r.Context(), 0, provider)
	}

	q := r.URL.Query()
	if len(q) == 0 {
		a.renderMessage(w, kindMalformedCallback, fmt.Sprintf(msgNoCallback, provider, user))
		return
	}
	if providerErr := q.Get("error"); providerErr != "" {
		a.Logger.Warn("provider returned error",
			"provider", provider,
			"error", providerErr,
			"error_description", q.Get("error_description"),
		)
		a.renderMessage(w, kindMalformedCallback, fmt.Sprintf(msgCallbackError, provider))
		return
	}
	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		a.renderMessage(w, kindMalformedCallback, fmt.Sprintf(msgNoCallback, provider, user))
		return
	}

	res, err := a.Manager.Callback(r.Context(), provider, state, code, transactionFor(sess), a.appRoot())
	if err != nil {
		a.Logger.Warn("callback failed", "provider", provider, "error", err)
		a.renderMessage(w, kindAuthenticationFailed, userMessage(err, fmt.Sprintf(msgCallbackError, provider)))
		return
	}
	if res.User == nil {
		a.renderMessage(w, kindAuthenticationFailed, fmt.Sprintf(msgUnknownError, provider))
		return
	}

	if _, err := a.Sessions.Login(w, r, sess, res.User.ID, res.User.Username, provider); err != nil {
		a.Logger.Error("session login", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	noteRequest(r.Context(), res.User.ID, provider)

	redirect := res.RedirectURL
	if redirect == "" {
		redirect = a.appRoot()
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleDisconnect removes the link between the current user and a provider.
func (a *App) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Error("session fetch", "error", err)
		http.Error(w, "session failure", http.StatusInternalServerError)
		return
	}
	if !sess.Authenticated() {
		a.renderMessage(w, kindAuthenticationRequired, msgLoginRequired)
		return
	}
	noteRequest(r.Context(), sess.UserID, provider)

	redirect, err := a.Manager.Disconnect(r.Context(), provider, transactionFor(sess), a.appRoot())
	if err != nil {
		a.Logger.Warn("disconnect failed", "provider", provider, "error", err)
		a.renderMessage(w, kindAuthenticationFailed, userMessage(err, fmt.Sprintf("Failed to disconnect `%s`.", provider)))
		return
	}
	if redirect == "" {
		redirect = a.appRoot()
	}
	http.Redirect(w, r, redirect, http.StatusFound)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Sessions.Clear(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Identities.Ping(r.Context()); err != nil {
		a.Logger.Error("health check", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
