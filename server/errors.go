package server

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"

	"authnzd/authnz"
)

// errorKind maps a class of controller failure to its HTTP surface.
type errorKind struct {
	Name   string
	Status int
	Code   int
}

var (
	kindFeatureDisabled        = errorKind{Name: "FeatureDisabled", Status: http.StatusForbidden, Code: 403002}
	kindAuthenticationRequired = errorKind{Name: "AuthenticationRequired", Status: http.StatusForbidden, Code: 403001}
	kindAuthenticationFailed   = errorKind{Name: "AuthenticationFailed", Status: http.StatusUnauthorized, Code: 401002}
	kindMalformedCallback      = errorKind{Name: "MalformedCallback", Status: http.StatusBadRequest, Code: 400008}
)

type errorBody struct {
	Message string `json:"err_msg"`
	Code    int    `json:"err_code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, kind errorKind, msg string) {
	writeJSON(w, kind.Status, errorBody{Message: msg, Code: kind.Code})
}

var messageTemplate = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 720px; color: #1d1d1f; }
.error { border: 1px solid #d32f2f; background: #fbeaea; border-radius: 8px; padding: 1rem 1.25rem; }
a { color: #1976d2; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<div class="error" data-err-code="{{.Code}}">{{.Message}}</div>
<p><a href="{{.Home}}">Return to the home page</a></p>
</body>
</html>
`))

type messageView struct {
	Title   string
	Message string
	Code    int
	Home    string
}

func (a *App) renderMessage(w http.ResponseWriter, kind errorKind, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(kind.Status)
	view := messageView{Title: "Authentication error", Message: msg, Code: kind.Code, Home: a.appRoot()}
	if err := messageTemplate.Execute(w, view); err != nil {
		a.Logger.Error("render message", "error", err)
	}
}

// userMessage extracts the user-facing text from a manager failure.
func userMessage(err error, fallback string) string {
	var authErr *authnz.Error
	if errors.As(err, &authErr) && authErr.Message != "" {
		return authErr.Message
	}
	return fallback
}
