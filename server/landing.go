package server

import (
	"html/template"
	"net/http"
)

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Sign in</title>
<style>
body { font-family: Arial, sans-serif; margin: 3rem auto; max-width: 720px; color: #1d1d1f; }
button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; margin: 0 0.5rem 0.5rem 0; }
.notice { color: #555; }
</style>
</head>
<body>
<h1>Sign in</h1>
{{if .Username}}<p>Signed in as <strong>{{.Username}}</strong>.</p>
<button data-logout="/authnz/logout">Sign out</button>{{end}}
{{if .Enabled}}{{if .Providers}}<p>{{if .Username}}Connect another identity:{{else}}Continue with:{{end}}</p>
{{range .Providers}}<button data-login="/authnz/{{.}}/login">{{.}}</button>
{{end}}{{else}}<p class="notice">No identity providers are configured.</p>{{end}}
{{else}}<p class="notice">Third-party login is not enabled on this instance.</p>{{end}}
<script>
document.querySelectorAll("button[data-login]").forEach(function (b) {
  b.addEventListener("click", function () {
    fetch(b.dataset.login, { method: "POST", credentials: "same-origin" })
      .then(function (r) { return r.json(); })
      .then(function (d) { if (d.redirect_uri) { window.location = d.redirect_uri; } else { alert(d.err_msg); } });
  });
});
document.querySelectorAll("button[data-logout]").forEach(function (b) {
  b.addEventListener("click", function () {
    fetch(b.dataset.logout, { method: "POST", credentials: "same-origin" })
      .then(function () { window.location.reload(); });
  });
});
</script>
</body>
</html>
`))

type landingView struct {
	Enabled   bool
	Providers []string
	Username  string
}

func (a *App) handleLanding(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Sessions.Fetch(r)
	if err != nil {
		a.Logger.Warn("session fetch", "error", err)
	}
	view := landingView{
		Enabled:   a.Config.Authnz.EnableOIDC,
		Providers: a.Manager.Providers(),
	}
	if sess.Authenticated() {
		view.Username = sess.Username
		noteRequest(r.Context(), sess.UserID, "")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := landingTemplate.Execute(w, view); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
