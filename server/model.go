package server

import "time"

// Session captures a browser session bound to a cookie. Anonymous sessions
// have a zero UserID and exist so a login can be tied to the browser that
// started it.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id,omitempty"`
	Username  string    `json:"username,omitempty"`
	IDP       string    `json:"idp,omitempty"`
	AuthTime  time.Time `json:"auth_time,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Authenticated reports whether a user is bound to the session.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != 0
}

// IdentityView is one entry of the identity listing.
type IdentityView struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}
