package store

import "time"

// User is a local account.
type User struct {
	ID        int64
	Username  string
	Email     string
	CreatedAt time.Time
}

// Tokens are the upstream credentials captured on the most recent login.
type Tokens struct {
	IDToken      string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IdentityLink associates a local user with an account at a third-party
// identity provider.
type IdentityLink struct {
	ID         int64
	UserID     int64
	Provider   string
	ExternalID string
	Email      string
	Tokens     Tokens
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
