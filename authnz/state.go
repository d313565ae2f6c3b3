package authnz

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type stateClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

// StateSigner mints and verifies the opaque state parameter sent to
// providers. The token names the pending login it belongs to and the
// provider it was issued for.
type StateSigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner builds a signer using an HMAC key.
func NewStateSigner(key []byte, issuer string, ttl time.Duration) (*StateSigner, error) {
	if len(key) < 16 {
		return nil, errors.New("state signing key must be at least 16 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("state ttl must be positive")
	}
	return &StateSigner{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Sign returns a state token for the pending login id.
func (s *StateSigner) Sign(pendingID, provider string) (string, error) {
	now := s.now()
	claims := stateClaims{
		Provider: provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        pendingID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and expiry and returns the pending login
// id and provider carried by the token.
func (s *StateSigner) Verify(state string) (pendingID, provider string, err error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &stateClaims{}
	tok, err := parser.ParseWithClaims(state, claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse state: %w", err)
	}
	if !tok.Valid || claims.ID == "" {
		return "", "", errors.New("state invalid")
	}
	return claims.ID, claims.Provider, nil
}
