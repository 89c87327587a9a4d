package remote

import (
	"fmt"
	"time"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Session identifies the authenticated user behind a token. The token
// is issued out of band (the auth UI is not part of this daemon) and
// the server verifies its signature on every request; the client only
// decodes the claims to learn who it is acting as.
type Session struct {
	UserID    string
	Token     string
	ExpiresAt time.Time
}

// ParseSession decodes the session token's claims without verifying the
// signature. An expired token is rejected up front so the daemon fails
// fast instead of having every remote call bounce.
func ParseSession(token string) (*Session, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("decoding session token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("session token has no subject claim")
	}

	s := &Session{UserID: sub, Token: token}

	exp, err := claims.GetExpirationTime()
	if err == nil && exp != nil {
		s.ExpiresAt = exp.Time

		if time.Now().After(exp.Time) {
			return nil, fmt.Errorf("token expired at %s: %w", exp.Time.Format(time.RFC3339), curioerr.ErrSessionExpired)
		}
	}

	return s, nil
}
