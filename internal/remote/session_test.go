package remote

import (
	"errors"
	"testing"
	"time"

	curioerr "github.com/alexjbarnes/curio/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return token
}

func TestParseSession_ValidToken(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	s, err := ParseSession(token)
	require.NoError(t, err)

	assert.Equal(t, "user-42", s.UserID)
	assert.Equal(t, token, s.Token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), s.ExpiresAt, 5*time.Second)
}

func TestParseSession_NoExpiry(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "user-42"})

	s, err := ParseSession(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", s.UserID)
	assert.True(t, s.ExpiresAt.IsZero())
}

func TestParseSession_Expired(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err := ParseSession(token)
	assert.True(t, errors.Is(err, curioerr.ErrSessionExpired))
}

func TestParseSession_MissingSubject(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	_, err := ParseSession(token)
	assert.Error(t, err)
}

func TestParseSession_Garbage(t *testing.T) {
	_, err := ParseSession("not-a-jwt")
	assert.Error(t, err)
}
