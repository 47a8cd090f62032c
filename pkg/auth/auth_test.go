package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProvider() *JWTProvider {
	return NewJWTProvider(JWTConfig{Secret: "test-secret"})
}

func signedToken(t *testing.T, p *JWTProvider, claims *Claims, ttl time.Duration) string {
	t.Helper()
	token, err := p.IssueToken(claims, ttl)
	require.NoError(t, err)
	return token
}

func TestJWTProvider_Authenticate(t *testing.T) {
	p := newProvider()

	t.Run("Accepts a valid bearer token", func(t *testing.T) {
		token := signedToken(t, p, &Claims{
			UserID:     "user-1",
			OrgID:      "org-1",
			Roles:      []string{"member"},
			ClientType: "web",
		}, time.Hour)

		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		claims, err := p.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
		assert.Equal(t, "org-1", claims.OrgID)
		assert.True(t, claims.HasRole("member"))
	})

	t.Run("Accepts the token query parameter", func(t *testing.T) {
		token := signedToken(t, p, &Claims{UserID: "user-1", OrgID: "org-1"}, time.Hour)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		claims, err := p.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "org-1", claims.OrgID)
	})

	t.Run("Falls back to the subject claim for the user id", func(t *testing.T) {
		token := signedToken(t, p, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-9"},
			OrgID:            "org-1",
		}, time.Hour)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		claims, err := p.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "user-9", claims.UserID)
	})

	t.Run("Rejects a request with no credential", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrNoToken)
	})

	t.Run("Rejects an expired token", func(t *testing.T) {
		token := signedToken(t, p, &Claims{UserID: "user-1", OrgID: "org-1"}, -time.Minute)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Rejects a token signed with another secret", func(t *testing.T) {
		other := NewJWTProvider(JWTConfig{Secret: "other-secret"})
		token := signedToken(t, other, &Claims{UserID: "user-1", OrgID: "org-1"}, time.Hour)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Rejects a token without an org id", func(t *testing.T) {
		token := signedToken(t, p, &Claims{UserID: "user-1"}, time.Hour)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrMissingOrg)
	})

	t.Run("Rejects an unsigned token", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "user-1", OrgID: "org-1"})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		r := httptest.NewRequest("GET", "/ws?token="+token, nil)
		_, err = p.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider(map[string]*Claims{
		"dev-token": {UserID: "user-1", OrgID: "org-1"},
		"orgless":   {UserID: "user-2"},
	})

	t.Run("Resolves a known token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=dev-token", nil)
		claims, err := p.Authenticate(r)
		require.NoError(t, err)
		assert.Equal(t, "user-1", claims.UserID)
	})

	t.Run("Rejects an unknown token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=wrong", nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Rejects identities without an org", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=orgless", nil)
		_, err := p.Authenticate(r)
		assert.ErrorIs(t, err, ErrMissingOrg)
	})
}
