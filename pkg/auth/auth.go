// Package auth authenticates WebSocket handshakes. The gateway hands the
// provider the incoming request; the provider returns the identity the
// session is registered under.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	// ErrNoToken means the request carried no credential at all.
	ErrNoToken = errors.New("no token provided")
	// ErrInvalidToken covers malformed, expired, and badly signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingOrg means the token validated but carries no org scope.
	ErrMissingOrg = errors.New("token carries no org id")
)

// Claims is the identity extracted from a validated credential.
type Claims struct {
	jwt.RegisteredClaims
	UserID      string   `json:"user_id"`
	OrgID       string   `json:"org_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	ClientType  string   `json:"client_type,omitempty"`
}

// HasRole reports whether the identity carries the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Provider validates the credential on an incoming handshake.
type Provider interface {
	Authenticate(r *http.Request) (*Claims, error)
}

// JWTConfig tunes the JWT provider.
type JWTConfig struct {
	Secret string `json:"secret" mapstructure:"secret"`
	// Leeway tolerates clock skew when validating time claims.
	Leeway time.Duration `json:"leeway" mapstructure:"leeway"`
}

// JWTProvider validates HS256 bearer tokens. The credential is taken from
// the Authorization header, or from the "token" query parameter for browser
// WebSocket clients that cannot set headers.
type JWTProvider struct {
	config JWTConfig
	parser *jwt.Parser
}

// NewJWTProvider creates a JWT provider.
func NewJWTProvider(config JWTConfig) *JWTProvider {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if config.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(config.Leeway))
	}
	return &JWTProvider{
		config: config,
		parser: jwt.NewParser(opts...),
	}
}

// Authenticate implements Provider.
func (p *JWTProvider) Authenticate(r *http.Request) (*Claims, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return nil, ErrNoToken
	}

	claims := &Claims{}
	token, err := p.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(p.config.Secret), nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.OrgID == "" {
		return nil, ErrMissingOrg
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// IssueToken signs a token for the given identity; used by tests and
// provisioning tooling, not by the serving path.
func (p *JWTProvider) IssueToken(claims *Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	claims.NotBefore = jwt.NewNumericDate(now)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(p.config.Secret))
}

func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// StaticProvider maps opaque tokens to fixed identities. Meant for local
// development and tests.
type StaticProvider struct {
	tokens map[string]*Claims
}

// NewStaticProvider creates a provider over a fixed token table.
func NewStaticProvider(tokens map[string]*Claims) *StaticProvider {
	if tokens == nil {
		tokens = make(map[string]*Claims)
	}
	return &StaticProvider{tokens: tokens}
}

// Authenticate implements Provider.
func (s *StaticProvider) Authenticate(r *http.Request) (*Claims, error) {
	tokenString := extractToken(r)
	if tokenString == "" {
		return nil, ErrNoToken
	}
	claims, ok := s.tokens[tokenString]
	if !ok {
		return nil, ErrInvalidToken
	}
	if claims.OrgID == "" {
		return nil, ErrMissingOrg
	}
	return claims, nil
}
