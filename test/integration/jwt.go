package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Test tokens carry the tenant as the workspace claim and the dashboard
// roles nested under dashboards.roles. The harness maps both through the
// identity claim paths, so every authenticated test exercises dotted path
// resolution.
const (
	testKeyID       = "tessera-test-key"
	tenantClaimPath = "workspace"
	rolesClaimPath  = "dashboards.roles"
	tokenLifetime   = 15 * time.Minute
)

// TestClaims identifies the caller a token is minted for.
type TestClaims struct {
	SubjectID string
	TenantID  string
	Email     string
	Roles     []string
}

// TokenOption adjusts a token before it is signed.
type TokenOption func(*tokenSpec)

type tokenSpec struct {
	claims jwt.MapClaims
	key    *rsa.PrivateKey
}

// WithClaim sets or overrides a top level claim, e.g. iss or aud.
func WithClaim(name string, value any) TokenOption {
	return func(s *tokenSpec) { s.claims[name] = value }
}

// ExpiredBy backdates the token so that it expired d ago.
func ExpiredBy(d time.Duration) TokenOption {
	return func(s *tokenSpec) {
		now := time.Now()
		s.claims["iat"] = jwt.NewNumericDate(now.Add(-d - tokenLifetime))
		s.claims["exp"] = jwt.NewNumericDate(now.Add(-d))
	}
}

// SignedWith signs the token with key instead of the published one.
func SignedWith(key *rsa.PrivateKey) TokenOption {
	return func(s *tokenSpec) { s.key = key }
}

// tokenIssuer signs test tokens and publishes its public key as a JWKS.
type tokenIssuer struct {
	key      *rsa.PrivateKey
	jwks     *httptest.Server
	issuer   string
	audience string
}

func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	set, err := json.Marshal(map[string]any{"keys": []map[string]any{{
		"kid": testKeyID,
		"kty": "RSA",
		"alg": "RS256",
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("encode JWKS: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(set)
	}))
	t.Cleanup(srv.Close)

	return &tokenIssuer{
		key:      key,
		jwks:     srv,
		issuer:   "https://auth.test.tessera.dev",
		audience: "tessera-test",
	}
}

// Mint signs a token for claims. Options run after the defaults, so they
// can override any registered claim.
func (ti *tokenIssuer) Mint(claims TestClaims, opts ...TokenOption) (string, error) {
	now := time.Now()
	// Roles are stored as []any to match what a decoded token holds.
	roles := make([]any, len(claims.Roles))
	for i, r := range claims.Roles {
		roles[i] = r
	}
	spec := &tokenSpec{
		key: ti.key,
		claims: jwt.MapClaims{
			"iss":           ti.issuer,
			"aud":           ti.audience,
			"iat":           jwt.NewNumericDate(now),
			"exp":           jwt.NewNumericDate(now.Add(tokenLifetime)),
			"sub":           claims.SubjectID,
			"email":         claims.Email,
			tenantClaimPath: claims.TenantID,
			"dashboards":    map[string]any{"roles": roles},
		},
	}
	for _, opt := range opts {
		opt(spec)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, spec.claims)
	token.Header["kid"] = testKeyID
	return token.SignedString(spec.key)
}

// JWKSURL returns the URL of the key set.
func (ti *tokenIssuer) JWKSURL() string { return ti.jwks.URL }

// Issuer returns the iss claim the service is configured to accept.
func (ti *tokenIssuer) Issuer() string { return ti.issuer }

// Audience returns the aud claim the service is configured to accept.
func (ti *tokenIssuer) Audience() string { return ti.audience }
