package auth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/mcpfleet/fleet/types"
)

// JWKSAuthProvider selects a signing key for a server's mutual-auth
// challenge (one identified by a "kid") from a refreshing JWKS cache, then
// uses it to sign a short-lived assertion presented as the bearer token.
type JWKSAuthProvider struct {
	jwksURL string
	kid     string
	subject string
	ttl     time.Duration
	cache   *jwk.Cache
}

var _ types.AuthProvider = (*JWKSAuthProvider)(nil)

// NewJWKSAuthProvider fetches and caches the given JWKS URL, refreshing it
// at most once per refreshInterval, and will sign assertions with the key
// identified by kid.
func NewJWKSAuthProvider(ctx context.Context, jwksURL, kid, subject string, ttl, refreshInterval time.Duration, client *http.Client) (*JWKSAuthProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks: url required")
	}
	if refreshInterval == 0 {
		refreshInterval = time.Hour
	}
	if client == nil {
		client = http.DefaultClient
	}
	if ttl == 0 {
		ttl = 2 * time.Minute
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(refreshInterval), jwk.WithHTTPClient(client)); err != nil {
		return nil, fmt.Errorf("jwks: register: %w", err)
	}
	if _, err := cache.Refresh(ctx, jwksURL); err != nil {
		return nil, fmt.Errorf("jwks: initial fetch: %w", err)
	}

	return &JWKSAuthProvider{jwksURL: jwksURL, kid: kid, subject: subject, ttl: ttl, cache: cache}, nil
}

func (a *JWKSAuthProvider) Apply(headers map[string]string) error {
	assertion, err := a.sign()
	if err != nil {
		return err
	}
	headers["Authorization"] = "Bearer " + assertion
	return nil
}

func (a *JWKSAuthProvider) sign() (string, error) {
	set, err := a.cache.Get(context.Background(), a.jwksURL)
	if err != nil {
		return "", fmt.Errorf("jwks: fetch keyset: %w", err)
	}
	key, ok := set.LookupKeyID(a.kid)
	if !ok {
		return "", fmt.Errorf("jwks: key %q not found", a.kid)
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return "", fmt.Errorf("jwks: materialize key: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": a.subject,
		"iat": now.Unix(),
		"exp": now.Add(a.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = a.kid
	return token.SignedString(rawKey)
}
