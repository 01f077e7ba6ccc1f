package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mcpfleet/fleet/types"
)

// JWTAuthProvider holds a bearer token minted by a TokenSource and
// re-mints it once its "exp" claim is within refreshSkew of now.
type JWTAuthProvider struct {
	source      TokenSource
	refreshSkew time.Duration

	mu      sync.Mutex
	current string
	expiry  time.Time
}

var _ types.AuthProvider = (*JWTAuthProvider)(nil)

// NewJWTAuthProvider builds a provider that re-mints its token refreshSkew
// before expiry; refreshSkew of 0 defaults to 30s.
func NewJWTAuthProvider(source TokenSource, refreshSkew time.Duration) *JWTAuthProvider {
	if refreshSkew == 0 {
		refreshSkew = 30 * time.Second
	}
	return &JWTAuthProvider{source: source, refreshSkew: refreshSkew}
}

func (a *JWTAuthProvider) Apply(headers map[string]string) error {
	token, err := a.token()
	if err != nil {
		return err
	}
	headers["Authorization"] = "Bearer " + token
	return nil
}

func (a *JWTAuthProvider) token() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current != "" && time.Now().Add(a.refreshSkew).Before(a.expiry) {
		return a.current, nil
	}

	token, err := a.source.Token()
	if err != nil {
		return "", err
	}
	a.current = token
	a.expiry = expiryOf(token)
	return token, nil
}

// expiryOf parses the unverified "exp" claim. The client trusts its own
// TokenSource for correctness; it only needs exp to decide when to refresh.
func expiryOf(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Now().Add(5 * time.Minute)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(5 * time.Minute)
	}
	return exp.Time
}
