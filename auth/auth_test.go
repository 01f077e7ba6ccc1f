package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestBearerAuthProvider(t *testing.T) {
	headers := map[string]string{}
	require.NoError(t, NewBearerAuth("tok123").Apply(headers))
	require.Equal(t, "Bearer tok123", headers["Authorization"])
}

func TestBasicAuthProvider(t *testing.T) {
	headers := map[string]string{}
	require.NoError(t, NewBasicAuth("alice", "s3cret").Apply(headers))
	require.Equal(t, "Basic YWxpY2U6czNjcmV0", headers["Authorization"])
}

func TestHeaderAuthProvider(t *testing.T) {
	headers := map[string]string{}
	require.NoError(t, NewHeaderAuth(map[string]string{"X-Api-Key": "k"}).Apply(headers))
	require.Equal(t, "k", headers["X-Api-Key"])
}

type staticSource struct{ tok string }

func (s staticSource) Token() (string, error) { return s.tok, nil }

func TestJWTAuthProviderAppliesMintedToken(t *testing.T) {
	mint := func(exp time.Time) string {
		claims := jwt.MapClaims{"exp": exp.Unix()}
		tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		return tok
	}

	fresh := mint(time.Now().Add(time.Hour))
	provider := NewJWTAuthProvider(staticSource{tok: fresh}, 30*time.Second)

	headers := map[string]string{}
	require.NoError(t, provider.Apply(headers))
	require.Equal(t, "Bearer "+fresh, headers["Authorization"])
}
