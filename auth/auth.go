// Package auth provides AuthProvider implementations that decorate outbound
// HTTP/WebSocket requests with credentials. The session and transport
// packages only depend on the AuthProvider interface declared in types.
package auth

import (
	"encoding/base64"

	"github.com/mcpfleet/fleet/types"
)

// BearerAuthProvider injects a static "Authorization: Bearer <token>"
// header.
type BearerAuthProvider struct {
	Token string
}

var _ types.AuthProvider = (*BearerAuthProvider)(nil)

func NewBearerAuth(token string) *BearerAuthProvider {
	return &BearerAuthProvider{Token: token}
}

func (a *BearerAuthProvider) Apply(headers map[string]string) error {
	headers["Authorization"] = "Bearer " + a.Token
	return nil
}

// BasicAuthProvider injects a static HTTP Basic Authorization header.
type BasicAuthProvider struct {
	Username, Password string
}

var _ types.AuthProvider = (*BasicAuthProvider)(nil)

func NewBasicAuth(username, password string) *BasicAuthProvider {
	return &BasicAuthProvider{Username: username, Password: password}
}

func (a *BasicAuthProvider) Apply(headers map[string]string) error {
	headers["Authorization"] = basicAuthHeader(a.Username, a.Password)
	return nil
}

// HeaderAuthProvider injects an arbitrary fixed set of headers, for servers
// whose auth scheme is a static API key header rather than Authorization.
type HeaderAuthProvider struct {
	Static map[string]string
}

var _ types.AuthProvider = (*HeaderAuthProvider)(nil)

func NewHeaderAuth(static map[string]string) *HeaderAuthProvider {
	return &HeaderAuthProvider{Static: static}
}

func (a *HeaderAuthProvider) Apply(headers map[string]string) error {
	for k, v := range a.Static {
		headers[k] = v
	}
	return nil
}

// TokenSource returns a fresh bearer token on demand. JWTAuthProvider calls
// this only when it holds no token yet or the held token's expiry is within
// its refresh skew of now.
type TokenSource interface {
	Token() (string, error)
}

func basicAuthHeader(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
