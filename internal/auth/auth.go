// Package auth establishes the identity a call is attributed to.
//
// Authentication runs exactly once per connection at handshake time on
// the proxy path, and once per call on the inline path. No rate-limit
// or ACL state is touched for unauthenticated traffic.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrAuthUnavailable = errors.New("credential store unavailable")
)

// AnonymousIdentity is the fixed identity for mode "none".
const AnonymousIdentity = "anonymous"

// Credentials is the raw material extracted from a handshake or
// per-call metadata.
type Credentials struct {
	APIKey      string
	BearerToken string
}

// CredentialsFromHeader extracts credentials from HTTP headers:
// X-Api-Key for api_key mode, Authorization: Bearer for bearer mode.
func CredentialsFromHeader(h http.Header) Credentials {
	creds := Credentials{APIKey: h.Get("X-Api-Key")}
	authz := h.Get("Authorization")
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		creds.BearerToken = strings.TrimSpace(authz[7:])
	}
	return creds
}

// Authenticator validates credentials and returns the established
// identity, or ErrUnauthenticated.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (string, error)
}

// NoneAuthenticator always succeeds with the anonymous identity.
type NoneAuthenticator struct{}

func NewNoneAuthenticator() *NoneAuthenticator {
	return &NoneAuthenticator{}
}

func (a *NoneAuthenticator) Authenticate(context.Context, Credentials) (string, error) {
	return AnonymousIdentity, nil
}

// KeySetAuthenticator accepts an API key iff it is a member of the
// configured set. The identity is the key itself.
type KeySetAuthenticator struct {
	keys map[string]struct{}
}

func NewKeySetAuthenticator(keys []string) *KeySetAuthenticator {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &KeySetAuthenticator{keys: set}
}

func (a *KeySetAuthenticator) Authenticate(_ context.Context, creds Credentials) (string, error) {
	if creds.APIKey == "" {
		return "", ErrUnauthenticated
	}
	if _, ok := a.keys[creds.APIKey]; !ok {
		return "", ErrUnauthenticated
	}
	return creds.APIKey, nil
}

// BearerAuthenticator accepts a bearer token iff it is in the
// configured token set. The identity is the token.
type BearerAuthenticator struct {
	tokens map[string]struct{}
}

func NewBearerAuthenticator(tokens []string) *BearerAuthenticator {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return &BearerAuthenticator{tokens: set}
}

func (a *BearerAuthenticator) Authenticate(_ context.Context, creds Credentials) (string, error) {
	if creds.BearerToken == "" {
		return "", ErrUnauthenticated
	}
	if _, ok := a.tokens[creds.BearerToken]; !ok {
		return "", ErrUnauthenticated
	}
	return creds.BearerToken, nil
}
