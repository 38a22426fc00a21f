package transfer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// TokenProvider issues short-lived bearer tokens for protected attachment URLs.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context) (string, error)

// AccessToken calls f.
func (f TokenProviderFunc) AccessToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// Auth decorates a fetch request with credentials.
type Auth interface {
	Apply(ctx context.Context, req *http.Request) error
}

// BasicAuth authenticates with a username and password.
type BasicAuth struct {
	Username string
	Password string
}

// Apply sets the Authorization header.
func (a BasicAuth) Apply(ctx context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// BearerAuth asks its provider for a fresh token on every request.
type BearerAuth struct {
	Provider TokenProvider
}

// Apply obtains a token and sets the Authorization header.
func (a BearerAuth) Apply(ctx context.Context, req *http.Request) error {
	if a.Provider == nil {
		return fmt.Errorf("no token provider configured")
	}
	token, err := a.Provider.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("token provider returned an empty token")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}
