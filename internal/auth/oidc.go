package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims are the JWT claims extracted from a validated bearer token.
// The broker's access model is purely subject-based (see pkg/access):
// a subject either holds a grant for a resource or it doesn't, so no
// role or tenant claim is required here.
type Claims struct {
	Subject string `json:"sub"`
	Email   string `json:"email"`
}

// Authenticator validates OIDC-issued bearer JWTs and extracts claims.
type Authenticator struct {
	verifier *oidc.IDTokenVerifier
}

// NewAuthenticator performs OIDC discovery against issuerURL and builds a
// verifier bound to clientID as the expected audience. Discovery fetches
// the provider's JWKS once and the returned verifier refreshes it lazily
// on its own, so callers are expected to build one Authenticator at
// startup and reuse it.
func NewAuthenticator(ctx context.Context, issuerURL, clientID string) (*Authenticator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("discovering OIDC provider %s: %w", issuerURL, err)
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})
	return &Authenticator{verifier: verifier}, nil
}

// Authenticate validates a raw "Authorization" header value and returns the
// extracted claims. The "Bearer " or "bearer " prefix is optional; other
// capitalisations of it are not stripped.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) (*Claims, error) {
	token := strings.TrimSpace(authHeader)
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("empty bearer token")
	}

	idToken, err := a.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extracting claims: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token missing sub claim")
	}
	return &claims, nil
}
