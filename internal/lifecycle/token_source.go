package lifecycle

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
)

// TokenSource adapts a Manager to oauth2.TokenSource for one identity.
// It never prompts the user: when reauthorization is required Token fails with
// ErrReauthorizationRequired.
type TokenSource struct {
	manager  *Manager
	identity string
}

// Compile-time check to ensure TokenSource implements oauth2.TokenSource
var _ oauth2.TokenSource = (*TokenSource)(nil)

// TokenSource returns a non-interactive oauth2.TokenSource for identity.
func (m *Manager) TokenSource(identity string) *TokenSource {
	return &TokenSource{manager: m, identity: identity}
}

// Token returns a valid access token, refreshing it when possible.
func (ts *TokenSource) Token() (*oauth2.Token, error) {
	// oauth2.TokenSource.Token() has no context parameter (legacy interface limitation)
	cred, err := ts.manager.GetOrRefresh(context.Background(), ts.identity)
	if err != nil {
		return nil, fmt.Errorf("getting credential for %s: %w", ts.identity, err)
	}

	tok := cred.OAuth2Token()
	// Refresh tokens stay in the store; callers only need the bearer.
	tok.RefreshToken = ""
	return tok, nil
}
