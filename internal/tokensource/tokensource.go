package tokensource

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// ErrTokenExchange signals a failed code or refresh exchange.
var ErrTokenExchange = errors.New("token exchange failed")

// DefaultHTTPTimeout bounds every token endpoint round trip.
const DefaultHTTPTimeout = 30 * time.Second

// Exchanger performs the vendor-facing parts of the OAuth2 flow.
type Exchanger interface {
	// AuthCodeURL builds the authorization URL for state with the S256 challenge of verifier.
	AuthCodeURL(state, verifier string) string

	// Exchange trades an authorization code and its verifier for tokens.
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// Refresh mints a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Config holds the OAuth2 client registration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
}

// Option configures a Client.
type Option func(*clientConfig)

// clientConfig holds configuration for New.
type clientConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
}

// WithTransport sets a custom base transport for token requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *clientConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout overrides DefaultHTTPTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) {
		c.timeout = d
	}
}

// Client is the default Exchanger backed by golang.org/x/oauth2.
type Client struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// Compile-time check to ensure Client implements Exchanger
var _ Exchanger = (*Client)(nil)

// New creates a Client. ClientID, ClientSecret, RedirectURL and both endpoint URLs are required.
func New(cfg Config, opts ...Option) (*Client, error) {
	switch {
	case cfg.ClientID == "":
		return nil, errors.New("client id is required")
	case cfg.ClientSecret == "":
		return nil, errors.New("client secret is required")
	case cfg.RedirectURL == "":
		return nil, errors.New("redirect url is required")
	case cfg.Endpoint.AuthURL == "" || cfg.Endpoint.TokenURL == "":
		return nil, errors.New("authorization and token endpoints are required")
	}

	cc := &clientConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultHTTPTimeout,
	}
	for _, opt := range opts {
		opt(cc)
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &Client{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     cfg.Endpoint,
		},
		httpClient: &http.Client{
			Timeout:   cc.timeout,
			Transport: cc.baseTransport,
		},
	}, nil
}

// AuthCodeURL returns the vendor authorization URL with the PKCE challenge,
// method S256, the CSRF state, the scopes, and an offline-access consent hint.
func (c *Client) AuthCodeURL(state, verifier string) string {
	opts := append([]oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}, authCodeOptions...)
	return c.config.AuthCodeURL(state, opts...)
}

// Exchange trades code for tokens, proving possession of verifier.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	// oauth2 package injects custom HTTP clients via context (oauth2.HTTPClient key).
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, describe("code exchange", err)
	}
	return token, nil
}

// Refresh mints a new access token. The returned token carries a rotated refresh
// token when the vendor issued one, otherwise the one passed in.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh: no refresh token", ErrTokenExchange)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, describe("refresh", err)
	}
	return token, nil
}

// describe wraps err as ErrTokenExchange without copying the vendor's response body.
func describe(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		if retrieveErr.ErrorCode != "" {
			return fmt.Errorf("%w: %s: vendor rejected request (status %d, %s)", ErrTokenExchange, op, status, retrieveErr.ErrorCode)
		}
		return fmt.Errorf("%w: %s: vendor rejected request (status %d)", ErrTokenExchange, op, status)
	}
	return fmt.Errorf("%w: %s: %w", ErrTokenExchange, op, err)
}
