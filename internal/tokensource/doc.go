// Package tokensource talks to the vendor's OAuth2 endpoints on behalf of the
// authorization flow and the credential lifecycle.
//
// It builds PKCE-protected authorization URLs, exchanges authorization codes
// together with their code verifier, and mints new access tokens from refresh
// tokens. Any network failure, vendor rejection, or malformed response is
// reported as ErrTokenExchange; vendor response bodies are not carried into
// error strings.
//
// # Usage
//
//	client, err := tokensource.New(tokensource.Config{
//		ClientID:     clientID,
//		ClientSecret: clientSecret,
//		RedirectURL:  "http://localhost:3000/oauth2callback",
//		Scopes:       tokensource.DefaultScopes,
//		Endpoint:     tokensource.Endpoint,
//	})
//	authURL := client.AuthCodeURL(state, verifier)
//	token, err := client.Exchange(ctx, code, verifier)
//
// # Custom Base Transport
//
// Configure a custom base transport for token requests (e.g., for proxies or custom timeouts):
//
//	client, err := tokensource.New(cfg, tokensource.WithTransport(customTransport))
package tokensource
