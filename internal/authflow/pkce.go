package authflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// stateBytes is the number of random bytes behind a CSRF state token.
const stateBytes = 32

// newCodeVerifier returns a PKCE code verifier: 32 random bytes, base64url-encoded
// to 43 characters.
func newCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// codeChallenge derives the S256 challenge for verifier.
func codeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// newStateToken returns a hex-encoded CSRF state token.
func newStateToken() (string, error) {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}
