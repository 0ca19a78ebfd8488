// Package credential defines the delegated credential record and how its two
// classes (access and refresh) are laid out in the encrypted token store.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

const (
	// RefreshTTL bounds how long a refresh-class entry is cached.
	RefreshTTL = 30 * 24 * time.Hour

	// DefaultAccessTTL is used when the vendor does not report an expiry.
	DefaultAccessTTL = 3600 * time.Second
)

// ErrMalformedCredential reports an access record that could not be decoded.
// Load removes such a record before returning.
var ErrMalformedCredential = errors.New("credential: malformed access record")

// Credential is a delegated credential for one identity.
// RefreshToken is empty when no refresh-class credential was issued.
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
}

// Expired reports whether c is unusable at now. A missing expiry counts as expired.
func (c *Credential) Expired(now time.Time) bool {
	if c == nil || c.AccessToken == "" || c.ExpiresAt.IsZero() {
		return true
	}
	return !c.ExpiresAt.After(now)
}

// OAuth2Token converts c for use with oauth2.Transport.
func (c *Credential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    c.TokenType,
		Expiry:       c.ExpiresAt,
	}
}

// String keeps token values out of fmt output.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{expires_at=%s, has_refresh_token=%t}", c.ExpiresAt.Format(time.RFC3339), c.RefreshToken != "")
}

// GoString keeps token values out of %#v output.
func (c Credential) GoString() string {
	return c.String()
}

// LogValue keeps token values out of structured logs.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Time("expires_at", c.ExpiresAt),
		slog.Bool("has_refresh_token", c.RefreshToken != ""),
	)
}

// Store is the subset of the encrypted token store used for credentials.
type Store interface {
	Put(ownerID, secret string, ttl time.Duration) error
	Fetch(ownerID string) (string, bool)
	Remove(ownerID string)
}

// AccessKey is the short-lived store key for identity.
func AccessKey(identity string) string {
	return identity + ":access"
}

// RefreshKey is the long-lived store key for identity.
func RefreshKey(identity string) string {
	return identity + ":refresh"
}

// accessRecord is the plaintext of an access-class entry.
type accessRecord struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Save stores tok for identity. The refresh-class entry is written first so the
// access-class entry, which waiters poll for, only appears once both are in place.
func Save(store Store, identity string, tok *oauth2.Token, now time.Time) (*Credential, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, errors.New("token response has no access token")
	}

	ttl := DefaultAccessTTL
	if !tok.Expiry.IsZero() {
		ttl = tok.Expiry.Sub(now)
		if ttl <= 0 {
			return nil, errors.New("token response is already expired")
		}
	}

	if tok.RefreshToken != "" {
		if err := store.Put(RefreshKey(identity), tok.RefreshToken, RefreshTTL); err != nil {
			return nil, fmt.Errorf("storing refresh credential: %w", err)
		}
	}

	record := accessRecord{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding access credential: %w", err)
	}
	if err := store.Put(AccessKey(identity), string(payload), ttl); err != nil {
		return nil, fmt.Errorf("storing access credential: %w", err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh, _ = store.Fetch(RefreshKey(identity))
	}

	return &Credential{
		AccessToken:  record.AccessToken,
		RefreshToken: refresh,
		TokenType:    record.TokenType,
		ExpiresAt:    record.ExpiresAt,
	}, nil
}

// Load hydrates the credential for identity. It returns nil, nil when no
// access-class entry is cached, and ErrMalformedCredential when the entry
// cannot be decoded.
func Load(store Store, identity string) (*Credential, error) {
	payload, ok := store.Fetch(AccessKey(identity))
	if !ok {
		return nil, nil
	}

	var record accessRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		store.Remove(AccessKey(identity))
		return nil, fmt.Errorf("%w: %w", ErrMalformedCredential, err)
	}

	refresh, _ := store.Fetch(RefreshKey(identity))

	return &Credential{
		AccessToken:  record.AccessToken,
		RefreshToken: refresh,
		TokenType:    record.TokenType,
		ExpiresAt:    record.ExpiresAt,
	}, nil
}

// HasAccess reports whether an access-class entry is cached for identity.
func HasAccess(store Store, identity string) bool {
	_, ok := store.Fetch(AccessKey(identity))
	return ok
}

// RefreshToken returns the cached refresh-class credential for identity.
func RefreshToken(store Store, identity string) (string, bool) {
	return store.Fetch(RefreshKey(identity))
}

// Clear removes both credential classes for identity.
func Clear(store Store, identity string) {
	store.Remove(AccessKey(identity))
	store.Remove(RefreshKey(identity))
}
