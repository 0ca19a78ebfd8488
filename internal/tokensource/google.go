package tokensource

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Endpoint defines the OAuth2 endpoints of the calendar vendor.
var Endpoint = google.Endpoint

// ScopeCalendar grants read/write access to the user's calendars.
const ScopeCalendar = "https://www.googleapis.com/auth/calendar"

// DefaultScopes is requested when no scopes are configured.
var DefaultScopes = []string{ScopeCalendar}

// authCodeOptions request a refresh token and force the consent screen so one is
// issued even when the user granted access before.
var authCodeOptions = []oauth2.AuthCodeOption{
	oauth2.AccessTypeOffline,
	oauth2.ApprovalForce,
}
