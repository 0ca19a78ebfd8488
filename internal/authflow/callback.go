package authflow

import (
	_ "embed"
	"errors"
	"html/template"
	"net/http"
	"regexp"

	"github.com/florianilch/calauth/internal/observability/middleware"
	"github.com/florianilch/calauth/internal/tokensource"
)

//go:embed templates/success.html
var successHTML string

//go:embed templates/error.html
var errorHTML string

var (
	successPage = template.Must(template.New("success").Parse(successHTML))
	errorPage   = template.Must(template.New("error").Parse(errorHTML))
)

// vendorErrorCode matches the RFC 6749 error codes echoed back to the flow.
var vendorErrorCode = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,64}$`)

// Handler serves the OAuth2 redirect on the callback path.
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET "+c.callbackPath, middleware.Apply(http.HandlerFunc(c.handleCallback),
		middleware.Recovery,
	))
	return mux
}

func (c *Coordinator) handleCallback(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	query := r.URL.Query()
	token := query.Get("state")
	now := c.now()

	if _, ok := c.states.lookup(token, now); !ok {
		c.logger.WarnContext(r.Context(), "rejected callback", "reason", "unknown or expired state")
		renderError(w, http.StatusBadRequest, "This sign-in link is invalid or has expired. Start again from your application.")
		return
	}

	code := query.Get("code")
	denied := query.Get("error")
	if code == "" && denied == "" {
		c.logger.WarnContext(r.Context(), "rejected callback", "reason", "missing authorization code")
		renderError(w, http.StatusBadRequest, "The sign-in response did not include an authorization code.")
		return
	}
	if denied != "" && !vendorErrorCode.MatchString(denied) {
		denied = "invalid_error_code"
	}

	// Consume the state before any exchange so a replayed redirect cannot trigger a second one.
	state, ok := c.states.take(token, now)
	if !ok {
		renderError(w, http.StatusBadRequest, "This sign-in link is invalid or has expired. Start again from your application.")
		return
	}

	p, ok := c.Lookup(state.Identity)
	if !ok || p.state != state.StateToken {
		renderError(w, http.StatusBadRequest, "No sign-in is in progress for this link. Start again from your application.")
		return
	}

	err := p.deliver(r.Context(), resolution{state: state, code: code, denied: denied})
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = successPage.Execute(w, nil)
	case errors.Is(err, ErrAuthorizationDenied):
		renderError(w, http.StatusBadRequest, "Access was not granted. You can close this window.")
	case errors.Is(err, tokensource.ErrTokenExchange):
		renderError(w, http.StatusBadGateway, "The authorization code could not be exchanged. Start again from your application.")
	default:
		renderError(w, http.StatusInternalServerError, "Sign-in could not be completed. Start again from your application.")
	}
}

func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Cache-Control", "no-store")
}

func renderError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_ = errorPage.Execute(w, struct{ Message string }{message})
}
