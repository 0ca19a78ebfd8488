package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/calauth/internal/lifecycle"
	"github.com/florianilch/calauth/internal/observability/middleware"
)

// CalendarPrefix is the path prefix forwarded to the vendor.
const CalendarPrefix = "/calendar/v3/"

// AuthorizePath starts, or joins, the interactive authorization and redirects
// the browser to the vendor consent page.
const AuthorizePath = "/authorize"

// Authorizer starts the interactive authorization for the proxied identity, or
// joins the one already pending, and returns its consent URL. It returns an
// empty URL when a usable credential exists.
type Authorizer func(ctx context.Context) (string, error)

// Option configures a Proxy.
type Option func(*Proxy)

// WithAuthorizer lets the proxy start the authorization when a request finds no
// usable credential, and serves AuthorizePath.
func WithAuthorizer(authorize Authorizer) Option {
	return func(p *Proxy) {
		p.authorize = authorize
	}
}

// Proxy forwards calendar API requests to the vendor with a bearer token
// obtained without user interaction.
type Proxy struct {
	mux       *http.ServeMux
	server    *http.Server
	authorize Authorizer
}

// Compile-time check that Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// New creates a pass-through for the calendar API at baseURL, authorized by ts.
func New(ts oauth2.TokenSource, baseURL string, opts ...Option) (*Proxy, error) {
	if ts == nil {
		return nil, errors.New("missing token source")
	}

	upstream, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL: %q is not absolute", baseURL)
	}

	p := &Proxy{}
	for _, opt := range opts {
		opt(p)
	}

	transport := &oauth2.Transport{Source: ts}

	reverseProxyHandler := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Host = upstream.Host
			// Clients authenticate to this proxy, never to the vendor.
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		FlushInterval: -1,
		Transport:     transport,
		ErrorHandler:  p.handleUpstreamError,
	}

	logger := slog.Default()

	mux := http.NewServeMux()

	mux.Handle(CalendarPrefix, middleware.Apply(reverseProxyHandler,
		middleware.Logging(logger),
		middleware.Recovery,
	))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	if p.authorize != nil {
		mux.Handle("GET "+AuthorizePath, middleware.Apply(http.HandlerFunc(p.handleAuthorize),
			middleware.Logging(logger),
			middleware.Recovery,
		))
	}

	p.mux = mux
	return p, nil
}

// handleAuthorize redirects to the consent page of the pending authorization.
func (p *Proxy) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	authURL, err := p.authorize(ctx)
	if err != nil {
		slog.WarnContext(ctx, "could not start authorization", "error", err)
		writeJSONError(ctx, w, "authorization_unavailable", "could not start the authorization", http.StatusInternalServerError)
		return
	}
	if authURL == "" {
		writeJSON(ctx, w, map[string]string{"status": "authenticated"}, http.StatusOK)
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleUpstreamError maps token and transport failures to JSON responses.
func (p *Proxy) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()

	switch {
	case errors.Is(err, lifecycle.ErrReauthorizationRequired), errors.Is(err, lifecycle.ErrNotAuthenticated):
		resp := ErrorResponse{
			Error:       "reauthorization_required",
			Description: "calendar access must be granted, open authorization_url in a browser and retry",
		}
		if p.authorize != nil {
			authURL, aerr := p.authorize(ctx)
			if aerr != nil {
				slog.WarnContext(ctx, "could not start authorization", "error", aerr)
			}
			resp.AuthorizationURL = authURL
		}
		if resp.AuthorizationURL == "" {
			resp.Description = "calendar access must be granted, run the authenticate tool"
		}

		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(ctx, w, resp, http.StatusUnauthorized)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to answer.
	default:
		slog.WarnContext(ctx, "upstream request failed", "error", err)
		writeJSONError(ctx, w, "bad_gateway", "upstream request failed", http.StatusBadGateway)
	}
}

// ServeHTTP implements http.Handler interface
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mux.ServeHTTP(w, r)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (p *Proxy) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	p.server = &http.Server{
		Handler:      p,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := p.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	if err := p.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = p.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
