package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/credential"
	"github.com/florianilch/calauth/internal/keysource"
	"github.com/florianilch/calauth/internal/lifecycle"
	"github.com/florianilch/calauth/internal/mcpserver"
	"github.com/florianilch/calauth/internal/proxy"
	"github.com/florianilch/calauth/internal/tokensource"
	"github.com/florianilch/calauth/internal/tokenstore"
)

// Option configures which services Start runs.
type Option func(*options)

type options struct {
	proxy      bool
	mcpIn      io.Reader
	mcpOut     io.Writer
	version    string
	authOpts   []authflow.Option
	vendorOpts []tokensource.Option
}

// WithMCP serves the MCP tools over in and out. The app stops when in is closed.
func WithMCP(in io.Reader, out io.Writer, version string) Option {
	return func(o *options) {
		o.mcpIn, o.mcpOut, o.version = in, out, version
	}
}

// WithoutProxy disables the calendar pass-through listener.
func WithoutProxy() Option {
	return func(o *options) {
		o.proxy = false
	}
}

// WithAuthflowOptions passes options to the authorization coordinator.
func WithAuthflowOptions(opts ...authflow.Option) Option {
	return func(o *options) {
		o.authOpts = append(o.authOpts, opts...)
	}
}

// WithTokenSourceOptions passes options to the vendor token client.
func WithTokenSourceOptions(opts ...tokensource.Option) Option {
	return func(o *options) {
		o.vendorOpts = append(o.vendorOpts, opts...)
	}
}

// App orchestrates the credential services and their listeners.
type App struct {
	cfg  *Config
	opts options

	store       *tokenstore.Store
	coordinator *authflow.Coordinator
	manager     *lifecycle.Manager
	proxy       *proxy.Proxy
	mcp         *mcpserver.Server
}

// New creates a new App instance. The encryption key is resolved here, so a
// misconfigured key source fails before any listener is started.
func New(ctx context.Context, cfg *Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := options{proxy: true, version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	src, err := cfg.Auth.Key.NewKeySource()
	if err != nil {
		return nil, fmt.Errorf("failed to create key source: %w", err)
	}
	key, err := keysource.Resolve(ctx, src)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve encryption key: %w", err)
	}

	store, err := tokenstore.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create token store: %w", err)
	}

	exchanger, err := tokensource.New(tokensource.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		RedirectURL:  cfg.Auth.RedirectURI,
		Scopes:       cfg.Auth.Scopes,
		Endpoint:     tokensource.Endpoint,
	}, o.vendorOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", authflow.ErrConfiguration, err)
	}

	coordinator, err := authflow.New(authflow.Config{
		RedirectURI:  cfg.Auth.RedirectURI,
		Mode:         cfg.Auth.Mode,
		Timeout:      cfg.Auth.Timeout,
		PollInterval: cfg.Auth.PollInterval,
	}, store, exchanger, o.authOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization coordinator: %w", err)
	}

	manager, err := lifecycle.New(store, exchanger, coordinator)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential manager: %w", err)
	}

	a := &App{
		cfg:         cfg,
		opts:        o,
		store:       store,
		coordinator: coordinator,
		manager:     manager,
	}

	if o.proxy {
		a.proxy, err = proxy.New(manager.TokenSource(cfg.Auth.Identity), cfg.Upstream.BaseURL,
			proxy.WithAuthorizer(a.authorize))
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy: %w", err)
		}
	}

	if o.mcpIn != nil {
		a.mcp, err = mcpserver.New(manager, cfg.Auth.Identity, o.version, mcpserver.WithWaitTimeout(cfg.Auth.Timeout))
		if err != nil {
			return nil, fmt.Errorf("failed to create mcp server: %w", err)
		}
	}

	return a, nil
}

// authorize starts or joins the interactive authorization for the configured
// identity and returns its consent URL, or "" when a credential is usable.
func (a *App) authorize(ctx context.Context) (string, error) {
	_, p, err := a.manager.Authenticate(ctx, a.cfg.Auth.Identity)
	if err != nil || p == nil {
		return "", err
	}
	return p.AuthURL(), nil
}

// Manager exposes the credential lifecycle, mainly for one-shot commands.
func (a *App) Manager() *lifecycle.Manager {
	return a.manager
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	shutdownFuncs := []func(context.Context) error{
		func(context.Context) error { return a.coordinator.Close() },
	}

	// Startup phase: Start services
	if a.proxy != nil {
		address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)

		slog.InfoContext(gCtx, "starting calendar proxy", "address", address)
		proxyErrCh, err := a.proxy.Start(gCtx, address)
		if err != nil {
			_ = a.coordinator.Close()
			return fmt.Errorf("proxy startup failed: %w", err)
		}
		shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

		if !a.manager.IsAuthenticated(a.cfg.Auth.Identity) {
			slog.InfoContext(gCtx, "calendar access not granted yet, the first proxied request starts the authorization",
				"authorize_url", "http://"+address+proxy.AuthorizePath)
		}

		// Monitor runtime errors - errgroup cancels context on first error
		g.Go(func() error {
			select {
			case err := <-proxyErrCh:
				if err != nil {
					slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
					return fmt.Errorf("proxy: %w", err)
				}
				return nil
			case <-gCtx.Done():
				return nil
			}
		})
	}

	g.Go(func() error { return a.store.RunSweeper(gCtx) })
	g.Go(func() error { return a.coordinator.RunSweeper(gCtx) })

	if a.mcp != nil {
		g.Go(func() error {
			// The MCP client owns the process lifetime.
			defer stop()

			slog.InfoContext(gCtx, "serving mcp tools on stdio")
			err := a.mcp.Serve(gCtx, a.opts.mcpIn, a.opts.mcpOut)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mcp: %w", err)
			}
			slog.InfoContext(gCtx, "mcp client disconnected")
			return nil
		})
	}

	slog.InfoContext(gCtx, "application ready", "identity", a.cfg.Auth.Identity, "authenticated", a.manager.IsAuthenticated(a.cfg.Auth.Identity))

	runtimeErr := g.Wait()

	slog.InfoContext(ctx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}

// Login runs one interactive authorization, or a silent refresh when possible,
// and returns the resulting credential.
func (a *App) Login(ctx context.Context) (*credential.Credential, error) {
	defer func() { _ = a.coordinator.Close() }()

	cred, err := a.manager.EnsureCredential(ctx, a.cfg.Auth.Identity)
	if err != nil {
		return nil, err
	}
	return cred, nil
}
