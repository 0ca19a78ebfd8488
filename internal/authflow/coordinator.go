package authflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/calauth/internal/credential"
	"github.com/florianilch/calauth/internal/tokensource"
)

const (
	// DefaultRedirectURI is where the vendor sends the user after consent.
	DefaultRedirectURI = "http://localhost:3000/oauth2callback"

	// DefaultTimeout bounds how long a flow waits for the user.
	DefaultTimeout = 5 * time.Minute

	// DefaultPollInterval is how often a waiting flow checks the token store.
	DefaultPollInterval = time.Second

	// DefaultStateTTL is how long an issued state token stays valid.
	DefaultStateTTL = 10 * time.Minute

	// DefaultStateSweepInterval is how often RunSweeper drops expired states.
	DefaultStateSweepInterval = 30 * time.Minute

	shutdownTimeout = 5 * time.Second
)

// Mode selects how the authorization code reaches the coordinator.
type Mode string

const (
	// ModeBrowser opens the consent page and receives the code on the local callback listener.
	ModeBrowser Mode = "browser"

	// ModeManual prints the consent URL and reads the code from the terminal.
	ModeManual Mode = "manual"
)

// Config tunes a Coordinator. Zero values fall back to the package defaults.
type Config struct {
	RedirectURI        string
	Mode               Mode
	Timeout            time.Duration
	PollInterval       time.Duration
	StateTTL           time.Duration
	StateSweepInterval time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithBrowser replaces OpenBrowser.
func WithBrowser(open func(url string) error) Option {
	return func(c *Coordinator) {
		c.openBrowser = open
	}
}

// WithListener replaces net.Listen for the callback listener.
func WithListener(listen func(network, address string) (net.Listener, error)) Option {
	return func(c *Coordinator) {
		c.listen = listen
	}
}

// WithTerminal replaces how manual mode opens its input. The input is opened on
// the first manual flow, shared by later ones, and closed by Close.
func WithTerminal(open func() (io.ReadCloser, error)) Option {
	return func(c *Coordinator) {
		c.terminal.open = open
	}
}

// WithOutput sets where manual mode prints its prompts. Defaults to os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(c *Coordinator) {
		c.output = w
	}
}

// WithLogger sets the logger used for flow diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// Coordinator runs authorization flows. It is safe for concurrent use.
type Coordinator struct {
	cfg          Config
	listenAddr   string
	callbackPath string

	store     credential.Store
	exchanger tokensource.Exchanger

	now         func() time.Time
	openBrowser func(string) error
	listen      func(network, address string) (net.Listener, error)
	output      io.Writer
	logger      *slog.Logger

	states   *stateTable
	terminal *terminal

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]*Pending
	listener net.Listener
	server   *http.Server
	closed   bool
}

// New creates a Coordinator that stores credentials in store and talks to the
// vendor through exchanger.
func New(cfg Config, store credential.Store, exchanger tokensource.Exchanger, opts ...Option) (*Coordinator, error) {
	if store == nil || exchanger == nil {
		return nil, fmt.Errorf("%w: token store and exchanger are required", ErrConfiguration)
	}

	cfg = withDefaults(cfg)

	redirect, err := url.Parse(cfg.RedirectURI)
	if err != nil {
		return nil, fmt.Errorf("%w: redirect uri: %w", ErrConfiguration, err)
	}
	if redirect.Scheme != "http" || redirect.Hostname() == "" {
		return nil, fmt.Errorf("%w: redirect uri must be an absolute http URL, got %q", ErrConfiguration, cfg.RedirectURI)
	}
	if cfg.Mode != ModeBrowser && cfg.Mode != ModeManual {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, cfg.Mode)
	}

	port := redirect.Port()
	if port == "" {
		port = "80"
	}
	callbackPath := redirect.EscapedPath()
	if callbackPath == "" {
		callbackPath = "/"
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:          cfg,
		listenAddr:   net.JoinHostPort(redirect.Hostname(), port),
		callbackPath: callbackPath,
		store:        store,
		exchanger:    exchanger,
		now:          time.Now,
		openBrowser:  OpenBrowser,
		listen:       net.Listen,
		output:       os.Stderr,
		logger:       slog.Default(),
		states:       newStateTable(),
		terminal:     &terminal{open: openTerminal},
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]*Pending),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func withDefaults(cfg Config) Config {
	if cfg.RedirectURI == "" {
		cfg.RedirectURI = DefaultRedirectURI
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeBrowser
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if cfg.StateSweepInterval <= 0 {
		cfg.StateSweepInterval = DefaultStateSweepInterval
	}
	return cfg
}

// Initiate starts an authorization flow for identity, or returns the flow
// already pending for it. The flow outlives ctx; use Pending.Wait to observe it.
func (c *Coordinator) Initiate(ctx context.Context, identity string) (*Pending, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if p, ok := c.pending[identity]; ok {
		c.mu.Unlock()
		return p, nil
	}

	var sub *subscription
	if c.cfg.Mode == ModeManual {
		s, err := c.terminal.subscribe()
		if err != nil {
			c.mu.Unlock()
			return nil, fmt.Errorf("manual authorization: %w", err)
		}
		sub = s
	} else if err := c.ensureListenerLocked(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	token, err := newStateToken()
	if err != nil {
		c.mu.Unlock()
		if sub != nil {
			c.terminal.unsubscribe(sub)
		}
		return nil, err
	}
	verifier := newCodeVerifier()
	now := c.now()

	c.states.put(&AuthorizationState{
		StateToken:   token,
		Identity:     identity,
		CodeVerifier: verifier,
		RedirectURI:  c.cfg.RedirectURI,
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.cfg.StateTTL),
	})

	p := newPending(uuid.NewString(), identity, token, c.exchanger.AuthCodeURL(token, verifier), now)
	c.pending[identity] = p

	flowCtx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	go c.await(flowCtx, cancel, p)

	c.mu.Unlock()

	logger := c.logger.With("flow_id", p.id, "identity", identity)
	logger.InfoContext(ctx, "authorization started", "mode", c.cfg.Mode, "timeout", c.cfg.Timeout)

	if sub != nil {
		c.promptManual(flowCtx, p, sub)
		return p, nil
	}

	if err := c.openBrowser(p.authURL); err != nil {
		logger.WarnContext(ctx, "could not open browser, open the authorization URL manually", "url", p.authURL, "error", err)
	}

	return p, nil
}

// Lookup returns the flow pending for identity, if any.
func (c *Coordinator) Lookup(identity string) (*Pending, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[identity]
	return p, ok
}

// await drives one flow until it settles, then releases its resources.
func (c *Coordinator) await(ctx context.Context, cancel context.CancelFunc, p *Pending) {
	defer cancel()
	defer c.release(p)

	logger := c.logger.With("flow_id", p.id, "identity", p.identity)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cred, err := credential.Load(c.store, p.identity)
			if err != nil {
				logger.Warn("discarding stored credential", "error", err)
			}
			if cred != nil && !cred.Expired(c.now()) {
				logger.Info("authorization complete")
				p.finish(cred, nil)
				return
			}

		case res := <-p.resolutions:
			cred, err := c.resolve(ctx, p, res)
			res.reply <- err
			if err != nil {
				logger.Warn("authorization failed", "error", err)
			} else {
				logger.Info("authorization complete", "credential", cred)
			}
			p.finish(cred, err)
			return

		case <-ctx.Done():
			err := ErrClosed
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = ErrAuthorizationTimeout
				logger.Warn("authorization timed out", "after", c.cfg.Timeout)
			}
			p.finish(nil, err)
			return
		}
	}
}

// resolve turns a callback or manual input into a stored credential.
func (c *Coordinator) resolve(ctx context.Context, p *Pending, res resolution) (*credential.Credential, error) {
	if res.err != nil {
		return nil, res.err
	}

	p.setStatus(StatusCallbackReceived)

	if res.denied != "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthorizationDenied, res.denied)
	}

	p.setStatus(StatusExchanging)

	tok, err := c.exchanger.Exchange(ctx, res.code, res.state.CodeVerifier)
	if err != nil {
		return nil, err
	}

	cred, err := credential.Save(c.store, res.state.Identity, tok, c.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", tokensource.ErrTokenExchange, err)
	}
	return cred, nil
}

// release forgets p and stops the callback listener when no flow needs it.
func (c *Coordinator) release(p *Pending) {
	c.states.remove(p.state)

	c.mu.Lock()
	if c.pending[p.identity] == p {
		delete(c.pending, p.identity)
	}
	var srv *http.Server
	if len(c.pending) == 0 {
		srv = c.detachListenerLocked()
	}
	c.mu.Unlock()

	if srv != nil {
		c.shutdownServer(srv)
	}
}

// ensureListenerLocked binds the callback listener unless it is already bound.
// A port held by another process is not an error: that process receives the
// callback and completion is observed through the token store.
func (c *Coordinator) ensureListenerLocked() error {
	if c.listener != nil {
		return nil
	}

	ln, err := c.listen("tcp", c.listenAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			c.logger.Info("callback port in use, relying on the process that holds it", "address", c.listenAddr)
			return nil
		}
		return fmt.Errorf("failed to listen on %s: %w", c.listenAddr, err)
	}

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	c.listener, c.server = ln, srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			c.logger.Error("callback listener failed", "error", err)
		}
	}()

	c.logger.Debug("callback listener started", "address", ln.Addr().String())
	return nil
}

// detachListenerLocked closes the listener so the port is free immediately and
// returns the server still draining in-flight callbacks.
func (c *Coordinator) detachListenerLocked() *http.Server {
	if c.listener == nil {
		return nil
	}
	_ = c.listener.Close()
	srv := c.server
	c.listener, c.server = nil, nil
	return srv
}

func (c *Coordinator) shutdownServer(srv *http.Server) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
			c.logger.Warn("callback listener shutdown incomplete", "error", err)
		}
	}()
}

// RunSweeper drops expired states every sweep interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.StateSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.states.sweep(c.now()); n > 0 {
				c.logger.DebugContext(ctx, "swept expired authorization states", "count", n)
			}
		}
	}
}

// Close fails every pending flow with ErrClosed and stops the callback listener.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	srv := c.detachListenerLocked()
	c.mu.Unlock()

	if err := c.terminal.Close(); err != nil {
		c.logger.Debug("closing manual input", "error", err)
	}

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
	}
	return nil
}
