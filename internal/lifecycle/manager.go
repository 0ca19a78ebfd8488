// Package lifecycle decides whether a cached credential can be used as is,
// should be refreshed silently, or needs an interactive reauthorization.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/credential"
)

var (
	// ErrNotAuthenticated is returned by non-interactive lookups when no usable credential exists.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrReauthorizationRequired means stored credentials were cleared and only an
	// interactive authorization can produce a new one.
	ErrReauthorizationRequired = errors.New("reauthorization required")
)

// Refresher mints access tokens from refresh tokens.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Authorizer starts, or joins, an interactive authorization for an identity.
type Authorizer interface {
	Initiate(ctx context.Context, identity string) (*authflow.Pending, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger used for refresh diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager owns the credential fallback policy. It is safe for concurrent use.
type Manager struct {
	store      credential.Store
	refresher  Refresher
	authorizer Authorizer
	now        func() time.Time
	logger     *slog.Logger

	refreshes singleflight.Group

	mu   sync.Mutex
	live map[string]*credential.Credential
}

// New creates a Manager.
func New(store credential.Store, refresher Refresher, authorizer Authorizer, opts ...Option) (*Manager, error) {
	switch {
	case store == nil:
		return nil, errors.New("missing token store")
	case refresher == nil:
		return nil, errors.New("missing refresher")
	case authorizer == nil:
		return nil, errors.New("missing authorizer")
	}

	m := &Manager{
		store:      store,
		refresher:  refresher,
		authorizer: authorizer,
		now:        time.Now,
		logger:     slog.Default(),
		live:       make(map[string]*credential.Credential),
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// IsAuthenticated reports whether an unexpired access credential is held or cached
// for identity. It never refreshes and never starts an authorization.
func (m *Manager) IsAuthenticated(identity string) bool {
	return m.current(identity) != nil
}

// GetValidCredential returns an unexpired credential for identity without
// refreshing or prompting the user.
func (m *Manager) GetValidCredential(identity string) (*credential.Credential, error) {
	if cred := m.current(identity); cred != nil {
		return cred, nil
	}
	return nil, ErrNotAuthenticated
}

// GetOrRefresh returns an unexpired credential for identity, refreshing it
// silently when a refresh credential is cached. When that is impossible all
// stored credentials for identity are cleared and ErrReauthorizationRequired is
// returned. Concurrent refreshes for the same identity are collapsed into one.
func (m *Manager) GetOrRefresh(ctx context.Context, identity string) (*credential.Credential, error) {
	if cred := m.current(identity); cred != nil {
		return cred, nil
	}

	// A caller giving up must not make the shared refresh fail and wipe credentials.
	refreshCtx := context.WithoutCancel(ctx)

	v, err, shared := m.refreshes.Do(identity, func() (any, error) {
		return m.refresh(refreshCtx, identity)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		m.logger.DebugContext(ctx, "joined in-flight refresh", "identity", identity)
	}
	return v.(*credential.Credential), nil
}

// refresh runs the silent refresh. Panics are converted into ErrReauthorizationRequired.
func (m *Manager) refresh(ctx context.Context, identity string) (cred *credential.Credential, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "credential refresh panicked", "identity", identity, "panic", r)
			m.clear(identity)
			cred, err = nil, fmt.Errorf("%w: refresh aborted", ErrReauthorizationRequired)
		}
	}()

	// Another flight may have completed between the fast path and this one.
	if cred := m.current(identity); cred != nil {
		return cred, nil
	}

	refreshToken, ok := credential.RefreshToken(m.store, identity)
	if !ok {
		m.clear(identity)
		return nil, fmt.Errorf("%w: no refresh credential", ErrReauthorizationRequired)
	}

	tok, err := m.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		m.logger.WarnContext(ctx, "silent refresh failed", "identity", identity, "error", err)
		m.clear(identity)
		return nil, fmt.Errorf("%w: %w", ErrReauthorizationRequired, err)
	}

	cred, err = credential.Save(m.store, identity, tok, m.now())
	if err != nil {
		m.logger.WarnContext(ctx, "refreshed credential unusable", "identity", identity, "error", err)
		m.clear(identity)
		return nil, fmt.Errorf("%w: %w", ErrReauthorizationRequired, err)
	}

	m.remember(identity, cred)
	m.logger.InfoContext(ctx, "credential refreshed", "identity", identity, "credential", cred,
		"refresh_rotated", tok.RefreshToken != "" && tok.RefreshToken != refreshToken)

	return cred, nil
}

// Authenticate returns a usable credential, or the pending interactive
// authorization when reauthorization is required. Exactly one result is non-nil
// on success.
func (m *Manager) Authenticate(ctx context.Context, identity string) (*credential.Credential, *authflow.Pending, error) {
	cred, err := m.GetOrRefresh(ctx, identity)
	if err == nil {
		return cred, nil, nil
	}
	if !errors.Is(err, ErrReauthorizationRequired) {
		return nil, nil, err
	}

	p, err := m.authorizer.Initiate(ctx, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("starting authorization: %w", err)
	}
	return nil, p, nil
}

// EnsureCredential is Authenticate followed by waiting for the interactive
// authorization, if one was needed.
func (m *Manager) EnsureCredential(ctx context.Context, identity string) (*credential.Credential, error) {
	cred, p, err := m.Authenticate(ctx, identity)
	if err != nil || cred != nil {
		return cred, err
	}

	cred, err = p.Wait(ctx)
	if err != nil {
		return nil, err
	}

	m.remember(identity, cred)
	return cred, nil
}

// ClearAuthentication forgets every credential held or cached for identity.
func (m *Manager) ClearAuthentication(identity string) {
	m.clear(identity)
	m.logger.Info("authentication cleared", "identity", identity)
}

// current returns the live credential for identity, hydrating it from the store
// when needed. Returns nil when nothing unexpired is available.
func (m *Manager) current(identity string) *credential.Credential {
	now := m.now()

	m.mu.Lock()
	cred := m.live[identity]
	m.mu.Unlock()

	if !cred.Expired(now) && credential.HasAccess(m.store, identity) {
		return cred
	}

	cred, err := credential.Load(m.store, identity)
	if err != nil {
		m.logger.Warn("discarding stored credential", "identity", identity, "error", err)
	}
	if cred.Expired(now) {
		return nil
	}

	m.remember(identity, cred)
	return cred
}

func (m *Manager) remember(identity string, cred *credential.Credential) {
	m.mu.Lock()
	m.live[identity] = cred
	m.mu.Unlock()
}

func (m *Manager) clear(identity string) {
	m.mu.Lock()
	delete(m.live, identity)
	m.mu.Unlock()

	credential.Clear(m.store, identity)
}
