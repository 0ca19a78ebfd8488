package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/credential"
	"github.com/florianilch/calauth/internal/tokenstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRefresher struct {
	calls   atomic.Int32
	clock   *fakeClock
	rotate  bool
	err     error
	panics  bool
	release chan struct{}
	lastCtx context.Context
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls.Add(1)
	f.lastCtx = ctx
	if f.release != nil {
		<-f.release
	}
	if f.panics {
		panic("refresh exploded")
	}
	if f.err != nil {
		return nil, f.err
	}

	next := refreshToken
	if f.rotate {
		next = refreshToken + "-rotated"
	}
	return &oauth2.Token{
		AccessToken:  "refreshed",
		RefreshToken: next,
		TokenType:    "Bearer",
		Expiry:       f.clock.Now().Add(time.Hour),
	}, nil
}

type recordingAuthorizer struct {
	calls atomic.Int32
}

func (a *recordingAuthorizer) Initiate(context.Context, string) (*authflow.Pending, error) {
	a.calls.Add(1)
	return nil, errors.New("interactive authorization not available in this test")
}

type fixture struct {
	manager    *Manager
	store      *tokenstore.Store
	clock      *fakeClock
	refresher  *fakeRefresher
	authorizer *recordingAuthorizer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := tokenstore.New(make([]byte, tokenstore.KeySize), tokenstore.WithClock(clock.Now))
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		clock:      clock,
		refresher:  &fakeRefresher{clock: clock},
		authorizer: &recordingAuthorizer{},
	}

	f.manager, err = New(store, f.refresher, f.authorizer, WithClock(clock.Now))
	require.NoError(t, err)
	return f
}

func (f *fixture) seed(t *testing.T, identity string, withRefresh bool) {
	t.Helper()
	tok := &oauth2.Token{AccessToken: "initial", TokenType: "Bearer", Expiry: f.clock.Now().Add(time.Hour)}
	if withRefresh {
		tok.RefreshToken = "refresh"
	}
	_, err := credential.Save(f.store, identity, tok, f.clock.Now())
	require.NoError(t, err)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	store, err := tokenstore.New(make([]byte, tokenstore.KeySize))
	require.NoError(t, err)

	_, err = New(nil, &fakeRefresher{}, &recordingAuthorizer{})
	assert.Error(t, err)
	_, err = New(store, nil, &recordingAuthorizer{})
	assert.Error(t, err)
	_, err = New(store, &fakeRefresher{}, nil)
	assert.Error(t, err)
}

func TestIsAuthenticated(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.manager.IsAuthenticated("default"))

	f.seed(t, "default", true)
	assert.True(t, f.manager.IsAuthenticated("default"))
	assert.False(t, f.manager.IsAuthenticated("someone-else"))

	f.clock.Advance(time.Hour)
	assert.False(t, f.manager.IsAuthenticated("default"), "expiry at exactly now counts as expired")
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetValidCredential_NeverRefreshes(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GetValidCredential("default")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	f.seed(t, "default", true)
	cred, err := f.manager.GetValidCredential("default")
	require.NoError(t, err)
	assert.Equal(t, "initial", cred.AccessToken)
	assert.Equal(t, "refresh", cred.RefreshToken)

	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.GetValidCredential("default")
	require.ErrorIs(t, err, ErrNotAuthenticated)

	assert.Zero(t, f.refresher.calls.Load())
	assert.Zero(t, f.authorizer.calls.Load())
	_, ok := credential.RefreshToken(f.store, "default")
	assert.True(t, ok, "non-interactive lookup leaves the refresh credential alone")
}

func TestGetOrRefresh_ReturnsLiveCredential(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "default", true)

	cred, err := f.manager.GetOrRefresh(context.Background(), "default")
	require.NoError(t, err)
	assert.Equal(t, "initial", cred.AccessToken)
	assert.Zero(t, f.refresher.calls.Load())
}

func TestGetOrRefresh_SilentRefresh(t *testing.T) {
	tests := []struct {
		name        string
		rotate      bool
		wantRefresh string
	}{
		{name: "refresh token kept", rotate: false, wantRefresh: "refresh"},
		{name: "refresh token rotated", rotate: true, wantRefresh: "refresh-rotated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.refresher.rotate = tt.rotate
			f.seed(t, "default", true)
			f.clock.Advance(2 * time.Hour)

			cred, err := f.manager.GetOrRefresh(context.Background(), "default")
			require.NoError(t, err)
			assert.Equal(t, "refreshed", cred.AccessToken)
			assert.Equal(t, tt.wantRefresh, cred.RefreshToken)
			assert.False(t, cred.Expired(f.clock.Now()))

			assert.EqualValues(t, 1, f.refresher.calls.Load())
			assert.Zero(t, f.authorizer.calls.Load(), "no interactive flow")
			assert.True(t, f.manager.IsAuthenticated("default"))

			stored, ok := credential.RefreshToken(f.store, "default")
			require.True(t, ok)
			assert.Equal(t, tt.wantRefresh, stored)
		})
	}
}

func TestGetOrRefresh_RequiresReauthorization(t *testing.T) {
	tests := []struct {
		name        string
		withRefresh bool
		configure   func(*fakeRefresher)
		wantCalls   int32
	}{
		{name: "no refresh credential", withRefresh: false, configure: func(*fakeRefresher) {}, wantCalls: 0},
		{name: "refresh rejected", withRefresh: true, configure: func(r *fakeRefresher) { r.err = errors.New("invalid_grant") }, wantCalls: 1},
		{name: "refresh panics", withRefresh: true, configure: func(r *fakeRefresher) { r.panics = true }, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.configure(f.refresher)
			f.seed(t, "default", tt.withRefresh)
			f.clock.Advance(2 * time.Hour)

			var (
				cred *credential.Credential
				err  error
			)
			require.NotPanics(t, func() {
				cred, err = f.manager.GetOrRefresh(context.Background(), "default")
			})
			require.ErrorIs(t, err, ErrReauthorizationRequired)
			assert.Nil(t, cred, "never returns a stale credential")

			assert.Equal(t, tt.wantCalls, f.refresher.calls.Load())
			assert.Zero(t, f.authorizer.calls.Load())

			_, ok := credential.RefreshToken(f.store, "default")
			assert.False(t, ok, "stored credentials are cleared")
			assert.False(t, credential.HasAccess(f.store, "default"))
		})
	}
}

func TestGetOrRefresh_CollapsesConcurrentRefreshes(t *testing.T) {
	f := newFixture(t)
	f.refresher.release = make(chan struct{})
	f.seed(t, "default", true)
	f.clock.Advance(2 * time.Hour)

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.GetOrRefresh(context.Background(), "default")
			errs <- err
		}()
	}

	assert.Eventually(t, func() bool { return f.refresher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	close(f.refresher.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.refresher.calls.Load())
}

func TestGetOrRefresh_CallerCancellationDoesNotAbortRefresh(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "default", true)
	f.clock.Advance(2 * time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.manager.GetOrRefresh(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, f.refresher.lastCtx)
	assert.NoError(t, f.refresher.lastCtx.Err())
}

func TestClearAuthentication(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "default", true)
	f.seed(t, "other", true)
	require.True(t, f.manager.IsAuthenticated("default"))

	f.manager.ClearAuthentication("default")
	f.manager.ClearAuthentication("default")

	assert.False(t, f.manager.IsAuthenticated("default"))
	_, ok := credential.RefreshToken(f.store, "default")
	assert.False(t, ok)
	assert.True(t, f.manager.IsAuthenticated("other"))
}

func TestTokenSource(t *testing.T) {
	f := newFixture(t)
	ts := f.manager.TokenSource("default")

	_, err := ts.Token()
	require.ErrorIs(t, err, ErrReauthorizationRequired)

	f.seed(t, "default", true)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "initial", tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Zero(t, f.authorizer.calls.Load(), "token source never prompts")
}

// exchangeStub completes authorization codes for the interactive tests.
type exchangeStub struct {
	clock *fakeClock
}

func (e exchangeStub) AuthCodeURL(state, _ string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (e exchangeStub) Exchange(_ context.Context, code, _ string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "granted-" + code, RefreshToken: "r", Expiry: e.clock.Now().Add(time.Hour)}, nil
}

func (e exchangeStub) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("not used")
}

func TestEnsureCredential_RunsInteractiveFlow(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store, err := tokenstore.New(make([]byte, tokenstore.KeySize), tokenstore.WithClock(clock.Now))
	require.NoError(t, err)

	opened := make(chan string, 1)
	coordinator, err := authflow.New(authflow.Config{PollInterval: 10 * time.Millisecond}, store, exchangeStub{clock: clock},
		authflow.WithClock(clock.Now),
		authflow.WithListener(func(string, string) (net.Listener, error) { return net.Listen("tcp", "127.0.0.1:0") }),
		authflow.WithBrowser(func(u string) error { opened <- u; return nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coordinator.Close() })

	refresher := &fakeRefresher{clock: clock}
	manager, err := New(store, refresher, coordinator, WithClock(clock.Now))
	require.NoError(t, err)

	go func() {
		authURL, _ := url.Parse(<-opened)
		req := httptest.NewRequest(http.MethodGet, "/oauth2callback?code=abc&state="+authURL.Query().Get("state"), nil)
		coordinator.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cred, err := manager.EnsureCredential(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "granted-abc", cred.AccessToken)
	assert.True(t, manager.IsAuthenticated("default"))
	assert.Zero(t, refresher.calls.Load())

	again, err := manager.EnsureCredential(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, cred.AccessToken, again.AccessToken)
}

func TestAuthenticate_ReturnsPendingFlow(t *testing.T) {
	f := newFixture(t)

	_, p, err := f.manager.Authenticate(context.Background(), "default")
	require.Error(t, err, "authorizer failure is surfaced")
	assert.Nil(t, p)
	assert.EqualValues(t, 1, f.authorizer.calls.Load())

	f.seed(t, "default", true)
	cred, p, err := f.manager.Authenticate(context.Background(), "default")
	require.NoError(t, err)
	assert.Nil(t, p)
	assert.Equal(t, "initial", cred.AccessToken)
}

func TestGetValidCredential_MalformedRecordLogsThroughManager(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Put(credential.AccessKey("default"), "not-json", time.Hour))

	var logs bytes.Buffer
	m, err := New(f.store, f.refresher, f.authorizer,
		WithClock(f.clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)
	require.NoError(t, err)

	cred, err := m.GetValidCredential("default")
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Nil(t, cred)
	assert.Contains(t, logs.String(), "discarding stored credential")
	assert.Contains(t, logs.String(), "identity=default")
	assert.NotContains(t, logs.String(), "not-json")
}
