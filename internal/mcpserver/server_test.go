package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/credential"
	"github.com/florianilch/calauth/internal/lifecycle"
	"github.com/florianilch/calauth/internal/tokenstore"
)

type vendorStub struct{}

func (vendorStub) AuthCodeURL(state, _ string) string {
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (vendorStub) Exchange(_ context.Context, code, _ string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "granted-" + code, Expiry: time.Now().Add(time.Hour)}, nil
}

func (vendorStub) Refresh(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("refresh rejected")
}

type stack struct {
	server      *Server
	store       *tokenstore.Store
	coordinator *authflow.Coordinator
	manager     *lifecycle.Manager
}

func newStack(t *testing.T, opts ...Option) *stack {
	t.Helper()

	store, err := tokenstore.New(make([]byte, tokenstore.KeySize))
	require.NoError(t, err)

	coordinator, err := authflow.New(authflow.Config{PollInterval: 10 * time.Millisecond}, store, vendorStub{},
		authflow.WithListener(func(string, string) (net.Listener, error) { return net.Listen("tcp", "127.0.0.1:0") }),
		authflow.WithBrowser(func(string) error { return nil }),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coordinator.Close() })

	manager, err := lifecycle.New(store, vendorStub{}, coordinator)
	require.NoError(t, err)

	srv, err := New(manager, "default", "test", opts...)
	require.NoError(t, err)

	return &stack{server: srv, store: store, coordinator: coordinator, manager: manager}
}

func (s *stack) seed(t *testing.T, identity string) {
	t.Helper()
	_, err := credential.Save(s.store, identity, &oauth2.Token{AccessToken: "seeded", Expiry: time.Now().Add(time.Hour)}, time.Now())
	require.NoError(t, err)
}

func call(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func decode(t *testing.T, res *mcp.CallToolResult) status {
	t.Helper()
	require.NotNil(t, res)
	require.False(t, res.IsError, "unexpected tool error: %+v", res.Content)
	require.Len(t, res.Content, 1)

	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)

	var st status
	require.NoError(t, json.Unmarshal([]byte(text.Text), &st))
	return st
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "default", "test")
	assert.Error(t, err)

	s := newStack(t)
	_, err = New(s.manager, "", "test")
	assert.Error(t, err)
}

func TestAuthStatus(t *testing.T) {
	s := newStack(t)

	res, err := s.server.handleAuthStatus(context.Background(), call(nil))
	require.NoError(t, err)
	st := decode(t, res)
	assert.Equal(t, "default", st.Identity)
	assert.False(t, st.Authenticated)
	assert.Nil(t, st.ExpiresAt)

	s.seed(t, "work")
	res, err = s.server.handleAuthStatus(context.Background(), call(map[string]any{"identity": "work"}))
	require.NoError(t, err)
	st = decode(t, res)
	assert.Equal(t, "work", st.Identity)
	assert.True(t, st.Authenticated)
	assert.NotNil(t, st.ExpiresAt)

	_, pending := s.coordinator.Lookup("default")
	assert.False(t, pending, "status never starts a sign-in")
}

func TestAuthenticate_AlreadyAuthenticated(t *testing.T) {
	s := newStack(t)
	s.seed(t, "default")

	res, err := s.server.handleAuthenticate(context.Background(), call(nil))
	require.NoError(t, err)
	st := decode(t, res)
	assert.True(t, st.Authenticated)
	assert.Empty(t, st.AuthorizationURL)
}

func TestAuthenticate_ReturnsAuthorizationURL(t *testing.T) {
	s := newStack(t)

	res, err := s.server.handleAuthenticate(context.Background(), call(nil))
	require.NoError(t, err)
	st := decode(t, res)
	assert.True(t, st.Pending)
	assert.False(t, st.Authenticated)
	assert.Contains(t, st.AuthorizationURL, "https://accounts.example.com/auth?state=")

	p, ok := s.coordinator.Lookup("default")
	require.True(t, ok)
	assert.Equal(t, p.AuthURL(), st.AuthorizationURL)

	// A second call joins the same sign-in.
	res, err = s.server.handleAuthenticate(context.Background(), call(nil))
	require.NoError(t, err)
	assert.Equal(t, st.AuthorizationURL, decode(t, res).AuthorizationURL)
}

func TestAuthenticate_WaitsForCallback(t *testing.T) {
	s := newStack(t)

	go func() {
		var p *authflow.Pending
		found := assert.Eventually(t, func() bool {
			var ok bool
			p, ok = s.coordinator.Lookup("default")
			return ok
		}, 5*time.Second, 5*time.Millisecond)
		if !found {
			return
		}

		u, _ := url.Parse(p.AuthURL())
		req := httptest.NewRequest(http.MethodGet, "/oauth2callback?code=xyz&state="+u.Query().Get("state"), nil)
		s.coordinator.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}()

	res, err := s.server.handleAuthenticate(context.Background(), call(map[string]any{"wait": true}))
	require.NoError(t, err)
	st := decode(t, res)
	assert.True(t, st.Authenticated)
	assert.True(t, s.manager.IsAuthenticated("default"))
}

func TestAuthenticate_WaitTimesOut(t *testing.T) {
	s := newStack(t, WithWaitTimeout(20*time.Millisecond))

	res, err := s.server.handleAuthenticate(context.Background(), call(map[string]any{"wait": true}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestClearAuthentication(t *testing.T) {
	s := newStack(t)
	s.seed(t, "default")
	require.True(t, s.manager.IsAuthenticated("default"))

	res, err := s.server.handleClearAuthentication(context.Background(), call(nil))
	require.NoError(t, err)
	st := decode(t, res)
	assert.False(t, st.Authenticated)
	assert.False(t, s.manager.IsAuthenticated("default"))
}

func TestToolsAreListed(t *testing.T) {
	s := newStack(t)

	msg := s.server.mcpServer.HandleMessage(context.Background(), json.RawMessage(
		`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`,
	))
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	for _, name := range []string{ToolAuthStatus, ToolAuthenticate, ToolClearAuthentication} {
		assert.Contains(t, string(data), `"name":"`+name+`"`)
	}
}
