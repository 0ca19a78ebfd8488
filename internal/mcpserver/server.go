// Package mcpserver exposes calendar authorization to AI assistants as MCP tools
// over stdio.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/credential"
	"github.com/florianilch/calauth/internal/observability"
)

const (
	ToolAuthStatus          = "auth_status"
	ToolAuthenticate        = "authenticate"
	ToolClearAuthentication = "clear_authentication"

	// DefaultWaitTimeout bounds how long authenticate blocks when asked to wait.
	DefaultWaitTimeout = authflow.DefaultTimeout
)

// Authenticator is the credential lifecycle the tools operate on.
type Authenticator interface {
	IsAuthenticated(identity string) bool
	GetValidCredential(identity string) (*credential.Credential, error)
	Authenticate(ctx context.Context, identity string) (*credential.Credential, *authflow.Pending, error)
	ClearAuthentication(identity string)
}

// Option configures a Server.
type Option func(*Server)

// WithWaitTimeout overrides DefaultWaitTimeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.waitTimeout = d
	}
}

// Server serves the authorization tools.
type Server struct {
	mcpServer       *server.MCPServer
	auth            Authenticator
	defaultIdentity string
	waitTimeout     time.Duration
}

// New creates a Server. Tools act on defaultIdentity unless the caller names another.
func New(auth Authenticator, defaultIdentity, version string, opts ...Option) (*Server, error) {
	if auth == nil {
		return nil, errors.New("missing authenticator")
	}
	if defaultIdentity == "" {
		return nil, errors.New("default identity cannot be empty")
	}

	s := &Server{
		mcpServer: server.NewMCPServer(
			"calauth",
			version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		auth:            auth,
		defaultIdentity: defaultIdentity,
		waitTimeout:     DefaultWaitTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerTools()
	return s, nil
}

// Serve speaks MCP over in and out until ctx is done or in is closed.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(s.mcpServer).Listen(ctx, in, out)
}

func (s *Server) registerTools() {
	identity := mcp.WithString("identity",
		mcp.Description("Identity whose calendar credential to use; defaults to the configured identity"),
	)

	s.mcpServer.AddTool(mcp.NewTool(ToolAuthStatus,
		mcp.WithDescription("Report whether calendar access is currently authorized, without prompting the user"),
		identity,
	), s.handleAuthStatus)

	s.mcpServer.AddTool(mcp.NewTool(ToolAuthenticate,
		mcp.WithDescription("Ensure calendar access is authorized. Refreshes silently when possible, otherwise starts a browser sign-in and returns its URL"),
		identity,
		mcp.WithBoolean("wait",
			mcp.Description("Block until the user finished signing in (up to five minutes)"),
		),
	), s.handleAuthenticate)

	s.mcpServer.AddTool(mcp.NewTool(ToolClearAuthentication,
		mcp.WithDescription("Forget all cached calendar credentials so the next call requires signing in again"),
		identity,
	), s.handleClearAuthentication)
}

// status is the JSON body returned by every tool.
type status struct {
	Identity         string     `json:"identity"`
	Authenticated    bool       `json:"authenticated"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Pending          bool       `json:"pending,omitempty"`
	AuthorizationURL string     `json:"authorization_url,omitempty"`
	Message          string     `json:"message,omitempty"`
}

func (s *Server) identity(request mcp.CallToolRequest) string {
	return request.GetString("identity", s.defaultIdentity)
}

func (s *Server) handleAuthStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := s.identity(request)

	st := status{Identity: identity, Authenticated: s.auth.IsAuthenticated(identity)}
	if st.Authenticated {
		if cred, err := s.auth.GetValidCredential(identity); err == nil {
			st.ExpiresAt = &cred.ExpiresAt
		}
	}

	return result(st)
}

func (s *Server) handleAuthenticate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := s.identity(request)
	logger := observability.From(ctx).With("tool", ToolAuthenticate, "identity", identity)

	cred, pending, err := s.auth.Authenticate(ctx, identity)
	if err != nil {
		logger.WarnContext(ctx, "authentication unavailable", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Authentication failed: %v", err)), nil
	}
	if cred != nil {
		return result(status{Identity: identity, Authenticated: true, ExpiresAt: &cred.ExpiresAt})
	}

	if !request.GetBool("wait", false) {
		return result(status{
			Identity:         identity,
			Pending:          true,
			AuthorizationURL: pending.AuthURL(),
			Message:          "Open the authorization URL in a browser to grant calendar access, then call auth_status.",
		})
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	cred, err = pending.Wait(waitCtx)
	if err != nil {
		logger.WarnContext(ctx, "authorization did not complete", "error", err)
		return mcp.NewToolResultError(fmt.Sprintf("Authorization did not complete: %v. Authorization URL: %s", err, pending.AuthURL())), nil
	}

	return result(status{Identity: identity, Authenticated: true, ExpiresAt: &cred.ExpiresAt})
}

func (s *Server) handleClearAuthentication(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity := s.identity(request)
	s.auth.ClearAuthentication(identity)

	return result(status{Identity: identity, Message: "Cached calendar credentials were removed."})
}

func result(st status) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(st)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to format result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
