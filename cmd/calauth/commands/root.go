package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/calauth/internal/app"
	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/observability"
)

// Version is reported to MCP clients.
var Version = "dev"

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	cmd := &cli.Command{
		Name:    "calauth",
		Usage:   "Calendar OAuth2 credential broker",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "OpenTelemetry log exporter (none|stdout|otlphttp|otlpgrpc)",
				Value: string(app.DefaultConfigLogExporter),
			},
			&cli.StringFlag{
				Name:  "auth--identity",
				Usage: "identity whose credential is managed",
				Value: app.DefaultConfigAuthIdentity,
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			loginCommand(),
		},
	}

	return cmd.Run(ctx, args)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve the authenticated calendar API pass-through",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "vendor API base URL",
				Value: app.DefaultConfigUpstreamBaseURL,
			},
		},
		Action: serveAction,
	}
}

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "serve authorization tools to an MCP client over stdio",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "with-proxy",
				Usage: "also serve the calendar API pass-through",
			},
		},
		Action: mcpAction,
	}
}

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "run one authorization to check the client registration (the credential is not kept after exit)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "manual",
				Usage: "paste the authorization code instead of using the local callback",
			},
		},
		Action: loginAction,
	}
}

// setup loads configuration and installs logging. The returned func flushes logs.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, cfg.LogLevel, string(cfg.LogFormat), cfg.LogExporter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, shutdown, nil
}

func flush(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to flush logs:", err)
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

func mcpAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	opts := []app.Option{app.WithMCP(os.Stdin, os.Stdout, Version)}
	if !cmd.Bool("with-proxy") {
		opts = append(opts, app.WithoutProxy())
	}

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}
	return nil
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	if cmd.Bool("manual") {
		cfg.Auth.Mode = authflow.ModeManual
	}

	application, err := app.New(ctx, cfg, app.WithoutProxy())
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	cred, err := application.Login(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Fprint(os.Stderr, loginSummary(cfg.Auth.Identity, cred.ExpiresAt))
	return nil
}

// loginSummary reports a successful login. Credentials are held in memory only,
// so the summary says they end with this process.
func loginSummary(identity string, expiresAt time.Time) string {
	return fmt.Sprintf("Authorization for %q succeeded (access token valid until %s).\n"+
		"The credential is held in memory only and is discarded on exit; "+
		"`calauth serve` and `calauth mcp` authorize on first use.\n",
		identity, expiresAt.Local().Format(time.RFC1123))
}
