package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/florianilch/calauth/internal/app"
	"github.com/florianilch/calauth/internal/authflow"
)

func environ(vars ...string) func() []string {
	return func() []string { return vars }
}

// isolateConfigDir keeps a real per-user config file out of the test.
func isolateConfigDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func TestLoadConfig_Environment(t *testing.T) {
	isolateConfigDir(t)
	cfg, err := loadConfig("", nil, environ(
		"CALAUTH_AUTH__CLIENT_ID=client",
		"CALAUTH_AUTH__CLIENT_SECRET=secret",
		"CALAUTH_AUTH__MODE=manual",
		"CALAUTH_AUTH__TIMEOUT=2m",
		"CALAUTH_AUTH__SCOPES=https://www.googleapis.com/auth/calendar.readonly",
		"CALAUTH_LOG_LEVEL=debug",
		"UNRELATED=ignored",
	))
	require.NoError(t, err)

	assert.Equal(t, "client", cfg.Auth.ClientID)
	assert.Equal(t, "secret", cfg.Auth.ClientSecret)
	assert.Equal(t, authflow.ModeManual, cfg.Auth.Mode)
	assert.Equal(t, 2*time.Minute, cfg.Auth.Timeout)
	assert.Equal(t, []string{"https://www.googleapis.com/auth/calendar.readonly"}, cfg.Auth.Scopes)
	assert.Equal(t, "DEBUG", cfg.LogLevel.String())
	assert.Equal(t, app.DefaultConfigAuthRedirectURI, cfg.Auth.RedirectURI)
}

func TestLoadConfig_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calauth.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_format = "json"

[auth]
client_id = "from-file"
client_secret = "file-secret"
identity = "work"

[auth.key]
source = "file"
file = "/run/secrets/calauth-key"
`), 0o600))

	cfg, err := loadConfig(path, nil, environ("CALAUTH_AUTH__CLIENT_ID=from-env"))
	require.NoError(t, err)

	assert.Equal(t, app.LogFormatJSON, cfg.LogFormat)
	assert.Equal(t, "from-env", cfg.Auth.ClientID, "environment overrides the file")
	assert.Equal(t, "file-secret", cfg.Auth.ClientSecret)
	assert.Equal(t, "work", cfg.Auth.Identity)
	assert.Equal(t, app.KeySourceFile, cfg.Auth.Key.Source)
	assert.Equal(t, "/run/secrets/calauth-key", cfg.Auth.Key.File)
}

func TestLoadConfig_MissingClientRegistration(t *testing.T) {
	isolateConfigDir(t)
	_, err := loadConfig("", nil, environ())
	require.ErrorIs(t, err, authflow.ErrConfiguration)
}

func TestLoadConfig_Flags(t *testing.T) {
	isolateConfigDir(t)
	var got *app.Config

	cmd := &cli.Command{
		Name: "calauth",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "auth--identity", Value: app.DefaultConfigAuthIdentity},
			&cli.IntFlag{Name: "server--port", Value: int(app.DefaultConfigServerPort)},
			&cli.StringFlag{Name: "upstream--base-url", Value: app.DefaultConfigUpstreamBaseURL},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			var err error
			got, err = loadConfig("", cmd, environ(
				"CALAUTH_AUTH__CLIENT_ID=client",
				"CALAUTH_AUTH__CLIENT_SECRET=secret",
				"CALAUTH_AUTH__IDENTITY=from-env",
			))
			return err
		},
	}

	require.NoError(t, cmd.Run(context.Background(), []string{"calauth", "--auth--identity", "from-flag", "--server--port", "4100"}))

	assert.Equal(t, "from-flag", got.Auth.Identity, "flags override the environment")
	assert.EqualValues(t, 4100, got.Server.Port)
	assert.Equal(t, app.DefaultConfigUpstreamBaseURL, got.Upstream.BaseURL, "unset flags keep earlier sources")
}

func TestLoadConfig_DefaultFile(t *testing.T) {
	dir := isolateConfigDir(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "calauth"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "calauth", defaultConfigFile), []byte(`
[auth]
client_id = "discovered"
client_secret = "secret"
`), 0o600))

	cfg, err := loadConfig("", nil, environ())
	require.NoError(t, err)
	assert.Equal(t, "discovered", cfg.Auth.ClientID)
}

func TestLoadConfig_ExplicitFileMissing(t *testing.T) {
	isolateConfigDir(t)
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.toml"), nil, environ())
	assert.Error(t, err)
}
