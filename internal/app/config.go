package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/florianilch/calauth/internal/authflow"
	"github.com/florianilch/calauth/internal/keysource"
	"github.com/florianilch/calauth/internal/observability"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// KeySourceType represents where the credential encryption key comes from.
type KeySourceType string

const (
	KeySourceGenerate KeySourceType = "generate"
	KeySourceEnv      KeySourceType = "env"
	KeySourceFile     KeySourceType = "file"
	KeySourceKeyring  KeySourceType = "keyring"
)

// Default configuration values
const (
	DefaultConfigLogFormat        = LogFormatText
	DefaultConfigLogExporter      = observability.ExporterNone
	DefaultConfigServerHost       = "127.0.0.1"
	DefaultConfigServerPort       = 4000
	DefaultConfigShutdownTimeout  = 5 * time.Second
	DefaultConfigUpstreamBaseURL  = "https://www.googleapis.com"
	DefaultConfigAuthRedirectURI  = authflow.DefaultRedirectURI
	DefaultConfigAuthIdentity     = "default"
	DefaultConfigAuthMode         = authflow.ModeBrowser
	DefaultConfigAuthTimeout      = authflow.DefaultTimeout
	DefaultConfigAuthPollInterval = authflow.DefaultPollInterval
	DefaultConfigKeySource        = KeySourceGenerate
	DefaultConfigKeyEnvKey        = "CALAUTH_ENCRYPTION_KEY"
)

// ServerConfig holds the calendar pass-through listener configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// UpstreamConfig holds vendor API configuration.
type UpstreamConfig struct {
	BaseURL string `json:"base_url" validate:"required,url"`
}

// KeyConfig describes how to obtain the credential encryption key.
type KeyConfig struct {
	Source KeySourceType `json:"source" validate:"required,oneof=generate env file keyring"`

	// Source-specific settings (mutually exclusive based on Source)
	EnvKey      string `json:"env_key,omitempty"`      // For env source: environment variable name
	File        string `json:"file,omitempty"`         // For file source: path to key file
	KeyringUser string `json:"keyring_user,omitempty"` // For keyring source: user identifier
}

// NewKeySource creates the configured key source. It returns nil for
// KeySourceGenerate, meaning a fresh key per process.
func (k *KeyConfig) NewKeySource() (keysource.Source, error) {
	switch k.Source {
	case KeySourceGenerate:
		return nil, nil
	case KeySourceEnv:
		return keysource.NewEnvSource(k.EnvKey)
	case KeySourceFile:
		return keysource.NewFileSource(k.File)
	case KeySourceKeyring:
		return keysource.NewKeyringSource(keysource.KeyringService, k.KeyringUser)
	default:
		return nil, fmt.Errorf("unsupported key source: %s", k.Source)
	}
}

// AuthConfig holds the OAuth2 client registration and flow settings.
type AuthConfig struct {
	ClientID     string        `json:"client_id" validate:"required"`
	ClientSecret string        `json:"client_secret" validate:"required"`
	RedirectURI  string        `json:"redirect_uri" validate:"required,url"`
	Scopes       []string      `json:"scopes"`
	Identity     string        `json:"identity" validate:"required"`
	Mode         authflow.Mode `json:"mode" validate:"oneof=browser manual"`
	Timeout      time.Duration `json:"timeout" validate:"gt=0"`
	PollInterval time.Duration `json:"poll_interval" validate:"gt=0"`
	Key          KeyConfig     `json:"key"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level             `json:"log_level"`
	LogFormat   LogFormat              `json:"log_format" validate:"oneof=text json"`
	LogExporter observability.Exporter `json:"log_exporter" validate:"oneof=none stdout otlphttp otlpgrpc"`
	Server      ServerConfig           `json:"server"`
	Shutdown    ShutdownConfig         `json:"shutdown"`
	Upstream    UpstreamConfig         `json:"upstream"`
	Auth        AuthConfig             `json:"auth"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = DefaultConfigUpstreamBaseURL
	}
	if c.Auth.RedirectURI == "" {
		c.Auth.RedirectURI = DefaultConfigAuthRedirectURI
	}
	if c.Auth.Identity == "" {
		c.Auth.Identity = DefaultConfigAuthIdentity
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = DefaultConfigAuthMode
	}
	if c.Auth.Timeout == 0 {
		c.Auth.Timeout = DefaultConfigAuthTimeout
	}
	if c.Auth.PollInterval == 0 {
		c.Auth.PollInterval = DefaultConfigAuthPollInterval
	}
	if c.Auth.Key.Source == "" {
		c.Auth.Key.Source = DefaultConfigKeySource
	}

	// Dynamic defaults based on key source
	switch c.Auth.Key.Source {
	case KeySourceEnv:
		if c.Auth.Key.EnvKey == "" {
			c.Auth.Key.EnvKey = DefaultConfigKeyEnvKey
		}
	case KeySourceFile:
		if c.Auth.Key.File == "" {
			configDir, err := os.UserConfigDir()
			if err != nil {
				return fmt.Errorf("auth.key.file required (auto-detect failed: %w)", err)
			}
			c.Auth.Key.File = filepath.Join(configDir, "calauth", "key")
		}
	case KeySourceKeyring:
		if c.Auth.Key.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("auth.key.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Auth.Key.KeyringUser = currentUser.Username
		}
	case KeySourceGenerate:
		// nothing to locate
	}

	return nil
}

// Validate validates the configuration using struct tags and enum values.
// A missing client registration is reported as authflow.ErrConfiguration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.StructField() == "ClientID" || fe.StructField() == "ClientSecret" {
					return fmt.Errorf("%w: %w", authflow.ErrConfiguration, err)
				}
			}
		}
		return err
	}

	switch c.Auth.Key.Source {
	case KeySourceEnv:
		if c.Auth.Key.EnvKey == "" {
			return errors.New("env_key required for env key source")
		}
	case KeySourceFile:
		if c.Auth.Key.File == "" {
			return errors.New("file path required for file key source")
		}
	case KeySourceKeyring:
		if c.Auth.Key.KeyringUser == "" {
			return errors.New("keyring_user required for keyring key source")
		}
	}

	return nil
}
