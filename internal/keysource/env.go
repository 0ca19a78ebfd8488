package keysource

import (
	"context"
	"fmt"
	"os"
)

// EnvSource reads key material from an environment variable.
type EnvSource struct {
	envKey string
}

// Compile-time check to ensure EnvSource implements Source
var _ Source = (*EnvSource)(nil)

// NewEnvSource creates an EnvSource for the given environment variable.
// Returns error if the variable name is empty or not set in the environment.
func NewEnvSource(envKey string) (*EnvSource, error) {
	if envKey == "" {
		return nil, fmt.Errorf("environment key cannot be empty")
	}

	if _, exists := os.LookupEnv(envKey); !exists {
		return nil, fmt.Errorf("environment variable %s not set", envKey)
	}

	return &EnvSource{
		envKey: envKey,
	}, nil
}

// Read returns the key material from the environment variable. Returns error if empty.
func (e *EnvSource) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	material := os.Getenv(e.envKey)
	if material == "" {
		return "", fmt.Errorf("environment variable %s is empty", e.envKey)
	}
	return material, nil
}
