package keysource

import "context"

// Source reads pre-provisioned key material.
type Source interface {
	// Read returns the raw key material. Returns error if it is missing or empty.
	Read(ctx context.Context) (string, error)
}
