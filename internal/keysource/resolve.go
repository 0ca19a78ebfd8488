package keysource

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the resolved key in bytes.
const KeySize = 32

// hkdfInfo binds derived keys to their purpose.
var hkdfInfo = []byte("calauth credential cache v1")

// Resolve returns a KeySize-byte key. With a nil source a random key is generated.
func Resolve(ctx context.Context, src Source) ([]byte, error) {
	if src == nil {
		return Generate()
	}

	material, err := src.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading key material: %w", err)
	}

	return Derive(material)
}

// Generate returns a fresh random key.
func Generate() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return key, nil
}

// Derive turns configured key material into a key. Base64 that decodes to exactly
// KeySize bytes is used directly, anything else goes through HKDF-SHA256.
func Derive(material string) ([]byte, error) {
	if material == "" {
		return nil, fmt.Errorf("empty key material")
	}

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err := enc.DecodeString(material); err == nil && len(raw) == KeySize {
			return raw, nil
		}
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(material), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}
