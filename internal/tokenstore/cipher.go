package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the required symmetric key length in bytes (AES-256).
const KeySize = 32

var (
	// ErrEncryption signals that a secret could not be sealed, usually because of a bad key.
	ErrEncryption = errors.New("tokenstore: encryption failed")

	// ErrCredentialDecryption signals corrupted data or a key mismatch. Callers treat it as "absent".
	ErrCredentialDecryption = errors.New("tokenstore: credential decryption failed")
)

// sealed is the at-rest form of a secret.
type sealed struct {
	iv         []byte
	authTag    []byte
	ciphertext []byte
}

// String encodes the sealed secret as hex(iv):hex(auth_tag):hex(ciphertext).
func (s sealed) String() string {
	return hex.EncodeToString(s.iv) + ":" + hex.EncodeToString(s.authTag) + ":" + hex.EncodeToString(s.ciphertext)
}

func parseSealed(encoded string) (sealed, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return sealed{}, fmt.Errorf("%w: malformed entry", ErrCredentialDecryption)
	}

	var out sealed
	var err error
	if out.iv, err = hex.DecodeString(parts[0]); err != nil {
		return sealed{}, fmt.Errorf("%w: iv: %w", ErrCredentialDecryption, err)
	}
	if out.authTag, err = hex.DecodeString(parts[1]); err != nil {
		return sealed{}, fmt.Errorf("%w: auth tag: %w", ErrCredentialDecryption, err)
	}
	if out.ciphertext, err = hex.DecodeString(parts[2]); err != nil {
		return sealed{}, fmt.Errorf("%w: ciphertext: %w", ErrCredentialDecryption, err)
	}
	return out, nil
}

// Cipher seals and opens secrets with AES-256-GCM under a fixed key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher for the given 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrEncryption, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryption, err)
	}

	return &Cipher{aead: aead}, nil
}

// seal encrypts plaintext under a fresh random IV.
func (c *Cipher) seal(plaintext string) (sealed, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return sealed{}, fmt.Errorf("%w: generating iv: %w", ErrEncryption, err)
	}

	// GCM appends the tag to the ciphertext; keep them apart in the stored form.
	out := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	tagStart := len(out) - c.aead.Overhead()

	return sealed{
		iv:         iv,
		authTag:    out[tagStart:],
		ciphertext: out[:tagStart],
	}, nil
}

// open decrypts and authenticates a sealed secret.
func (c *Cipher) open(s sealed) (string, error) {
	if len(s.iv) != c.aead.NonceSize() || len(s.authTag) != c.aead.Overhead() {
		return "", fmt.Errorf("%w: unexpected iv or tag length", ErrCredentialDecryption)
	}

	combined := make([]byte, 0, len(s.ciphertext)+len(s.authTag))
	combined = append(combined, s.ciphertext...)
	combined = append(combined, s.authTag...)

	plaintext, err := c.aead.Open(nil, s.iv, combined, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentialDecryption, err)
	}
	return string(plaintext), nil
}

// Seal encrypts plaintext and returns its encoded iv:auth_tag:ciphertext form.
func (c *Cipher) Seal(plaintext string) (string, error) {
	s, err := c.seal(plaintext)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}

// Open decodes and decrypts a value produced by Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	s, err := parseSealed(encoded)
	if err != nil {
		return "", err
	}
	return c.open(s)
}
