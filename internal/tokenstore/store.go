package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTTL is used by Put when no positive TTL is given.
	DefaultTTL = 30 * 24 * time.Hour

	// DefaultSweepInterval is how often RunSweeper evicts expired entries.
	DefaultSweepInterval = time.Hour
)

// storedCredential is a single sealed entry.
type storedCredential struct {
	ownerID   string
	secret    sealed
	expiresAt time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithSweepInterval overrides DefaultSweepInterval.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		s.sweepInterval = d
	}
}

// WithLogger sets the logger used for eviction and decryption diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is an encrypted key/value cache with per-entry expiry.
// It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*storedCredential

	cipher        *Cipher
	now           func() time.Time
	sweepInterval time.Duration
	logger        *slog.Logger
}

// New creates a Store sealing entries under key, which must be KeySize bytes.
func New(key []byte, opts ...Option) (*Store, error) {
	c, err := NewCipher(key)
	if err != nil {
		return nil, err
	}

	s := &Store{
		entries:       make(map[string]*storedCredential),
		cipher:        c,
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Put encrypts secret and stores it under ownerID until now+ttl, replacing any
// previous entry. A non-positive ttl means DefaultTTL.
func (s *Store) Put(ownerID, secret string, ttl time.Duration) error {
	if ownerID == "" {
		return errors.New("tokenstore: owner id cannot be empty")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	sealedSecret, err := s.cipher.seal(secret)
	if err != nil {
		return fmt.Errorf("storing %s: %w", ownerID, err)
	}

	s.mu.Lock()
	s.entries[ownerID] = &storedCredential{
		ownerID:   ownerID,
		secret:    sealedSecret,
		expiresAt: s.now().Add(ttl),
	}
	s.mu.Unlock()

	return nil
}

// Fetch returns the decrypted secret for ownerID. The second result is false when
// the entry is missing, expired, or cannot be decrypted; expired and undecryptable
// entries are evicted.
func (s *Store) Fetch(ownerID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ownerID]
	if !ok {
		return "", false
	}

	if !entry.expiresAt.After(s.now()) {
		delete(s.entries, ownerID)
		s.logger.Debug("evicted expired credential", "owner", ownerID)
		return "", false
	}

	plaintext, err := s.cipher.open(entry.secret)
	if err != nil {
		delete(s.entries, ownerID)
		// The error carries no secret material, only the AEAD failure reason.
		s.logger.Warn("discarding undecryptable credential", "owner", ownerID, "error", err)
		return "", false
	}

	return plaintext, true
}

// ExpiresAt reports the absolute expiry of a live entry.
func (s *Store) ExpiresAt(ownerID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[ownerID]
	if !ok || !entry.expiresAt.After(s.now()) {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// Remove deletes the entry for ownerID. Removing a missing entry is a no-op.
func (s *Store) Remove(ownerID string) {
	s.mu.Lock()
	delete(s.entries, ownerID)
	s.mu.Unlock()
}

// Len returns the number of entries currently held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for owner, entry := range s.entries {
		if !entry.expiresAt.After(now) {
			delete(s.entries, owner)
			removed++
		}
	}
	return removed
}

// RunSweeper evicts expired entries every sweep interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.DebugContext(ctx, "swept expired credentials", "count", n)
			}
		}
	}
}
