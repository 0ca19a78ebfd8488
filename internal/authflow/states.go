package authflow

import (
	"sync"
	"time"
)

// AuthorizationState records one issued authorization URL. It is consumed at most once.
type AuthorizationState struct {
	StateToken   string
	Identity     string
	CodeVerifier string
	RedirectURI  string
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// stateTable holds outstanding authorization states keyed by state token.
type stateTable struct {
	mu     sync.Mutex
	states map[string]*AuthorizationState
}

func newStateTable() *stateTable {
	return &stateTable{states: make(map[string]*AuthorizationState)}
}

func (t *stateTable) put(s *AuthorizationState) {
	t.mu.Lock()
	t.states[s.StateToken] = s
	t.mu.Unlock()
}

// lookup returns the live state for token without consuming it. Expired states are deleted.
func (t *stateTable) lookup(token string, now time.Time) (*AuthorizationState, bool) {
	if token == "" {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[token]
	if !ok {
		return nil, false
	}
	if !s.ExpiresAt.After(now) {
		delete(t.states, token)
		return nil, false
	}
	return s, true
}

// take removes and returns the live state for token. Of two concurrent callers
// with the same token at most one succeeds.
func (t *stateTable) take(token string, now time.Time) (*AuthorizationState, bool) {
	if token == "" {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.states[token]
	if !ok {
		return nil, false
	}
	delete(t.states, token)

	if !s.ExpiresAt.After(now) {
		return nil, false
	}
	return s, true
}

func (t *stateTable) remove(token string) {
	t.mu.Lock()
	delete(t.states, token)
	t.mu.Unlock()
}

func (t *stateTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

// sweep deletes expired states and returns how many were removed.
func (t *stateTable) sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for token, s := range t.states {
		if !s.ExpiresAt.After(now) {
			delete(t.states, token)
			removed++
		}
	}
	return removed
}
