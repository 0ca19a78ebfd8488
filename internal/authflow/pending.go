package authflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/florianilch/calauth/internal/credential"
)

// errFlowFinished is returned to a callback that arrives after its flow ended.
var errFlowFinished = errors.New("authorization flow already finished")

// Status is the lifecycle stage of a pending authorization.
type Status int

const (
	// StatusAwaitingUser means the consent page was issued and no callback arrived yet.
	StatusAwaitingUser Status = iota

	// StatusCallbackReceived means a callback with a valid state arrived.
	StatusCallbackReceived

	// StatusExchanging means the authorization code is being traded for tokens.
	StatusExchanging

	// StatusComplete means a credential was stored.
	StatusComplete

	// StatusFailed means the flow ended with an error.
	StatusFailed

	// StatusTimedOut means the user did not finish in time.
	StatusTimedOut
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusAwaitingUser:
		return "awaiting_user"
	case StatusCallbackReceived:
		return "callback_received"
	case StatusExchanging:
		return "exchanging_code"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// resolution is handed from a callback or manual input to the flow's goroutine.
type resolution struct {
	state  *AuthorizationState
	code   string
	denied string
	err    error
	reply  chan error
}

// Pending is the shared handle of one in-flight authorization.
// It settles exactly once.
type Pending struct {
	id        string
	identity  string
	state     string
	authURL   string
	startedAt time.Time

	resolutions chan resolution
	done        chan struct{}

	mu     sync.Mutex
	status Status
	cred   *credential.Credential
	err    error
}

func newPending(id, identity, state, authURL string, startedAt time.Time) *Pending {
	return &Pending{
		id:          id,
		identity:    identity,
		state:       state,
		authURL:     authURL,
		startedAt:   startedAt,
		resolutions: make(chan resolution),
		done:        make(chan struct{}),
		status:      StatusAwaitingUser,
	}
}

// ID identifies the flow in logs.
func (p *Pending) ID() string { return p.id }

// Identity is the identity being authorized.
func (p *Pending) Identity() string { return p.identity }

// AuthURL is the vendor consent URL the user has to open.
func (p *Pending) AuthURL() string { return p.authURL }

// StartedAt is when the flow was initiated.
func (p *Pending) StartedAt() time.Time { return p.startedAt }

// Done is closed once the flow settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Status returns the current stage.
func (p *Pending) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Wait blocks until the flow settles or ctx is done. Cancelling ctx does not
// cancel the flow, which other callers may share.
func (p *Pending) Wait(ctx context.Context) (*credential.Credential, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.cred, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pending) setStatus(s Status) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

// finish settles the flow. Later calls are ignored.
func (p *Pending) finish(cred *credential.Credential, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.done:
		return
	default:
	}

	p.cred, p.err = cred, err
	switch {
	case err == nil:
		p.status = StatusComplete
	case errors.Is(err, ErrAuthorizationTimeout):
		p.status = StatusTimedOut
	default:
		p.status = StatusFailed
	}
	close(p.done)
}

// deliver hands res to the flow's goroutine and waits for the outcome.
func (p *Pending) deliver(ctx context.Context, res resolution) error {
	res.reply = make(chan error, 1)

	select {
	case p.resolutions <- res:
	case <-p.done:
		return errFlowFinished
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-res.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
