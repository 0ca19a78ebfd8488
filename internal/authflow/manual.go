package authflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"slices"
	"strings"
	"sync"

	"golang.org/x/term"
)

// manualInput is what the user pasted: a bare code, code#state, or the full redirect URL.
type manualInput struct {
	code   string
	state  string
	denied string
}

func parseManualInput(line string) (manualInput, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return manualInput{}, nil
	}

	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return manualInput{}, fmt.Errorf("unreadable redirect URL: %w", err)
		}
		q := u.Query()
		in := manualInput{code: q.Get("code"), state: q.Get("state"), denied: q.Get("error")}
		if in.denied != "" && !vendorErrorCode.MatchString(in.denied) {
			in.denied = "invalid_error_code"
		}
		return in, nil
	}

	if code, state, ok := strings.Cut(line, "#"); ok {
		return manualInput{code: code, state: state}, nil
	}

	return manualInput{code: line}, nil
}

// openTerminal opens the controlling terminal, falling back to stdin when it is interactive.
func openTerminal() (io.ReadCloser, error) {
	if tty, err := os.Open("/dev/tty"); err == nil {
		return tty, nil
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return io.NopCloser(os.Stdin), nil
	}
	return nil, errors.New("no interactive terminal available")
}

// terminal owns the manual input for the coordinator's lifetime. A single reader
// goroutine scans it and hands each line to the most recent subscriber, so a flow
// that ends never leaves a reader behind to swallow the next flow's input.
type terminal struct {
	open func() (io.ReadCloser, error)

	mu    sync.Mutex
	input io.ReadCloser
	ended chan struct{} // closed when input reaches EOF or is closed
	subs  []*subscription
}

// subscription is one flow's view of the terminal.
type subscription struct {
	lines chan string
	done  chan struct{} // closed by unsubscribe
	ended <-chan struct{}
}

// subscribe opens the input on first use and registers a subscriber.
func (t *terminal) subscribe() (*subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.input == nil {
		in, err := t.open()
		if err != nil {
			return nil, err
		}
		t.input, t.ended = in, make(chan struct{})
		go t.read(in, t.ended)
	}

	sub := &subscription{
		lines: make(chan string),
		done:  make(chan struct{}),
		ended: t.ended,
	}
	t.subs = append(t.subs, sub)
	return sub, nil
}

func (t *terminal) unsubscribe(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := slices.Index(t.subs, sub); i >= 0 {
		t.subs = slices.Delete(t.subs, i, i+1)
		close(sub.done)
	}
}

func (t *terminal) subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *terminal) read(in io.ReadCloser, ended <-chan struct{}) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		t.dispatch(scanner.Text(), ended)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.input == in {
		t.release()
	}
}

// dispatch hands line to the newest subscriber, moving on when that one leaves.
// Lines nobody is waiting for are dropped.
func (t *terminal) dispatch(line string, ended <-chan struct{}) {
	for {
		t.mu.Lock()
		if len(t.subs) == 0 {
			t.mu.Unlock()
			return
		}
		sub := t.subs[len(t.subs)-1]
		t.mu.Unlock()

		select {
		case sub.lines <- line:
			return
		case <-sub.done:
		case <-ended:
			return
		}
	}
}

// release forgets the current input. t.mu must be held.
func (t *terminal) release() {
	close(t.ended)
	t.input, t.ended, t.subs = nil, nil, nil
}

// Close releases the input. The reader goroutine ends once its pending read returns.
func (t *terminal) Close() error {
	t.mu.Lock()
	in := t.input
	if in != nil {
		t.release()
	}
	t.mu.Unlock()

	if in == nil {
		return nil
	}
	return in.Close()
}

// promptManual prints the consent URL and feeds pasted lines to p until the flow
// ends. The subscription is released on every exit path.
func (c *Coordinator) promptManual(ctx context.Context, p *Pending, sub *subscription) {
	_ = c.openBrowser(p.authURL)

	fmt.Fprintf(c.output, "\nOpen this URL in a browser to grant calendar access:\n\n  %s\n\n", p.authURL)
	fmt.Fprint(c.output, "Paste the authorization code (or the full redirect URL): ")

	go func() {
		defer c.terminal.unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.ended:
				return
			case line := <-sub.lines:
				if done := c.submitManual(ctx, p, line); done {
					return
				}
			}
		}
	}()
}

// submitManual hands one pasted line to the flow. It reports whether the flow is settled.
func (c *Coordinator) submitManual(ctx context.Context, p *Pending, line string) bool {
	in, err := parseManualInput(line)
	if err != nil {
		fmt.Fprintf(c.output, "%v\nPaste the authorization code: ", err)
		return false
	}
	if in.code == "" && in.denied == "" {
		fmt.Fprint(c.output, "Paste the authorization code: ")
		return false
	}

	res := resolution{code: in.code, denied: in.denied}
	if in.state != "" && in.state != p.state {
		res.err = fmt.Errorf("%w: pasted state does not match this authorization", ErrCSRFValidation)
	} else if state, ok := c.states.take(p.state, c.now()); ok {
		res.state = state
	} else {
		res.err = fmt.Errorf("%w: authorization state expired", ErrCSRFValidation)
	}

	if err := p.deliver(ctx, res); err != nil {
		fmt.Fprintf(c.output, "Authorization failed: %v\n", err)
	} else {
		fmt.Fprintln(c.output, "Authorization complete.")
	}
	return true
}
