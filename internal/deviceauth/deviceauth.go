// Package deviceauth drives the device authorization grant with a PKCE
// proof key. The controller is a state machine with a single next-wake
// timestamp; all waiting goes through an injected clock.
package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"patchwork/internal/clock"
	"patchwork/internal/logging"
)

// State is the controller position in the flow.
type State string

const (
	StateInit               State = "init"
	StateAwaitingUserAction State = "awaiting_user_action"
	StatePolling            State = "polling"
	StateAuthorized         State = "authorized"
	StateDenied             State = "denied"
	StateExpired            State = "expired"
	StateError              State = "error"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateAuthorized, StateDenied, StateExpired, StateError:
		return true
	}
	return false
}

var (
	ErrDenied        = errors.New("device authorization denied")
	ErrExpired       = errors.New("device code expired")
	ErrAuthorization = errors.New("device authorization failed")
	// ErrTransient marks transport failures that are retried at the current interval.
	ErrTransient = errors.New("transient transport error")
	// ErrNotStarted is returned by Step before Begin.
	ErrNotStarted = errors.New("device authorization not started")
)

const (
	// DefaultInterval applies when the server omits one.
	DefaultInterval = 5 * time.Second
	// SlowDownIncrement is added to the interval on every slow_down.
	SlowDownIncrement = 5 * time.Second
)

// Session is the live device code. Only PollInterval changes while polling.
type Session struct {
	DeviceCode      string
	CodeVerifier    string
	UserCode        string
	VerificationURL string
	ExpiresAt       time.Time
	PollInterval    time.Duration
}

// Prompt is what the user needs to finish the flow in a browser.
type Prompt struct {
	UserCode                string
	VerificationURL         string
	VerificationURLComplete string
	ExpiresAt               time.Time
}

// Credential is handed to the caller on success. It is never persisted here.
type Credential struct {
	AccessToken  string        `yaml:"access_token" json:"access_token"`
	RefreshToken string        `yaml:"refresh_token,omitempty" json:"refresh_token,omitempty"`
	TokenType    string        `yaml:"token_type,omitempty" json:"token_type,omitempty"`
	Scope        string        `yaml:"scope,omitempty" json:"scope,omitempty"`
	ExpiresIn    time.Duration `yaml:"-" json:"-"`
	ExpiresAt    time.Time     `yaml:"expires_at,omitempty" json:"expires_at,omitempty"`
}

// Options configures a Controller.
type Options struct {
	ClientID string
	Scope    string
	Clock    clock.Clock
	Logger   *logging.StructuredLogger
}

// Controller runs one device authorization flow. It is not reusable.
type Controller struct {
	transport Transport
	clientID  string
	scope     string
	clock     clock.Clock
	logger    *logging.StructuredLogger

	mu         sync.Mutex
	state      State
	session    *Session
	prompt     Prompt
	nextWake   time.Time
	credential *Credential
	err        error
	polls      int
}

// New returns a controller in StateInit.
func New(transport Transport, opts Options) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		transport: transport,
		clientID:  opts.ClientID,
		scope:     opts.Scope,
		clock:     clk,
		logger:    logger.WithComponent("deviceauth"),
		state:     StateInit,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the live session, or false once it is destroyed.
func (c *Controller) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// NextWake is when the next poll is due.
func (c *Controller) NextWake() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextWake
}

// Polls returns the number of token requests issued so far.
func (c *Controller) Polls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

// Credential returns the credential after StateAuthorized.
func (c *Controller) Credential() (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthorized {
		return nil, c.terminalErrLocked()
	}
	cred := *c.credential
	return &cred, nil
}

// Begin creates the proof key and requests a device code.
func (c *Controller) Begin(ctx context.Context) (Prompt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInit {
		return Prompt{}, fmt.Errorf("begin called in state %s", c.state)
	}

	verifier := oauth2.GenerateVerifier()
	code, err := c.transport.RequestDeviceCode(ctx, DeviceCodeRequest{
		ClientID:            c.clientID,
		Scope:               c.scope,
		CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		c.failLocked(StateError, fmt.Errorf("%w: request device code: %v", ErrAuthorization, err))
		return Prompt{}, c.err
	}
	if code.DeviceCode == "" || code.UserCode == "" {
		c.failLocked(StateError, fmt.Errorf("%w: incomplete device code response", ErrAuthorization))
		return Prompt{}, c.err
	}
	// expires_in is required; without it the code would count as expired
	// before the first poll.
	if code.ExpiresIn <= 0 {
		c.failLocked(StateError, fmt.Errorf("%w: device code response has no expires_in", ErrAuthorization))
		return Prompt{}, c.err
	}

	now := c.clock.Now()
	interval := code.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	c.session = &Session{
		DeviceCode:      code.DeviceCode,
		CodeVerifier:    verifier,
		UserCode:        code.UserCode,
		VerificationURL: code.VerificationURL,
		ExpiresAt:       now.Add(code.ExpiresIn),
		PollInterval:    interval,
	}
	c.prompt = Prompt{
		UserCode:                code.UserCode,
		VerificationURL:         code.VerificationURL,
		VerificationURLComplete: code.VerificationURLComplete,
		ExpiresAt:               c.session.ExpiresAt,
	}
	c.nextWake = now.Add(interval)
	c.state = StateAwaitingUserAction
	c.logger.Info("device code issued", map[string]interface{}{
		"user_code":  code.UserCode,
		"expires_at": c.session.ExpiresAt.Format(time.RFC3339),
		"interval":   interval.String(),
	})
	return c.prompt, nil
}

// Step performs one poll, regardless of nextWake. Expiry is checked first.
func (c *Controller) Step(ctx context.Context) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state.Terminal():
		return c.state, c.terminalErrLocked()
	case c.state == StateInit || c.session == nil:
		return c.state, ErrNotStarted
	case c.state == StateAwaitingUserAction:
		c.state = StatePolling
	}

	now := c.clock.Now()
	if !now.Before(c.session.ExpiresAt) {
		c.failLocked(StateExpired, ErrExpired)
		return c.state, c.err
	}

	c.polls++
	resp, err := c.transport.PollToken(ctx, TokenRequest{
		ClientID:     c.clientID,
		DeviceCode:   c.session.DeviceCode,
		CodeVerifier: c.session.CodeVerifier,
	})
	now = c.clock.Now()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.failLocked(StateError, ctxErr)
			return c.state, ctxErr
		}
		if errors.Is(err, ErrTransient) {
			c.logger.Warn("token poll transient failure", map[string]interface{}{"error": err.Error(), "poll": c.polls})
			c.nextWake = now.Add(c.session.PollInterval)
			return c.state, nil
		}
		c.failLocked(StateError, fmt.Errorf("%w: %v", ErrAuthorization, err))
		return c.state, c.err
	}

	switch resp.Outcome {
	case OutcomePending:
		c.nextWake = now.Add(c.session.PollInterval)
	case OutcomeSlowDown:
		next := c.session.PollInterval + SlowDownIncrement
		if resp.Interval > next {
			next = resp.Interval
		}
		c.session.PollInterval = next
		c.nextWake = now.Add(next)
		c.logger.Info("slowing down", map[string]interface{}{"interval": next.String()})
	case OutcomeDenied:
		c.failLocked(StateDenied, ErrDenied)
	case OutcomeExpired:
		c.failLocked(StateExpired, ErrExpired)
	case OutcomeAuthorized:
		if resp.Credential == nil || resp.Credential.AccessToken == "" {
			c.failLocked(StateError, fmt.Errorf("%w: token response without access token", ErrAuthorization))
			break
		}
		cred := *resp.Credential
		if cred.ExpiresIn > 0 && cred.ExpiresAt.IsZero() {
			cred.ExpiresAt = now.Add(cred.ExpiresIn)
		}
		c.credential = &cred
		c.state = StateAuthorized
		c.destroyLocked()
		c.logger.Info("device authorized", map[string]interface{}{"polls": c.polls})
	default:
		detail := resp.Error
		if detail == "" {
			detail = "unexpected token response"
		}
		c.failLocked(StateError, fmt.Errorf("%w: %s", ErrAuthorization, detail))
	}
	return c.state, c.terminalErrLocked()
}

// Run polls until a terminal state. Each wait lasts until nextWake, capped
// at the device code expiry. Cancelling ctx destroys the session.
func (c *Controller) Run(ctx context.Context) (*Credential, error) {
	if c.State() == StateInit {
		if _, err := c.Begin(ctx); err != nil {
			return nil, err
		}
	}
	for {
		c.mu.Lock()
		if c.state.Terminal() {
			c.mu.Unlock()
			return c.Credential()
		}
		now := c.clock.Now()
		wake := c.nextWake
		if c.session != nil && c.session.ExpiresAt.Before(wake) {
			wake = c.session.ExpiresAt
		}
		wait := wake.Sub(now)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.failLocked(StateError, ctx.Err())
			c.mu.Unlock()
			c.logger.Warn("device authorization cancelled")
			return nil, ctx.Err()
		case <-c.clock.After(wait):
		}

		if _, err := c.Step(ctx); err != nil && !c.State().Terminal() {
			return nil, err
		}
	}
}

func (c *Controller) failLocked(state State, err error) {
	c.state = state
	c.err = err
	c.destroyLocked()
	c.logger.Warn("device authorization ended", map[string]interface{}{"state": string(state), "error": err.Error()})
}

func (c *Controller) destroyLocked() {
	if c.session == nil {
		return
	}
	c.session.CodeVerifier = ""
	c.session.DeviceCode = ""
	c.session = nil
}

func (c *Controller) terminalErrLocked() error {
	switch c.state {
	case StateAuthorized:
		return nil
	case StateDenied, StateExpired, StateError:
		return c.err
	}
	return nil
}
