package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwork/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type scriptedPoll struct {
	resp TokenResponse
	err  error
}

type fakeTransport struct {
	mu        sync.Mutex
	code      DeviceCode
	codeErr   error
	polls     []scriptedPoll
	requests  []TokenRequest
	challenge string
	clk       *clock.FakeClock
	pollTimes []time.Time
}

func (f *fakeTransport) RequestDeviceCode(ctx context.Context, req DeviceCodeRequest) (DeviceCode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.challenge = req.CodeChallenge
	return f.code, f.codeErr
}

func (f *fakeTransport) PollToken(ctx context.Context, req TokenRequest) (TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.clk != nil {
		f.pollTimes = append(f.pollTimes, f.clk.Now())
	}
	if len(f.polls) == 0 {
		return TokenResponse{Outcome: OutcomePending}, nil
	}
	next := f.polls[0]
	f.polls = f.polls[1:]
	return next.resp, next.err
}

func pending() scriptedPoll {
	return scriptedPoll{resp: TokenResponse{Outcome: OutcomePending}}
}

func newFlow(t *testing.T, polls ...scriptedPoll) (*Controller, *fakeTransport, *clock.FakeClock) {
	t.Helper()
	clk := clock.Fake(epoch)
	tr := &fakeTransport{
		code: DeviceCode{
			DeviceCode:      "dev-123",
			UserCode:        "ABCD-EFGH",
			VerificationURL: "https://auth.example.test/device",
			ExpiresIn:       10 * time.Minute,
			Interval:        5 * time.Second,
		},
		polls: polls,
		clk:   clk,
	}
	return New(tr, Options{ClientID: "cli", Scope: "projects", Clock: clk}), tr, clk
}

func TestBeginCreatesSession(t *testing.T) {
	c, tr, _ := newFlow(t)
	prompt, err := c.Begin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateAwaitingUserAction, c.State())
	assert.Equal(t, "ABCD-EFGH", prompt.UserCode)
	assert.Equal(t, epoch.Add(10*time.Minute), prompt.ExpiresAt)
	assert.Equal(t, epoch.Add(5*time.Second), c.NextWake())

	sess, ok := c.Session()
	require.True(t, ok)
	assert.NotEmpty(t, sess.CodeVerifier)
	assert.NotEmpty(t, tr.challenge)
	assert.NotEqual(t, sess.CodeVerifier, tr.challenge)

	_, err = c.Begin(context.Background())
	assert.Error(t, err)
}

func TestBeginFailure(t *testing.T) {
	c, tr, _ := newFlow(t)
	tr.codeErr = errors.New("boom")
	_, err := c.Begin(context.Background())
	assert.ErrorIs(t, err, ErrAuthorization)
	assert.Equal(t, StateError, c.State())
}

func TestBeginRequiresExpiry(t *testing.T) {
	for _, expiresIn := range []time.Duration{0, -time.Second} {
		c, tr, _ := newFlow(t, pending())
		tr.code.ExpiresIn = expiresIn
		_, err := c.Begin(context.Background())
		assert.ErrorIs(t, err, ErrAuthorization)
		assert.NotErrorIs(t, err, ErrExpired)
		assert.Equal(t, StateError, c.State())
		assert.Empty(t, tr.requests, "no poll without a lifetime")
	}
}

func TestStepBeforeBegin(t *testing.T) {
	c, _, _ := newFlow(t)
	_, err := c.Step(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestFivePendingThenDenied(t *testing.T) {
	c, tr, clk := newFlow(t,
		pending(), pending(), pending(), pending(), pending(),
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeDenied}},
	)
	clk.SetAutoAdvance(true)

	cred, err := c.Run(context.Background())
	assert.Nil(t, cred)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Equal(t, StateDenied, c.State())
	assert.Equal(t, 6, c.Polls())
	assert.Len(t, tr.requests, 6)

	for i, at := range tr.pollTimes {
		assert.Equal(t, epoch.Add(time.Duration(i+1)*5*time.Second), at, "poll %d", i)
	}
	_, ok := c.Session()
	assert.False(t, ok, "session must be destroyed")
}

func TestSlowDownGrowsInterval(t *testing.T) {
	c, tr, clk := newFlow(t,
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeSlowDown}},
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeSlowDown, Interval: 30 * time.Second}},
		pending(),
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeAuthorized, Credential: &Credential{AccessToken: "tok", ExpiresIn: time.Hour}}},
	)
	clk.SetAutoAdvance(true)

	cred, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, StateAuthorized, c.State())

	require.Len(t, tr.pollTimes, 4)
	assert.Equal(t, epoch.Add(5*time.Second), tr.pollTimes[0])
	assert.Equal(t, epoch.Add(15*time.Second), tr.pollTimes[1])
	assert.Equal(t, epoch.Add(45*time.Second), tr.pollTimes[2])
	assert.Equal(t, epoch.Add(75*time.Second), tr.pollTimes[3])
	assert.Equal(t, epoch.Add(75*time.Second).Add(time.Hour), cred.ExpiresAt)

	for _, req := range tr.requests {
		assert.Equal(t, "dev-123", req.DeviceCode)
		assert.NotEmpty(t, req.CodeVerifier)
	}
}

func TestTransientErrorsKeepPolling(t *testing.T) {
	c, _, clk := newFlow(t,
		scriptedPoll{err: fmt.Errorf("%w: connection reset", ErrTransient)},
		scriptedPoll{err: fmt.Errorf("%w: status 503", ErrTransient)},
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeAuthorized, Credential: &Credential{AccessToken: "tok"}}},
	)
	clk.SetAutoAdvance(true)

	cred, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)
	assert.Equal(t, 3, c.Polls())
}

func TestUnexpectedErrorIsTerminal(t *testing.T) {
	c, _, _ := newFlow(t,
		scriptedPoll{resp: TokenResponse{Outcome: OutcomeUnknown, Error: "invalid_client"}},
	)
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	state, err := c.Step(context.Background())
	assert.Equal(t, StateError, state)
	assert.ErrorIs(t, err, ErrAuthorization)
	assert.Contains(t, err.Error(), "invalid_client")

	state, err = c.Step(context.Background())
	assert.Equal(t, StateError, state)
	assert.ErrorIs(t, err, ErrAuthorization)
}

func TestExpiredTokenResponse(t *testing.T) {
	c, _, clk := newFlow(t, scriptedPoll{resp: TokenResponse{Outcome: OutcomeExpired}})
	clk.SetAutoAdvance(true)
	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StateExpired, c.State())
}

func TestWallClockExpiryWinsOverPending(t *testing.T) {
	c, tr, clk := newFlow(t)
	tr.code.ExpiresIn = 12 * time.Second
	clk.SetAutoAdvance(true)

	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, StateExpired, c.State())
	assert.Equal(t, 2, c.Polls())
	assert.Equal(t, epoch.Add(12*time.Second), clk.Now())
}

func TestCancelTearsDownSession(t *testing.T) {
	c, _, clk := newFlow(t)
	_, err := c.Begin(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx)
		done <- err
	}()

	clk.WaitForWaiters(1)
	cancel()
	err = <-done
	assert.ErrorIs(t, err, context.Canceled)
	_, ok := c.Session()
	assert.False(t, ok)
	assert.Zero(t, c.Polls())
}
