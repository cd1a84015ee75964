// Package approval holds the per-turn approval state machine.
package approval

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"patchwork/internal/clock"
)

// State is one position of a turn.
type State string

const (
	StateStreaming       State = "streaming"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateApplied         State = "applied"
	StateFailed          State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateApplied || s == StateFailed
}

// ErrInvalidTransition is returned for moves the table does not allow.
var ErrInvalidTransition = errors.New("invalid approval transition")

var transitions = map[State][]State{
	StateStreaming:       {StatePendingApproval, StateApplied, StateRejected},
	StatePendingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateApplied, StateFailed, StateRejected},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one recorded move.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Gate tracks one turn. It is safe for concurrent use.
type Gate struct {
	mu          sync.Mutex
	state       State
	autoApprove bool
	clock       clock.Clock
	history     []Transition
}

// New returns a gate in StateStreaming.
func New(autoApprove bool, clk clock.Clock) *Gate {
	if clk == nil {
		clk = clock.Real()
	}
	return &Gate{state: StateStreaming, autoApprove: autoApprove, clock: clk}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// History returns every transition in order.
func (g *Gate) History() []Transition {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Transition, len(g.history))
	copy(out, g.history)
	return out
}

// EndOfStream closes ingestion. An empty batch is an applied no-op; a
// non-empty one waits for approval unless auto-approve is on.
func (g *Gate) EndOfStream(empty bool) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if empty {
		return g.moveLocked(StateApplied, "empty batch")
	}
	if _, err := g.moveLocked(StatePendingApproval, "end of stream"); err != nil {
		return g.state, err
	}
	if g.autoApprove {
		return g.moveLocked(StateApproved, "auto-approve")
	}
	return g.state, nil
}

// StreamFailed discards the turn after the producer reported an error.
func (g *Gate) StreamFailed(reason string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateStreaming {
		return g.state, fmt.Errorf("%w: stream failure in %s", ErrInvalidTransition, g.state)
	}
	return g.moveLocked(StateRejected, "stream error: "+reason)
}

// Approve releases a pending batch for execution.
func (g *Gate) Approve() (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePendingApproval {
		return g.state, fmt.Errorf("%w: approve in %s", ErrInvalidTransition, g.state)
	}
	return g.moveLocked(StateApproved, "approved")
}

// Reject discards a pending batch.
func (g *Gate) Reject(reason string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePendingApproval {
		return g.state, fmt.Errorf("%w: reject in %s", ErrInvalidTransition, g.state)
	}
	if reason == "" {
		reason = "rejected"
	}
	return g.moveLocked(StateRejected, reason)
}

// Cancel rejects a streaming, pending or dispatching turn.
func (g *Gate) Cancel() (State, error) {
	return g.Abandon("cancelled")
}

// Abandon rejects a non-terminal turn, recording reason on the transition.
func (g *Gate) Abandon(reason string) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.moveLocked(StateRejected, reason)
}

// Complete records the executor result for an approved batch.
func (g *Gate) Complete(failed bool) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if failed {
		return g.moveLocked(StateFailed, "execution failed")
	}
	return g.moveLocked(StateApplied, "executed")
}

func (g *Gate) moveLocked(to State, reason string) (State, error) {
	if !allowed(g.state, to) {
		return g.state, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.state, to)
	}
	g.history = append(g.history, Transition{From: g.state, To: to, At: g.clock.Now(), Reason: reason})
	g.state = to
	return to, nil
}
