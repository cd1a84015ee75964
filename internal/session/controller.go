// Package session drives one model turn at a time through parsing,
// validation, approval, execution and checkpointing.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"patchwork/internal/actions"
	"patchwork/internal/approval"
	"patchwork/internal/checkpoint"
	"patchwork/internal/clock"
	"patchwork/internal/executor"
	"patchwork/internal/logging"
	"patchwork/internal/markup"
	"patchwork/internal/metrics"
	"patchwork/internal/turnlog"
)

var (
	// ErrBusy is returned by Start while another turn on the project is unresolved.
	ErrBusy = errors.New("project has an unresolved turn")
	// ErrTurnNotStreaming is returned when chunks or an end-of-stream arrive
	// for a turn that already left Streaming.
	ErrTurnNotStreaming = errors.New("turn is not streaming")
	// ErrUnknownTurn is returned for turn ids this controller never issued.
	ErrUnknownTurn = turnlog.ErrUnknownTurn
	// ErrLockLost is returned when the project lease expired or could not be
	// refreshed. The turn is rejected and nothing is applied.
	ErrLockLost = errors.New("project lock lost")
)

// DefaultLockTTL bounds how long a crashed process can hold a project.
const DefaultLockTTL = 30 * time.Minute

// Runner applies a validated batch.
type Runner interface {
	Run(ctx context.Context, list []actions.Action) executor.Outcome
}

// Checkpointer records and restores working-tree snapshots.
type Checkpointer interface {
	Commit(ctx context.Context, req checkpoint.CommitRequest) (checkpoint.Checkpoint, error)
	Revert(ctx context.Context, id string) (checkpoint.Checkpoint, error)
	List(ctx context.Context) ([]checkpoint.Checkpoint, error)
}

// TurnStore persists turn records.
type TurnStore interface {
	Save(rec turnlog.Record) error
	Get(turnID string) (turnlog.Record, error)
	MaxSeq() uint64
}

// Options configures a Controller. Validator, Runner, Checkpoints and Turns
// are required.
type Options struct {
	Project     string
	Validator   *actions.Validator
	Runner      Runner
	Checkpoints Checkpointer
	Turns       TurnStore
	Locker      Locker
	LockTTL     time.Duration
	AutoApprove bool
	Clock       clock.Clock
	Logger      *logging.StructuredLogger
	Metrics     *metrics.Metrics
}

type turn struct {
	id         string
	seq        uint64
	parser     *markup.Parser
	gate       *approval.Gate
	transcript []markup.Item
	batch      actions.Batch
	results    []executor.Result
	checkpoint string
	err        string
	createdAt  time.Time
	lease      Lease

	dispatching bool
	stop        context.CancelFunc
}

// Controller owns the single active turn of one project.
type Controller struct {
	opts   Options
	clock  clock.Clock
	logger *logging.StructuredLogger

	mu     sync.Mutex
	active *turn
	seq    uint64
}

// New returns a controller whose sequence numbers continue after the
// highest one already recorded in opts.Turns.
func New(opts Options) (*Controller, error) {
	if opts.Validator == nil || opts.Runner == nil || opts.Checkpoints == nil || opts.Turns == nil {
		return nil, errors.New("session: validator, runner, checkpoints and turns are required")
	}
	if opts.Project == "" {
		opts.Project = "default"
	}
	if opts.Locker == nil {
		opts.Locker = NewMemoryLocker()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Controller{
		opts:   opts,
		clock:  clk,
		logger: logger.WithComponent("session").WithWorkspace(opts.Project),
		seq:    opts.Turns.MaxSeq(),
	}, nil
}

// Active returns the id of the unresolved turn, if any.
func (c *Controller) Active() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

// Start opens a new turn in Streaming.
func (c *Controller) Start(ctx context.Context) (string, approval.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return "", "", fmt.Errorf("%w: turn %s", ErrBusy, c.active.id)
	}
	lease, err := c.opts.Locker.TryLock(ctx, c.opts.Project, c.opts.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return "", "", fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return "", "", fmt.Errorf("failed to lock project: %w", err)
	}

	c.seq++
	t := &turn{
		id:        uuid.NewString(),
		seq:       c.seq,
		parser:    markup.New(actions.Tags()...),
		gate:      approval.New(c.opts.AutoApprove, c.clock),
		createdAt: c.clock.Now(),
		lease:     lease,
	}
	c.active = t
	c.persistLocked(t)
	c.logger.WithTurn(t.id).Info("turn started", map[string]interface{}{"seq": t.seq})
	return t.id, approval.StateStreaming, nil
}

// Ingest feeds one chunk to the turn's parser.
func (c *Controller) Ingest(turnID, chunk string) (approval.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, state, err := c.lookupLocked(turnID)
	if err != nil {
		return state, err
	}
	if t == nil || state != approval.StateStreaming {
		return state, fmt.Errorf("%w: %s", ErrTurnNotStreaming, state)
	}
	if err := c.refreshLocked(context.Background(), t); err != nil {
		return c.abandonLocked(context.Background(), t, err)
	}
	t.parser.Feed(chunk)
	t.transcript = append(t.transcript, t.parser.Drain()...)
	c.opts.Metrics.ObserveChunk()
	return state, nil
}

// Finish ends the stream. A non-nil streamErr discards the turn. Otherwise
// the batch is validated and either waits for approval or, with
// auto-approve, is executed before Finish returns.
func (c *Controller) Finish(ctx context.Context, turnID string, streamErr error) (approval.State, error) {
	c.mu.Lock()
	t, state, err := c.lookupLocked(turnID)
	if err != nil {
		c.mu.Unlock()
		return state, err
	}
	if t == nil || state != approval.StateStreaming {
		c.mu.Unlock()
		return state, fmt.Errorf("%w: %s", ErrTurnNotStreaming, state)
	}
	log := c.logger.WithTurn(t.id)

	t.parser.Close()
	t.transcript = markup.Coalesce(append(t.transcript, t.parser.Drain()...))

	if streamErr != nil {
		t.err = streamErr.Error()
		state, err = t.gate.StreamFailed(t.err)
		log.Warn("stream failed, turn discarded", map[string]interface{}{"error": t.err})
		c.resolveLocked(ctx, t)
		c.mu.Unlock()
		return state, err
	}

	accepted, warnings := c.opts.Validator.ValidateAll(markup.Nodes(t.transcript))
	t.batch = actions.Batch{TurnID: t.id, Seq: t.seq, Actions: accepted, Warnings: warnings}
	for _, w := range warnings {
		c.opts.Metrics.ObserveRejection(string(w.Reason))
		log.Warn("action rejected", map[string]interface{}{"index": w.Index, "reason": w.Reason, "detail": w.Detail})
	}

	state, err = t.gate.EndOfStream(t.batch.Empty())
	if err != nil {
		c.mu.Unlock()
		return state, err
	}
	log.Info("stream finished", map[string]interface{}{
		"actions":  len(accepted),
		"warnings": len(warnings),
		"state":    state,
	})
	switch state {
	case approval.StateApproved:
		return c.dispatch(ctx, t)
	case approval.StateApplied:
		c.resolveLocked(ctx, t)
	default:
		if err := c.refreshLocked(ctx, t); err != nil {
			state, err = c.abandonLocked(ctx, t, err)
			c.mu.Unlock()
			return state, err
		}
		c.persistLocked(t)
	}
	c.mu.Unlock()
	return state, nil
}

// Approve executes a pending batch and returns the terminal state.
func (c *Controller) Approve(ctx context.Context, turnID string) (approval.State, error) {
	c.mu.Lock()
	t, state, err := c.lookupLocked(turnID)
	if err != nil {
		c.mu.Unlock()
		return state, err
	}
	if t == nil {
		c.mu.Unlock()
		return state, resolved(turnID, state)
	}
	if state, err = t.gate.Approve(); err != nil {
		c.mu.Unlock()
		return state, err
	}
	return c.dispatch(ctx, t)
}

// Reject discards a pending batch.
func (c *Controller) Reject(ctx context.Context, turnID, reason string) (approval.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, state, err := c.lookupLocked(turnID)
	if err != nil {
		return state, err
	}
	if t == nil {
		return state, resolved(turnID, state)
	}
	if state, err = t.gate.Reject(reason); err != nil {
		return state, err
	}
	c.logger.WithTurn(t.id).Info("batch rejected", map[string]interface{}{"reason": reason})
	c.resolveLocked(ctx, t)
	return state, nil
}

// Cancel rejects a streaming or pending turn. During dispatch it stops the
// executor before its next action; the returned state is then still
// Approved and the turn settles in Rejected once the in-flight action ends.
func (c *Controller) Cancel(ctx context.Context, turnID string) (approval.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, state, err := c.lookupLocked(turnID)
	if err != nil {
		return state, err
	}
	if t == nil {
		return state, resolved(turnID, state)
	}
	if t.dispatching {
		t.stop()
		c.logger.WithTurn(t.id).Info("cancel requested during dispatch")
		return state, nil
	}
	if state, err = t.gate.Cancel(); err != nil {
		return state, err
	}
	c.logger.WithTurn(t.id).Info("turn cancelled")
	c.resolveLocked(ctx, t)
	return state, nil
}

// Turn returns the current record of a turn, active or resolved.
func (c *Controller) Turn(turnID string) (turnlog.Record, error) {
	c.mu.Lock()
	if c.active != nil && c.active.id == turnID {
		rec := c.recordLocked(c.active)
		c.mu.Unlock()
		return rec, nil
	}
	c.mu.Unlock()
	return c.opts.Turns.Get(turnID)
}

// Checkpoints lists the project's checkpoints, oldest first.
func (c *Controller) Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error) {
	return c.opts.Checkpoints.List(ctx)
}

// Revert resets the working tree to a checkpoint. It holds the project lock
// for its duration and fails with ErrBusy while a turn is unresolved.
func (c *Controller) Revert(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("%w: turn %s", ErrBusy, c.active.id)
	}
	lease, err := c.opts.Locker.TryLock(ctx, c.opts.Project, c.opts.LockTTL)
	if err != nil {
		if errors.Is(err, ErrLocked) {
			return checkpoint.Checkpoint{}, fmt.Errorf("%w: %v", ErrBusy, err)
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("failed to lock project: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			c.logger.Warn("failed to release project lock", map[string]interface{}{"error": err.Error()})
		}
	}()

	cp, err := c.opts.Checkpoints.Revert(ctx, id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	c.logger.Info("reverted working tree", map[string]interface{}{"checkpoint": cp.Short(), "seq": cp.Seq})
	return cp, nil
}

// Close cancels any unresolved turn and releases its lock.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	t := c.active
	if t == nil {
		c.mu.Unlock()
		return nil
	}
	if t.dispatching {
		t.stop()
		c.mu.Unlock()
		return nil
	}
	defer c.mu.Unlock()
	if _, err := t.gate.Cancel(); err != nil {
		return err
	}
	c.resolveLocked(ctx, t)
	return nil
}

// dispatch runs an approved batch. It is entered with c.mu held and
// releases it while the executor runs so Cancel can reach the turn.
func (c *Controller) dispatch(ctx context.Context, t *turn) (approval.State, error) {
	log := c.logger.WithTurn(t.id)
	if err := c.refreshLocked(ctx, t); err != nil {
		state, err := c.abandonLocked(ctx, t, err)
		c.mu.Unlock()
		return state, err
	}
	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	t.dispatching = true
	t.stop = stop
	c.persistLocked(t)
	c.mu.Unlock()

	started := c.clock.Now()
	outcome := c.opts.Runner.Run(runCtx, t.batch.Actions)
	c.opts.Metrics.ObserveDispatch(c.clock.Now().Sub(started))
	for _, r := range outcome.Results {
		c.opts.Metrics.ObserveAction(string(r.Kind), string(r.Status))
	}

	var commitErr error
	var cp checkpoint.Checkpoint
	if outcome.Dispatched() {
		cp, commitErr = c.opts.Checkpoints.Commit(context.WithoutCancel(ctx), checkpoint.CommitRequest{
			TurnID:  t.id,
			Message: commitMessage(t.seq, outcome),
		})
		if commitErr == nil {
			c.opts.Metrics.ObserveCheckpoint()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.dispatching = false
	t.stop = nil
	t.results = outcome.Results
	if commitErr == nil && cp.ID != "" {
		t.checkpoint = cp.ID
	}

	var state approval.State
	var err error
	switch {
	case outcome.Cancelled:
		state, err = t.gate.Cancel()
		log.Info("dispatch cancelled", map[string]interface{}{"applied": outcome.Applied()})
	case outcome.Failure != nil:
		t.err = outcome.Failure.Error()
		state, err = t.gate.Complete(true)
		log.Warn("batch failed", map[string]interface{}{"index": outcome.Failure.Index, "error": t.err})
	case commitErr != nil:
		t.err = commitErr.Error()
		state, err = t.gate.Complete(true)
	default:
		state, err = t.gate.Complete(false)
		log.Info("batch applied", map[string]interface{}{"applied": outcome.Applied(), "checkpoint": cp.Short()})
	}
	if commitErr != nil {
		log.Error("checkpoint commit failed", map[string]interface{}{"error": commitErr.Error()})
		if t.err != commitErr.Error() {
			t.err += "; checkpoint: " + commitErr.Error()
		}
	}
	c.resolveLocked(ctx, t)
	if err != nil {
		return state, err
	}
	if commitErr != nil {
		return state, fmt.Errorf("failed to commit checkpoint: %w", commitErr)
	}
	return state, nil
}

func resolved(turnID string, state approval.State) error {
	return fmt.Errorf("%w: turn %s is %s", approval.ErrInvalidTransition, turnID, state)
}

func commitMessage(seq uint64, out executor.Outcome) string {
	msg := fmt.Sprintf("turn %d: %d/%d actions applied", seq, out.Applied(), len(out.Results))
	switch {
	case out.Cancelled:
		msg += " (cancelled)"
	case out.Failure != nil:
		msg += fmt.Sprintf(" (action %d failed)", out.Failure.Index)
	}
	return msg
}

// lookupLocked returns the active turn, or a nil turn with the recorded
// state of a resolved one.
func (c *Controller) lookupLocked(turnID string) (*turn, approval.State, error) {
	if c.active != nil && c.active.id == turnID {
		return c.active, c.active.gate.State(), nil
	}
	rec, err := c.opts.Turns.Get(turnID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	return nil, rec.State, nil
}

// resolveLocked persists the terminal record and frees the project.
func (c *Controller) resolveLocked(ctx context.Context, t *turn) {
	c.persistLocked(t)
	c.opts.Metrics.ObserveTurn(string(t.gate.State()))
	if c.active == t {
		c.active = nil
	}
	if err := t.lease.Release(context.WithoutCancel(ctx)); err != nil {
		c.logger.WithTurn(t.id).Warn("failed to release project lock", map[string]interface{}{"error": err.Error()})
	}
}

// refreshLocked extends the turn's lease. Any failure means ownership of the
// project can no longer be proven.
func (c *Controller) refreshLocked(ctx context.Context, t *turn) error {
	if err := t.lease.Refresh(ctx, c.opts.LockTTL); err != nil {
		return fmt.Errorf("%w: %v", ErrLockLost, err)
	}
	return nil
}

// abandonLocked rejects a turn whose lease is gone and returns cause.
func (c *Controller) abandonLocked(ctx context.Context, t *turn, cause error) (approval.State, error) {
	t.err = cause.Error()
	state, err := t.gate.Abandon(t.err)
	c.logger.WithTurn(t.id).Error("turn abandoned", map[string]interface{}{"error": t.err, "state": state})
	c.resolveLocked(ctx, t)
	if err != nil {
		return state, err
	}
	return state, cause
}

func (c *Controller) persistLocked(t *turn) {
	if err := c.opts.Turns.Save(c.recordLocked(t)); err != nil {
		c.logger.WithTurn(t.id).Error("failed to save turn record", map[string]interface{}{"error": err.Error()})
	}
}

func (c *Controller) recordLocked(t *turn) turnlog.Record {
	return turnlog.Record{
		TurnID:      t.id,
		Seq:         t.seq,
		State:       t.gate.State(),
		Transcript:  markup.Coalesce(t.transcript),
		Actions:     actions.Entries(t.batch.Actions),
		Warnings:    t.batch.Warnings,
		Results:     t.results,
		Checkpoint:  t.checkpoint,
		Error:       t.err,
		Transitions: t.gate.History(),
		CreatedAt:   t.createdAt,
		UpdatedAt:   c.clock.Now(),
	}
}
