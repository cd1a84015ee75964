// Package executor applies a validated batch strictly in order. The first
// failing action stops the pass; earlier effects stay on disk.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"patchwork/internal/actions"
	"patchwork/internal/logging"
)

// ErrNoStatementRunner is returned for sql actions when no store is configured.
var ErrNoStatementRunner = errors.New("no statement runner configured")

// Storage applies file-level effects.
type Storage interface {
	WriteFile(path string, content []byte) error
	RenameFile(from, to string) error
	DeleteFile(path string) error
	UpdateManifest(name, version string) error
}

// StatementRunner executes a statement against the auxiliary store.
type StatementRunner interface {
	ExecuteStatement(ctx context.Context, stmt string) error
}

// Status is the per-action result.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// ExecutionFailed identifies the action that stopped a pass.
type ExecutionFailed struct {
	Index int
	Kind  actions.Kind
	Cause error
}

func (e *ExecutionFailed) Error() string {
	return fmt.Sprintf("action %d (%s) failed: %v", e.Index, e.Kind, e.Cause)
}

func (e *ExecutionFailed) Unwrap() error {
	return e.Cause
}

// Result records what happened to one action. It carries no timing, so two
// passes over the same batch and tree yield equal results.
type Result struct {
	Index  int          `json:"index"`
	Kind   actions.Kind `json:"kind"`
	Status Status       `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// Outcome is the full result of one pass.
type Outcome struct {
	Results   []Result
	Failure   *ExecutionFailed
	Cancelled bool
}

// Applied counts the actions that took effect.
func (o Outcome) Applied() int {
	n := 0
	for _, r := range o.Results {
		if r.Status == StatusApplied {
			n++
		}
	}
	return n
}

// Dispatched reports whether any action was attempted.
func (o Outcome) Dispatched() bool {
	for _, r := range o.Results {
		if r.Status == StatusApplied || r.Status == StatusFailed {
			return true
		}
	}
	return false
}

// Err returns the failure, if any, as an error.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Hook observes each finished action. It runs on the executing goroutine.
type Hook func(Result)

// Options configures an Executor.
type Options struct {
	Statements StatementRunner
	Logger     *logging.StructuredLogger
	AfterEach  Hook
}

// Executor runs batches against a Storage.
type Executor struct {
	storage    Storage
	statements StatementRunner
	logger     *logging.StructuredLogger
	afterEach  Hook
}

// New returns an Executor. opts.Statements may be nil.
func New(storage Storage, opts Options) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		storage:    storage,
		statements: opts.Statements,
		logger:     logger.WithComponent("executor"),
		afterEach:  opts.AfterEach,
	}
}

// Run applies list in order. ctx is consulted only between actions: an
// action that has started always completes, and cancellation marks the
// remainder cancelled.
func (e *Executor) Run(ctx context.Context, list []actions.Action) Outcome {
	out := Outcome{Results: make([]Result, len(list))}
	for i, a := range list {
		out.Results[i] = Result{Index: i, Kind: a.Kind()}
	}

	for i, a := range list {
		if out.Failure != nil {
			out.Results[i].Status = StatusSkipped
			continue
		}
		if out.Cancelled || ctx.Err() != nil {
			if !out.Cancelled {
				e.logger.Warn("dispatch cancelled", map[string]interface{}{"remaining": len(list) - i})
			}
			out.Cancelled = true
			out.Results[i].Status = StatusCancelled
			continue
		}

		start := time.Now()
		err := e.apply(context.WithoutCancel(ctx), a)
		elapsed := time.Since(start)
		res := &out.Results[i]
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			out.Failure = &ExecutionFailed{Index: i, Kind: a.Kind(), Cause: err}
			e.logger.Warn("action failed", map[string]interface{}{"index": i, "kind": string(a.Kind()), "error": err.Error(), "elapsed_ms": elapsed.Milliseconds()})
		} else {
			res.Status = StatusApplied
			e.logger.Debug("action applied", map[string]interface{}{"index": i, "action": a.Describe(), "elapsed_ms": elapsed.Milliseconds()})
		}
		if e.afterEach != nil {
			e.afterEach(*res)
		}
	}
	return out
}

func (e *Executor) apply(ctx context.Context, a actions.Action) error {
	switch v := a.(type) {
	case actions.WriteFile:
		return e.storage.WriteFile(v.Path, []byte(v.Content))
	case actions.RenameFile:
		return e.storage.RenameFile(v.From, v.To)
	case actions.DeleteFile:
		return e.storage.DeleteFile(v.Path)
	case actions.AddDependency:
		return e.storage.UpdateManifest(v.Name, v.Version)
	case actions.ExecuteStatement:
		if e.statements == nil {
			return ErrNoStatementRunner
		}
		return e.statements.ExecuteStatement(ctx, v.Statement)
	default:
		return fmt.Errorf("unsupported action %T", a)
	}
}
