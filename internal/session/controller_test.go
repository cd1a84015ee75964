package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"patchwork/internal/actions"
	"patchwork/internal/approval"
	"patchwork/internal/checkpoint"
	"patchwork/internal/executor"
	"patchwork/internal/metrics"
	"patchwork/internal/turnlog"
	"patchwork/internal/workspace"
)

type harness struct {
	ctrl        *Controller
	root        string
	turnsDir    string
	checkpoints *checkpoint.Manager
	metrics     *metrics.Metrics
	opts        Options
}

// hookedStorage lets a test act between two executor steps.
type hookedStorage struct {
	*workspace.Workspace
	afterWrite func(path string)
}

func (h *hookedStorage) WriteFile(path string, content []byte) error {
	if err := h.Workspace.WriteFile(path, content); err != nil {
		return err
	}
	if h.afterWrite != nil {
		h.afterWrite(path)
	}
	return nil
}

func newHarness(t *testing.T, configure func(*Options, *hookedStorage)) *harness {
	t.Helper()
	root := t.TempDir()
	data := t.TempDir()

	guard, err := workspace.NewGuard(root, ".git")
	require.NoError(t, err)
	storage := &hookedStorage{Workspace: workspace.New(guard, workspace.Options{})}

	cps, err := checkpoint.Open(checkpoint.Options{Root: root, DataDir: filepath.Join(data, "checkpoints")})
	require.NoError(t, err)
	t.Cleanup(func() { cps.Close() })

	turnsDir := filepath.Join(data, "turns")
	turns, err := turnlog.NewManager(turnsDir, nil)
	require.NoError(t, err)

	m := metrics.New()
	opts := Options{
		Project:     "demo",
		Validator:   actions.NewValidator(guard),
		Runner:      executor.New(storage, executor.Options{}),
		Checkpoints: cps,
		Turns:       turns,
		Metrics:     m,
	}
	if configure != nil {
		configure(&opts, storage)
	}
	ctrl, err := New(opts)
	require.NoError(t, err)
	return &harness{ctrl: ctrl, root: root, turnsDir: turnsDir, checkpoints: cps, metrics: m, opts: opts}
}

func (h *harness) stream(t *testing.T, chunks ...string) string {
	t.Helper()
	id, state, err := h.ctrl.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, approval.StateStreaming, state)
	for _, chunk := range chunks {
		state, err := h.ctrl.Ingest(id, chunk)
		require.NoError(t, err)
		require.Equal(t, approval.StateStreaming, state)
	}
	return id
}

func (h *harness) read(t *testing.T, rel string) (string, bool) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.root, filepath.FromSlash(rel)))
	if errors.Is(err, os.ErrNotExist) {
		return "", false
	}
	require.NoError(t, err)
	return string(data), true
}

func (h *harness) checkpointCount(t *testing.T) int {
	t.Helper()
	list, err := h.ctrl.Checkpoints(context.Background())
	require.NoError(t, err)
	return len(list)
}

func TestValidWriteAndPathEscapeYieldsApplied(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id := h.stream(t, `Here you go: <write path="a.txt">hi</write>`, `<write path="../evil.txt">x</write>`)
	state, err := h.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.StatePendingApproval, state)

	rec, err := h.ctrl.Turn(id)
	require.NoError(t, err)
	require.Len(t, rec.Actions, 1)
	assert.Equal(t, "a.txt", rec.Actions[0].Path)
	require.Len(t, rec.Warnings, 1)
	assert.Equal(t, actions.ReasonPathEscape, rec.Warnings[0].Reason)

	state, err = h.ctrl.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApplied, state)

	content, ok := h.read(t, "a.txt")
	assert.True(t, ok)
	assert.Equal(t, "hi", content)
	_, err = os.Stat(filepath.Join(filepath.Dir(h.root), "evil.txt"))
	assert.True(t, os.IsNotExist(err))

	rec, err = h.ctrl.Turn(id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApplied, rec.State)
	assert.NotEmpty(t, rec.Checkpoint)
	assert.Equal(t, 1, h.checkpointCount(t))

	_, active := h.ctrl.Active()
	assert.False(t, active)
}

func TestChunkingIndependence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	text := `Sure! <write path="a.txt">hi</write><add name="left-pad" version="1.0.0"/>`

	var want turnlog.Record
	for split := 0; split <= len(text); split++ {
		id := h.stream(t, text[:split], text[split:])
		state, err := h.ctrl.Finish(ctx, id, nil)
		require.NoError(t, err)
		require.Equal(t, approval.StatePendingApproval, state)

		rec, err := h.ctrl.Turn(id)
		require.NoError(t, err)
		_, err = h.ctrl.Reject(ctx, id, "review only")
		require.NoError(t, err)

		if split == 0 {
			want = rec
			require.Len(t, rec.Transcript, 3)
			assert.Equal(t, "Sure! ", rec.Transcript[0].Text)
			require.Len(t, rec.Actions, 2)
			assert.Equal(t, actions.KindWriteFile, rec.Actions[0].Kind)
			assert.Equal(t, actions.KindAddDependency, rec.Actions[1].Kind)
			continue
		}
		assert.Equal(t, want.Actions, rec.Actions, "split at %d", split)
		assert.Equal(t, want.Transcript, rec.Transcript, "split at %d", split)
	}
	assert.Zero(t, h.checkpointCount(t))
}

func TestSecondStartIsBusy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id := h.stream(t, "text")
	_, _, err := h.ctrl.Start(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = h.ctrl.Revert(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrBusy)

	state, err := h.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.StateApplied, state, "a text-only turn is a no-op")

	_, _, err = h.ctrl.Start(ctx)
	assert.NoError(t, err)
}

func TestSharedLockerAcrossControllers(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, "patchwork:")
	a := newHarness(t, func(o *Options, _ *hookedStorage) { o.Locker = locker })
	b := newHarness(t, func(o *Options, _ *hookedStorage) { o.Locker = locker })
	ctx := context.Background()

	id := a.stream(t, "hello")
	_, _, err = b.ctrl.Start(ctx)
	assert.ErrorIs(t, err, ErrBusy)

	_, err = a.ctrl.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, mr.Exists("patchwork:lock:demo"))

	_, _, err = b.ctrl.Start(ctx)
	assert.NoError(t, err)
}

func TestExpiredLeaseBlocksDispatch(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, "patchwork:")
	shortLease := func(o *Options, _ *hookedStorage) {
		o.Locker = locker
		o.LockTTL = time.Second
	}
	a := newHarness(t, shortLease)
	b := newHarness(t, shortLease)
	ctx := context.Background()

	id := a.stream(t, `<write path="a.txt">from a</write>`)
	state, err := a.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)
	require.Equal(t, approval.StatePendingApproval, state)

	mr.FastForward(2 * time.Second)
	_, _, err = b.ctrl.Start(ctx)
	require.NoError(t, err)

	state, err = a.ctrl.Approve(ctx, id)
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, approval.StateRejected, state)

	_, written := a.read(t, "a.txt")
	assert.False(t, written)
	assert.Equal(t, 0, a.checkpointCount(t))
	assert.True(t, mr.Exists("patchwork:lock:demo"), "the new holder keeps its lock")

	rec, err := a.ctrl.Turn(id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, rec.State)
	assert.Contains(t, rec.Error, "project lock lost")
	assert.Empty(t, rec.Results)
}

func TestExpiredLeaseStopsIngest(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t, func(o *Options, _ *hookedStorage) {
		o.Locker = NewRedisLocker(client, "patchwork:")
		o.LockTTL = time.Second
	})
	ctx := context.Background()

	id := h.stream(t, "<write path=\"a.txt\">")
	mr.FastForward(2 * time.Second)

	state, err := h.ctrl.Ingest(id, "late</write>")
	assert.ErrorIs(t, err, ErrLockLost)
	assert.Equal(t, approval.StateRejected, state)

	_, err = h.ctrl.Finish(ctx, id, nil)
	assert.ErrorIs(t, err, ErrTurnNotStreaming)

	// The project is free again for this controller.
	_, _, err = h.ctrl.Start(ctx)
	assert.NoError(t, err)
}

func TestCancelAfterTwoOfThree(t *testing.T) {
	var h *harness
	var turnID string
	h = newHarness(t, func(o *Options, s *hookedStorage) {
		o.AutoApprove = true
		s.afterWrite = func(path string) {
			if path == "two.txt" {
				state, err := h.ctrl.Cancel(context.Background(), turnID)
				assert.NoError(t, err)
				assert.Equal(t, approval.StateApproved, state)
			}
		}
	})
	ctx := context.Background()

	turnID = h.stream(t,
		`<write path="one.txt">1</write>`,
		`<write path="two.txt">2</write>`,
		`<write path="three.txt">3</write>`,
	)
	state, err := h.ctrl.Finish(ctx, turnID, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, state)

	for _, name := range []string{"one.txt", "two.txt"} {
		_, ok := h.read(t, name)
		assert.True(t, ok, name)
	}
	_, ok := h.read(t, "three.txt")
	assert.False(t, ok)

	assert.Equal(t, 1, h.checkpointCount(t))
	rec, err := h.ctrl.Turn(turnID)
	require.NoError(t, err)
	require.Len(t, rec.Results, 3)
	assert.Equal(t, executor.StatusApplied, rec.Results[1].Status)
	assert.Equal(t, executor.StatusCancelled, rec.Results[2].Status)
	assert.NotEmpty(t, rec.Checkpoint)

	files, err := h.checkpoints.Files(ctx, rec.Checkpoint)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestCancelWhileStreamingDiscardsBatch(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id := h.stream(t, `<write path="a.txt">partial`)
	state, err := h.ctrl.Cancel(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, state)

	_, err = h.ctrl.Ingest(id, "</write>")
	assert.ErrorIs(t, err, ErrTurnNotStreaming)
	_, err = h.ctrl.Finish(ctx, id, nil)
	assert.ErrorIs(t, err, ErrTurnNotStreaming)
	_, err = h.ctrl.Approve(ctx, id)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)

	_, ok := h.read(t, "a.txt")
	assert.False(t, ok)
	assert.Zero(t, h.checkpointCount(t))
}

func TestStreamErrorRejects(t *testing.T) {
	h := newHarness(t, nil)
	id := h.stream(t, `<write path="a.txt">hi</write>`)

	state, err := h.ctrl.Finish(context.Background(), id, errors.New("connection reset"))
	require.NoError(t, err)
	assert.Equal(t, approval.StateRejected, state)

	rec, err := h.ctrl.Turn(id)
	require.NoError(t, err)
	assert.Equal(t, "connection reset", rec.Error)
	assert.Empty(t, rec.Actions)
	_, ok := h.read(t, "a.txt")
	assert.False(t, ok)
}

func TestExecutionFailureStillCheckpoints(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *hookedStorage) { o.AutoApprove = true })
	id := h.stream(t, `<write path="a.txt">a</write><sql>CREATE TABLE t (id INTEGER)</sql><write path="b.txt">b</write>`)

	state, err := h.ctrl.Finish(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, approval.StateFailed, state)

	_, ok := h.read(t, "a.txt")
	assert.True(t, ok)
	_, ok = h.read(t, "b.txt")
	assert.False(t, ok)

	rec, err := h.ctrl.Turn(id)
	require.NoError(t, err)
	assert.Contains(t, rec.Error, executor.ErrNoStatementRunner.Error())
	assert.Equal(t, executor.StatusSkipped, rec.Results[2].Status)
	assert.Equal(t, 1, h.checkpointCount(t))
}

func TestUnknownAndResolvedTurns(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.ctrl.Ingest("nope", "x")
	assert.ErrorIs(t, err, ErrUnknownTurn)
	_, err = h.ctrl.Turn("nope")
	assert.ErrorIs(t, err, ErrUnknownTurn)

	id := h.stream(t, `<write path="a.txt">a</write>`)
	_, err = h.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)
	_, err = h.ctrl.Reject(ctx, id, "")
	require.NoError(t, err)

	state, err := h.ctrl.Approve(ctx, id)
	assert.ErrorIs(t, err, approval.ErrInvalidTransition)
	assert.Equal(t, approval.StateRejected, state)
}

func TestSeqContinuesAfterRestart(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *hookedStorage) { o.AutoApprove = true })
	ctx := context.Background()

	first := h.stream(t, `<write path="a.txt">a</write>`)
	_, err := h.ctrl.Finish(ctx, first, nil)
	require.NoError(t, err)

	turns, err := turnlog.NewManager(h.turnsDir, nil)
	require.NoError(t, err)
	opts := h.opts
	opts.Turns = turns
	restarted, err := New(opts)
	require.NoError(t, err)

	rec, err := restarted.Turn(first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Seq)
	assert.Equal(t, approval.StateApplied, rec.State)

	second, _, err := restarted.Start(ctx)
	require.NoError(t, err)
	rec, err = restarted.Turn(second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
}

func TestRevertRestoresEarlierTurn(t *testing.T) {
	h := newHarness(t, func(o *Options, _ *hookedStorage) { o.AutoApprove = true })
	ctx := context.Background()

	id := h.stream(t, `<write path="a.txt">v1</write>`)
	_, err := h.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)
	first, err := h.ctrl.Turn(id)
	require.NoError(t, err)

	id = h.stream(t, `<write path="a.txt">v2</write><write path="b.txt">b</write>`)
	_, err = h.ctrl.Finish(ctx, id, nil)
	require.NoError(t, err)

	cp, err := h.ctrl.Revert(ctx, first.Checkpoint[:12])
	require.NoError(t, err)
	assert.Equal(t, first.Checkpoint, cp.ID)

	content, _ := h.read(t, "a.txt")
	assert.Equal(t, "v1", content)
	_, ok := h.read(t, "b.txt")
	assert.False(t, ok)
	assert.Equal(t, 2, h.checkpointCount(t))

	_, err = h.ctrl.Revert(ctx, "ffffffffffff")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)
}
