package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"patchwork/internal/actions"
	"patchwork/internal/approval"
	"patchwork/internal/checkpoint"
	"patchwork/internal/session"
	"patchwork/internal/turnlog"
)

// resolveTurn falls back to the active turn when turn_id is omitted.
func resolveTurn(ctrl Controller, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	if id := strings.TrimSpace(req.GetString("turn_id", "")); id != "" {
		return id, nil
	}
	id, ok := ctrl.Active()
	if !ok {
		return "", mcp.NewToolResultError("No active turn. Pass `turn_id` to inspect a finished one.")
	}
	return id, nil
}

// toolError turns expected domain failures into tool-level errors; anything
// else is a protocol error.
func toolError(err error) (*mcp.CallToolResult, error) {
	switch {
	case errors.Is(err, session.ErrUnknownTurn),
		errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrLockLost),
		errors.Is(err, approval.ErrInvalidTransition),
		errors.Is(err, checkpoint.ErrCheckpointNotFound):
		return mcp.NewToolResultError(err.Error()), nil
	}
	return nil, err
}

func stateResult(turnID string, state approval.State) *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("Turn `%s` is now **%s**.", turnID, state))
}

// TurnStatusTool handles turn_status.
type TurnStatusTool struct {
	ctrl Controller
}

// NewTurnStatusTool creates a TurnStatusTool.
func NewTurnStatusTool(ctrl Controller) *TurnStatusTool {
	return &TurnStatusTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *TurnStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("turn_status",
		mcp.WithDescription(
			"Show a turn's state, the model's text, the proposed actions, rejected "+
				"directives and per-action results. Defaults to the active turn.",
		),
		mcp.WithString("turn_id",
			mcp.Description("Turn to inspect. If omitted, shows the active turn."),
		),
	)
}

// Handle processes the turn_status tool call.
func (t *TurnStatusTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := resolveTurn(t.ctrl, req)
	if errResult != nil {
		return errResult, nil
	}
	rec, err := t.ctrl.Turn(id)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(RenderRecord(rec)), nil
}

// RenderRecord formats a turn record as markdown.
func RenderRecord(rec turnlog.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Turn %d\n\n", rec.Seq)
	fmt.Fprintf(&b, "- **ID**: `%s`\n", rec.TurnID)
	fmt.Fprintf(&b, "- **State**: %s\n", rec.State)
	if rec.Checkpoint != "" {
		fmt.Fprintf(&b, "- **Checkpoint**: `%s`\n", shortID(rec.Checkpoint))
	}
	if rec.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", rec.Error)
	}

	if text := strings.TrimSpace(rec.Text()); text != "" {
		b.WriteString("\n## Response\n\n")
		b.WriteString(text)
		b.WriteString("\n")
	}

	if len(rec.Actions) > 0 {
		b.WriteString("\n## Actions\n\n| # | Action | Result |\n|---|--------|--------|\n")
		for i, entry := range rec.Actions {
			desc := string(entry.Kind)
			if a, err := actions.FromEntry(entry); err == nil {
				desc = a.Describe()
			}
			result := "pending"
			if i < len(rec.Results) {
				result = string(rec.Results[i].Status)
				if rec.Results[i].Error != "" {
					result += ": " + rec.Results[i].Error
				}
			}
			fmt.Fprintf(&b, "| %d | %s | %s |\n", i+1, escapeCell(desc), escapeCell(result))
		}
	}

	if len(rec.Warnings) > 0 {
		b.WriteString("\n## Rejected directives\n\n")
		for _, w := range rec.Warnings {
			fmt.Fprintf(&b, "- `<%s>` %s: %s\n", w.Tag, w.Reason, w.Detail)
		}
	}
	return b.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// TurnApproveTool handles turn_approve.
type TurnApproveTool struct {
	ctrl Controller
}

// NewTurnApproveTool creates a TurnApproveTool.
func NewTurnApproveTool(ctrl Controller) *TurnApproveTool {
	return &TurnApproveTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *TurnApproveTool) Definition() mcp.Tool {
	return mcp.NewTool("turn_approve",
		mcp.WithDescription("Approve a pending turn. Its actions run in order and a checkpoint is recorded."),
		mcp.WithString("turn_id",
			mcp.Description("Turn to approve. If omitted, approves the active turn."),
		),
	)
}

// Handle processes the turn_approve tool call.
func (t *TurnApproveTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := resolveTurn(t.ctrl, req)
	if errResult != nil {
		return errResult, nil
	}
	state, err := t.ctrl.Approve(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return stateResult(id, state), nil
}

// TurnRejectTool handles turn_reject.
type TurnRejectTool struct {
	ctrl Controller
}

// NewTurnRejectTool creates a TurnRejectTool.
func NewTurnRejectTool(ctrl Controller) *TurnRejectTool {
	return &TurnRejectTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *TurnRejectTool) Definition() mcp.Tool {
	return mcp.NewTool("turn_reject",
		mcp.WithDescription("Reject a pending turn. Nothing is executed and no checkpoint is recorded."),
		mcp.WithString("turn_id",
			mcp.Description("Turn to reject. If omitted, rejects the active turn."),
		),
		mcp.WithString("reason",
			mcp.Description("Why the turn was rejected. Stored in the turn record."),
		),
	)
}

// Handle processes the turn_reject tool call.
func (t *TurnRejectTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := resolveTurn(t.ctrl, req)
	if errResult != nil {
		return errResult, nil
	}
	state, err := t.ctrl.Reject(ctx, id, req.GetString("reason", ""))
	if err != nil {
		return toolError(err)
	}
	return stateResult(id, state), nil
}

// TurnCancelTool handles turn_cancel.
type TurnCancelTool struct {
	ctrl Controller
}

// NewTurnCancelTool creates a TurnCancelTool.
func NewTurnCancelTool(ctrl Controller) *TurnCancelTool {
	return &TurnCancelTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *TurnCancelTool) Definition() mcp.Tool {
	return mcp.NewTool("turn_cancel",
		mcp.WithDescription(
			"Cancel a streaming, pending or running turn. A running batch stops "+
				"before its next action.",
		),
		mcp.WithString("turn_id",
			mcp.Description("Turn to cancel. If omitted, cancels the active turn."),
		),
	)
}

// Handle processes the turn_cancel tool call.
func (t *TurnCancelTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := resolveTurn(t.ctrl, req)
	if errResult != nil {
		return errResult, nil
	}
	state, err := t.ctrl.Cancel(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return stateResult(id, state), nil
}

// CheckpointListTool handles checkpoint_list.
type CheckpointListTool struct {
	ctrl Controller
}

// NewCheckpointListTool creates a CheckpointListTool.
func NewCheckpointListTool(ctrl Controller) *CheckpointListTool {
	return &CheckpointListTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *CheckpointListTool) Definition() mcp.Tool {
	return mcp.NewTool("checkpoint_list",
		mcp.WithDescription("List recorded checkpoints, newest first."),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of checkpoints to show (default 20)."),
		),
	)
}

// Handle processes the checkpoint_list tool call.
func (t *CheckpointListTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := t.ctrl.Checkpoints(ctx)
	if err != nil {
		return toolError(err)
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No checkpoints recorded yet."), nil
	}
	limit := req.GetInt("limit", 20)
	if limit <= 0 {
		limit = 20
	}

	var b strings.Builder
	b.WriteString("| Seq | ID | Created | Files | Message |\n|-----|----|---------|-------|---------|\n")
	for i := len(list) - 1; i >= 0 && len(list)-i <= limit; i-- {
		cp := list[i]
		fmt.Fprintf(&b, "| %d | `%s` | %s | %d | %s |\n",
			cp.Seq, cp.Short(), cp.CreatedAt.UTC().Format("2006-01-02 15:04:05"), cp.Files, escapeCell(cp.Message))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// CheckpointRevertTool handles checkpoint_revert.
type CheckpointRevertTool struct {
	ctrl Controller
}

// NewCheckpointRevertTool creates a CheckpointRevertTool.
func NewCheckpointRevertTool(ctrl Controller) *CheckpointRevertTool {
	return &CheckpointRevertTool{ctrl: ctrl}
}

// Definition returns the MCP tool definition for registration.
func (t *CheckpointRevertTool) Definition() mcp.Tool {
	return mcp.NewTool("checkpoint_revert",
		mcp.WithDescription(
			"Reset the project to a checkpoint. Newer checkpoints are kept so the "+
				"revert can itself be undone.",
		),
		mcp.WithString("checkpoint_id",
			mcp.Required(),
			mcp.Description("Checkpoint id or a unique prefix of at least 4 characters."),
		),
	)
}

// Handle processes the checkpoint_revert tool call.
func (t *CheckpointRevertTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cp, err := t.ctrl.Revert(ctx, id)
	if err != nil {
		return toolError(err)
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reverted to checkpoint `%s` (seq %d, %d files).", cp.Short(), cp.Seq, cp.Files)), nil
}
