// Package mcpserver exposes turn review and checkpoint history as MCP tools
// so an agent host can approve, reject or roll back model turns.
package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/server"

	"patchwork/internal/approval"
	"patchwork/internal/checkpoint"
	"patchwork/internal/turnlog"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Controller is the session surface the tools drive.
type Controller interface {
	Active() (string, bool)
	Approve(ctx context.Context, turnID string) (approval.State, error)
	Reject(ctx context.Context, turnID, reason string) (approval.State, error)
	Cancel(ctx context.Context, turnID string) (approval.State, error)
	Turn(turnID string) (turnlog.Record, error)
	Checkpoints(ctx context.Context) ([]checkpoint.Checkpoint, error)
	Revert(ctx context.Context, id string) (checkpoint.Checkpoint, error)
}

// New creates the MCP server with every tool registered.
func New(ctrl Controller) *server.MCPServer {
	s := server.NewMCPServer(
		"patchwork",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	status := NewTurnStatusTool(ctrl)
	s.AddTool(status.Definition(), status.Handle)

	approve := NewTurnApproveTool(ctrl)
	s.AddTool(approve.Definition(), approve.Handle)

	reject := NewTurnRejectTool(ctrl)
	s.AddTool(reject.Definition(), reject.Handle)

	cancel := NewTurnCancelTool(ctrl)
	s.AddTool(cancel.Definition(), cancel.Handle)

	list := NewCheckpointListTool(ctrl)
	s.AddTool(list.Definition(), list.Handle)

	revert := NewCheckpointRevertTool(ctrl)
	s.AddTool(revert.Definition(), revert.Handle)

	return s
}

const instructions = `patchwork applies file writes, renames, deletions, dependency additions and
SQL statements proposed by a model turn. Each turn waits for approval before
anything touches the project. Use turn_status to review a turn, then
turn_approve or turn_reject. Every executed turn records a checkpoint that
checkpoint_revert can restore.`
