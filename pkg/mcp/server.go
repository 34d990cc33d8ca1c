package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/beam-bots/bb-reactor/internal/engine"
	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/match"
	"github.com/beam-bots/bb-reactor/internal/rig"
	"github.com/beam-bots/bb-reactor/internal/scheduler"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// CommandExecutor runs command steps. Satisfied by the engine's command
// executor.
type CommandExecutor interface {
	Execute(ctx context.Context, ec engine.ExecutionContext, step schema.CommandStep) (schema.CommandResult, error)
	Compensate(ctx context.Context, ec engine.ExecutionContext, step schema.CommandStep, prior schema.CommandResult) error
}

// EventWaiter blocks on bus messages. Satisfied by the engine's event
// waiter.
type EventWaiter interface {
	Wait(ctx context.Context, ec engine.ExecutionContext, step schema.EventWaitStep) (schema.Message, error)
}

// StateWaiter blocks on rig states. Satisfied by the engine's state
// waiter.
type StateWaiter interface {
	Wait(ctx context.Context, ec engine.ExecutionContext, step schema.StateWaitStep) (string, error)
}

// ReactorServerDeps holds the dependencies for creating a ReactorServer.
type ReactorServerDeps struct {
	Commands  CommandExecutor
	Events    EventWaiter
	States    StateWaiter
	Observer  rig.StateObserver
	Journal   journal.Journal
	Scheduler *scheduler.Scheduler
	Matchers  *match.Registry
	Sessions  *SessionRegistry
	Logger    *slog.Logger
}

// ReactorServer wraps an MCP server with reactor-specific tool handlers.
type ReactorServer struct {
	commands  CommandExecutor
	events    EventWaiter
	states    StateWaiter
	observer  rig.StateObserver
	journal   journal.Journal
	scheduler *scheduler.Scheduler
	matchers  *match.Registry
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewReactorServer creates a new ReactorServer with all 7 tools registered.
func NewReactorServer(deps ReactorServerDeps) *ReactorServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &ReactorServer{
		commands:  deps.Commands,
		events:    deps.Events,
		states:    deps.States,
		observer:  deps.Observer,
		journal:   deps.Journal,
		scheduler: deps.Scheduler,
		matchers:  deps.Matchers,
		sessions:  sessions,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"bb-reactor",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("bb-reactor drives a controlled rig through supervised steps. Use reactor.command to dispatch a command and wait for its outcome, reactor.compensate to undo a completed command, reactor.wait_event to block until a matching telemetry message, reactor.wait_state to block until the rig reaches a target state, reactor.state to read the current state, reactor.journal to inspect execution history, and reactor.schedule to manage recurring commands."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ReactorServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *ReactorServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 7 registered MCP tools as ServerTool entries.
func (s *ReactorServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: commandTool(), Handler: s.handleCommand},
		{Tool: compensateTool(), Handler: s.handleCompensate},
		{Tool: waitEventTool(), Handler: s.handleWaitEvent},
		{Tool: waitStateTool(), Handler: s.handleWaitState},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: journalTool(), Handler: s.handleJournal},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func commandTool() mcp.Tool {
	return mcp.NewTool("reactor.command",
		mcp.WithDescription("Dispatch a command on the rig and wait for its outcome"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Handle of the rig to command")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command token resolved by the rig")),
		mcp.WithObject("goal", mcp.Description("Arguments handed to the command")),
		mcp.WithNumber("timeout_ms", mcp.Description("Wait budget in milliseconds; 0 or absent waits forever")),
		mcp.WithString("name", mcp.Description("Step name for the journal (default: the command)")),
		mcp.WithString("compensate", mcp.Description("Command that undoes this step on rollback")),
	)
}

func compensateTool() mcp.Tool {
	return mcp.NewTool("reactor.compensate",
		mcp.WithDescription("Run the compensating command for a previously completed step"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Handle of the rig to command")),
		mcp.WithString("command", mcp.Required(), mcp.Description("The original command being undone")),
		mcp.WithString("compensate", mcp.Required(), mcp.Description("Command that performs the undo")),
		mcp.WithObject("prior", mcp.Description("Result of the original command, as returned by reactor.command")),
		mcp.WithString("name", mcp.Description("Step name for the journal (default: the command)")),
	)
}

func waitEventTool() mcp.Tool {
	return mcp.NewTool("reactor.wait_event",
		mcp.WithDescription("Block until a matching telemetry message arrives or the budget expires"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Handle of the rig to observe")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Bus topic to subscribe to")),
		mcp.WithArray("kinds", mcp.Description("Allow-list of payload kinds; empty admits every kind")),
		mcp.WithString("engine", mcp.Description("Predicate engine: cel, expr, jq, or schema (default: cel)"),
			mcp.Enum("cel", "expr", "jq", "schema"),
		),
		mcp.WithString("predicate", mcp.Description("Predicate expression over path, kind, and payload; absent accepts the first delivery")),
		mcp.WithNumber("timeout_ms", mcp.Description("Wait budget in milliseconds; 0 or absent waits forever")),
		mcp.WithString("name", mcp.Description("Step name for the journal")),
	)
}

func waitStateTool() mcp.Tool {
	return mcp.NewTool("reactor.wait_state",
		mcp.WithDescription("Block until the rig reaches one of the target states or the budget expires"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Handle of the rig to observe")),
		mcp.WithArray("states", mcp.Required(), mcp.Description("Acceptable states; the first one reached wins")),
		mcp.WithNumber("timeout_ms", mcp.Description("Wait budget in milliseconds; 0 or absent waits forever")),
		mcp.WithString("name", mcp.Description("Step name for the journal")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("reactor.state",
		mcp.WithDescription("Read the rig's current state without waiting"),
		mcp.WithString("target", mcp.Required(), mcp.Description("Handle of the rig to read")),
	)
}

func journalTool() mcp.Tool {
	return mcp.NewTool("reactor.journal",
		mcp.WithDescription("Inspect recorded executions: journal entries or step records"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("entries", "steps"),
			mcp.Description("Type of record to list"),
		),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution to inspect")),
		mcp.WithNumber("since", mcp.Description("Return entries with sequence greater than this (entries only)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("reactor.schedule",
		mcp.WithDescription("Manage recurring commands driven by cron expressions"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "list", "enable", "disable", "delete"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("id", mcp.Description("Schedule ID (enable, disable, delete)")),
		mcp.WithString("name", mcp.Description("Schedule name (create)")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression (create)")),
		mcp.WithString("target", mcp.Description("Rig handle the command runs against (create) or list filter")),
		mcp.WithString("command", mcp.Description("Command to dispatch on each run (create)")),
		mcp.WithObject("goal", mcp.Description("Arguments handed to the command (create)")),
		mcp.WithNumber("timeout_ms", mcp.Description("Per-run wait budget in milliseconds (create)")),
	)
}
