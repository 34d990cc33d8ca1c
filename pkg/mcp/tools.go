package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/beam-bots/bb-reactor/internal/engine"
	"github.com/beam-bots/bb-reactor/internal/journal"
	"github.com/beam-bots/bb-reactor/internal/match"
	"github.com/beam-bots/bb-reactor/pkg/schema"
)

// handleCommand dispatches a command step and waits for its outcome.
func (s *ReactorServer) handleCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}

	s.captureSession(ctx, target)

	ec, ecErr := engine.NewExecutionContext(ctx, s.observer, schema.RigHandle(target))
	if ecErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context setup failed: %v", ecErr)), nil
	}

	step := schema.CommandStep{
		Name:       req.GetString("name", command),
		Command:    command,
		Goal:       mcp.ParseStringMap(req, "goal", nil),
		Timeout:    durationMs(req, "timeout_ms"),
		Compensate: req.GetString("compensate", ""),
	}

	result, execErr := s.commands.Execute(ctx, ec, step)
	if execErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("command failed: %v", execErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": ec.ExecutionID,
		"result":       result,
	})
}

// handleCompensate undoes a previously completed command step.
func (s *ReactorServer) handleCompensate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required"), nil
	}
	compensate, err := req.RequireString("compensate")
	if err != nil {
		return mcp.NewToolResultError("compensate is required"), nil
	}

	s.captureSession(ctx, target)

	ec, ecErr := engine.NewExecutionContext(ctx, s.observer, schema.RigHandle(target))
	if ecErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context setup failed: %v", ecErr)), nil
	}

	step := schema.CommandStep{
		Name:       req.GetString("name", command),
		Command:    command,
		Compensate: compensate,
	}

	prior := schema.CommandResult{
		Command: command,
		Target:  schema.RigHandle(target),
	}
	if raw := mcp.ParseStringMap(req, "prior", nil); raw != nil {
		if data, marshalErr := json.Marshal(raw); marshalErr == nil {
			_ = json.Unmarshal(data, &prior)
		}
		if prior.Command == "" {
			prior.Command = command
		}
		if prior.Target == "" {
			prior.Target = schema.RigHandle(target)
		}
	}

	if compErr := s.commands.Compensate(ctx, ec, step, prior); compErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("compensation failed: %v", compErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": ec.ExecutionID,
		"compensated":  command,
	})
}

// handleWaitEvent blocks until a matching bus message arrives.
func (s *ReactorServer) handleWaitEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("path is required"), nil
	}

	s.captureSession(ctx, target)

	ec, ecErr := engine.NewExecutionContext(ctx, s.observer, schema.RigHandle(target))
	if ecErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context setup failed: %v", ecErr)), nil
	}

	step := schema.EventWaitStep{
		Name:    req.GetString("name", ""),
		Path:    path,
		Kinds:   req.GetStringSlice("kinds", nil),
		Timeout: durationMs(req, "timeout_ms"),
	}

	if predicate := req.GetString("predicate", ""); predicate != "" {
		engineName := req.GetString("engine", "cel")
		eng, getErr := s.matchers.Get(engineName)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("predicate setup failed: %v", getErr)), nil
		}
		step.Predicate = match.Predicate(eng, predicate, s.logger)
	}

	msg, waitErr := s.events.Wait(ctx, ec, step)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event wait failed: %v", waitErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": ec.ExecutionID,
		"message":      msg,
	})
}

// handleWaitState blocks until the rig reaches one of the target states.
func (s *ReactorServer) handleWaitState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}
	states, err := req.RequireStringSlice("states")
	if err != nil {
		return mcp.NewToolResultError("states is required"), nil
	}

	s.captureSession(ctx, target)

	ec, ecErr := engine.NewExecutionContext(ctx, s.observer, schema.RigHandle(target))
	if ecErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context setup failed: %v", ecErr)), nil
	}

	step := schema.StateWaitStep{
		Name:         req.GetString("name", ""),
		TargetStates: states,
		Timeout:      durationMs(req, "timeout_ms"),
	}

	reached, waitErr := s.states.Wait(ctx, ec, step)
	if waitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state wait failed: %v", waitErr)), nil
	}

	return marshalResult(map[string]any{
		"execution_id": ec.ExecutionID,
		"state":        reached,
	})
}

// handleState reads the current state without waiting.
func (s *ReactorServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required"), nil
	}

	state, stateErr := s.observer.CurrentState(ctx, schema.RigHandle(target))
	if stateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state read failed: %v", stateErr)), nil
	}

	return marshalResult(map[string]any{
		"target": target,
		"state":  state,
	})
}

// handleJournal lists journal entries or step records for an execution.
func (s *ReactorServer) handleJournal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	switch resource {
	case "entries":
		since := int64(req.GetInt("since", 0))
		entries, listErr := s.journal.ListEntries(ctx, executionID, since)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("journal query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"entries": entries})
	case "steps":
		steps, listErr := s.journal.ListSteps(ctx, executionID)
		if listErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("journal query failed: %v", listErr)), nil
		}
		return marshalResult(map[string]any{"steps": steps})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSchedule manages recurring commands.
func (s *ReactorServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		return s.createSchedule(ctx, req)
	case "list":
		return s.listSchedules(ctx, req)
	case "enable":
		return s.setScheduleEnabled(ctx, req, true)
	case "disable":
		return s.setScheduleEnabled(ctx, req, false)
	case "delete":
		return s.deleteSchedule(ctx, req)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// --- Schedule helpers ---

func (s *ReactorServer) createSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required for create"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required for create"), nil
	}
	target, err := req.RequireString("target")
	if err != nil {
		return mcp.NewToolResultError("target is required for create"), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError("command is required for create"), nil
	}

	now := time.Now().UTC()
	next, cronErr := s.scheduler.CalculateNextRun(cronExpr, now)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	sched := &journal.Schedule{
		ID:             uuid.New().String(),
		Name:           name,
		CronExpression: cronExpr,
		Target:         target,
		Command:        command,
		Goal:           mcp.ParseStringMap(req, "goal", nil),
		Timeout:        durationMs(req, "timeout_ms"),
		Enabled:        true,
		NextRunAt:      &next,
		CreatedAt:      now,
	}

	if saveErr := s.journal.SaveSchedule(ctx, sched); saveErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save schedule: %v", saveErr)), nil
	}

	return marshalResult(map[string]any{
		"id":          sched.ID,
		"next_run_at": next,
	})
}

func (s *ReactorServer) listSchedules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := journal.ScheduleFilter{
		Target: req.GetString("target", ""),
	}
	schedules, listErr := s.journal.ListSchedules(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list schedules: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

func (s *ReactorServer) setScheduleEnabled(ctx context.Context, req mcp.CallToolRequest, enabled bool) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	if updateErr := s.journal.UpdateSchedule(ctx, id, journal.ScheduleUpdate{Enabled: &enabled}); updateErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update schedule: %v", updateErr)), nil
	}
	return marshalResult(map[string]any{"id": id, "enabled": enabled})
}

func (s *ReactorServer) deleteSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError("id is required"), nil
	}
	if delErr := s.journal.DeleteSchedule(ctx, id); delErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete schedule: %v", delErr)), nil
	}
	return marshalResult(map[string]any{"id": id, "deleted": true})
}

// --- Internal helpers ---

// durationMs reads a millisecond budget argument; absent or non-positive
// means no limit.
func durationMs(req mcp.CallToolRequest, key string) time.Duration {
	ms := req.GetFloat(key, 0)
	if ms <= 0 {
		return schema.NoTimeout
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// captureSession maps the target to the calling MCP session so safety
// alerts can be pushed back to whoever is driving it.
func (s *ReactorServer) captureSession(ctx context.Context, target string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(target, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
