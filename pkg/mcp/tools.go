package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/avsafe/caseflow/pkg/schema"
)

// handleTrack registers an entity document and starts its workflow at the
// configured initial state. Re-tracking an already-tracked entity updates
// the document but fails on the execution, which is reported as-is.
func (s *CaseflowServer) handleTrack(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType, err := req.RequireString("entity_type")
	if err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}

	if doc := mcp.ParseStringMap(req, "document", nil); doc != nil {
		raw, marshalErr := json.Marshal(doc)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid document: %v", marshalErr)), nil
		}
		if putErr := s.store.PutDocument(ctx, entityType, entityID, raw); putErr != nil {
			return toolError("store document failed", putErr), nil
		}
	}

	if trackErr := s.engine.Track(ctx, schema.EntityType(entityType), entityID); trackErr != nil {
		return toolError("track failed", trackErr), nil
	}

	exec, getErr := s.engine.GetExecution(ctx, schema.EntityType(entityType), entityID)
	if getErr != nil {
		return toolError("track succeeded but readback failed", getErr), nil
	}
	return marshalResult(map[string]any{
		"ok":            true,
		"entity_type":   entityType,
		"entity_id":     entityID,
		"current_state": exec.CurrentState,
	})
}

// handleTransitions lists the candidate transitions from the entity's
// current state.
func (s *CaseflowServer) handleTransitions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType, err := req.RequireString("entity_type")
	if err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}
	actor, actorErr := parseActor(req)
	if actorErr != nil {
		return mcp.NewToolResultError(actorErr.Error()), nil
	}

	options, listErr := s.engine.GetAvailableTransitions(ctx, schema.EntityType(entityType), entityID, actor)
	if listErr != nil {
		return toolError("list transitions failed", listErr), nil
	}
	if options == nil {
		options = []schema.TransitionOption{}
	}
	return marshalResult(map[string]any{"transitions": options})
}

// handleExecute takes a transition. Validation errors come back as tool
// errors carrying the engine's error code so agents can branch on them.
func (s *CaseflowServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType, err := req.RequireString("entity_type")
	if err != nil {
		return mcp.NewToolResultError("entity_type is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}
	targetState, err := req.RequireString("target_state")
	if err != nil {
		return mcp.NewToolResultError("target_state is required"), nil
	}
	actor, actorErr := parseActor(req)
	if actorErr != nil {
		return mcp.NewToolResultError(actorErr.Error()), nil
	}
	comment := req.GetString("comment", "")

	newState, execErr := s.engine.ExecuteTransition(ctx, schema.EntityType(entityType), entityID, targetState, actor, comment)
	if execErr != nil {
		return toolError("transition failed", execErr), nil
	}

	return marshalResult(map[string]any{
		"ok":            true,
		"entity_type":   entityType,
		"entity_id":     entityID,
		"current_state": newState,
	})
}

// handleSLA dispatches the SLA clock operations.
func (s *CaseflowServer) handleSLA(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "status":
		entityType := req.GetString("entity_type", "")
		entityID := req.GetString("entity_id", "")
		if entityType == "" || entityID == "" {
			return mcp.NewToolResultError("status requires entity_type and entity_id"), nil
		}
		info, slaErr := s.sla.GetCurrentSLA(ctx, schema.EntityType(entityType), entityID)
		if slaErr != nil {
			return toolError("SLA lookup failed", slaErr), nil
		}
		if info == nil {
			return marshalResult(map[string]any{"sla": nil, "message": "current state carries no SLA"})
		}
		return marshalResult(map[string]any{"sla": info})

	case "pause", "resume", "extend":
		trackerID := req.GetString("tracker_id", "")
		if trackerID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s requires tracker_id", action)), nil
		}
		var opErr error
		switch action {
		case "pause":
			opErr = s.sla.Pause(ctx, trackerID)
		case "resume":
			opErr = s.sla.Resume(ctx, trackerID)
		case "extend":
			days := int(req.GetFloat("additional_days", 0))
			opErr = s.sla.Extend(ctx, trackerID, days)
		}
		if opErr != nil {
			return toolError(fmt.Sprintf("%s failed", action), opErr), nil
		}
		return marshalResult(map[string]any{"ok": true, "action": action, "tracker_id": trackerID})

	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleStats returns portfolio-level SLA statistics.
func (s *CaseflowServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityType := req.GetString("entity_type", "")

	stats, err := s.sla.GetStats(ctx, schema.EntityType(entityType))
	if err != nil {
		return toolError("stats query failed", err), nil
	}
	return marshalResult(map[string]any{"stats": stats})
}

// handleApproaching lists running trackers inside the warning window.
func (s *CaseflowServer) handleApproaching(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	warningDays := int(req.GetFloat("warning_days", 3))
	if warningDays <= 0 {
		return mcp.NewToolResultError("warning_days must be positive"), nil
	}

	infos, err := s.sla.GetApproachingBreaches(ctx, warningDays)
	if err != nil {
		return toolError("approaching-breach query failed", err), nil
	}
	if infos == nil {
		infos = []schema.ApproachingBreachInfo{}
	}
	return marshalResult(map[string]any{"approaching": infos})
}

// --- Internal helpers ---

// parseActor builds the actor context from the shared tool arguments.
func parseActor(req mcp.CallToolRequest) (schema.ActorContext, error) {
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return schema.ActorContext{}, fmt.Errorf("actor_id is required")
	}
	return schema.ActorContext{
		ID:    actorID,
		Role:  req.GetString("role", ""),
		Roles: req.GetStringSlice("roles", nil),
	}, nil
}

// toolError flattens an engine error into an agent-readable message. The
// error's own rendering already carries its code when it has one.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
