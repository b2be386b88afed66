// Package mcp exposes the workflow and SLA engine over the Model Context
// Protocol so review tooling and agents can drive transitions through one
// stdio surface.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/avsafe/caseflow/internal/engine"
	"github.com/avsafe/caseflow/internal/sla"
	"github.com/avsafe/caseflow/internal/store"
)

// CaseflowServerDeps holds the dependencies for creating a CaseflowServer.
type CaseflowServerDeps struct {
	Engine *engine.Engine
	SLA    *sla.Service
	Store  store.Store
	Logger *slog.Logger
}

// CaseflowServer wraps an MCP server with caseflow-specific tool handlers.
type CaseflowServer struct {
	engine    *engine.Engine
	sla       *sla.Service
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCaseflowServer creates a new CaseflowServer with all 6 tools registered.
func NewCaseflowServer(deps CaseflowServerDeps) *CaseflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CaseflowServer{
		engine: deps.Engine,
		sla:    deps.SLA,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"caseflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Caseflow tracks corrective action plans and audit findings through configurable review workflows with SLA deadlines. Use caseflow.track to register an entity, caseflow.transitions to list available state changes, caseflow.execute to take one, caseflow.sla to inspect or adjust a deadline clock, caseflow.stats for portfolio-level SLA outcomes, and caseflow.approaching for trackers nearing breach."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CaseflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CaseflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *CaseflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: trackTool(), Handler: s.handleTrack},
		{Tool: transitionsTool(), Handler: s.handleTransitions},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: slaTool(), Handler: s.handleSLA},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: approachingTool(), Handler: s.handleApproaching},
	}
}

// --- Tool definitions ---

func trackTool() mcp.Tool {
	return mcp.NewTool("caseflow.track",
		mcp.WithDescription("Register an entity document and start tracking it at the workflow's initial state"),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type (e.g. CAP, FINDING)")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		mcp.WithObject("document", mcp.Description("Entity document used for condition evaluation")),
	)
}

func transitionsTool() mcp.Tool {
	return mcp.NewTool("caseflow.transitions",
		mcp.WithDescription("List the transitions available from an entity's current state, including blocked ones with per-condition status"),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type (e.g. CAP, FINDING)")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("role", mcp.Description("Actor's primary role")),
		mcp.WithArray("roles", mcp.Description("Additional actor roles")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("caseflow.execute",
		mcp.WithDescription("Execute a state transition after re-validating its conditions"),
		mcp.WithString("entity_type", mcp.Required(), mcp.Description("Entity type (e.g. CAP, FINDING)")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("Entity identifier")),
		mcp.WithString("target_state", mcp.Required(), mcp.Description("State code to transition to")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the acting user")),
		mcp.WithString("role", mcp.Description("Actor's primary role")),
		mcp.WithArray("roles", mcp.Description("Additional actor roles")),
		mcp.WithString("comment", mcp.Description("Justification comment (required by some transitions)")),
	)
}

func slaTool() mcp.Tool {
	return mcp.NewTool("caseflow.sla",
		mcp.WithDescription("Inspect or adjust the SLA clock. Action status reads the entity's active tracker; pause, resume and extend operate on a tracker id"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("status", "pause", "resume", "extend"),
			mcp.Description("Operation to perform"),
		),
		mcp.WithString("entity_type", mcp.Description("Entity type (required for status)")),
		mcp.WithString("entity_id", mcp.Description("Entity identifier (required for status)")),
		mcp.WithString("tracker_id", mcp.Description("Tracker ID (required for pause/resume/extend)")),
		mcp.WithNumber("additional_days", mcp.Description("Days to add (required for extend)")),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool("caseflow.stats",
		mcp.WithDescription("Aggregate SLA statistics: tracker counts, average completion days, breach rate"),
		mcp.WithString("entity_type", mcp.Description("Restrict to one entity type")),
	)
}

func approachingTool() mcp.Tool {
	return mcp.NewTool("caseflow.approaching",
		mcp.WithDescription("List running trackers due within the warning window"),
		mcp.WithNumber("warning_days", mcp.Description("Window in days before the due date (default: 3)")),
	)
}
