// Package controller exposes the orchestrator as MCP tools.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"pytx.dev/pkg/pytx/internal/domain"
	m "pytx.dev/pkg/pytx/internal/model"
)

// MCPController registers the orchestration tools on an MCP server and
// adapts tool calls onto the service facade.
type MCPController struct {
	service  *domain.Service
	defaults domain.ExecOptions
}

// NewMCPController creates a controller around the service. defaults
// fill in execution options a tool call leaves unset.
func NewMCPController(service *domain.Service, defaults domain.ExecOptions) *MCPController {
	return &MCPController{service: service, defaults: defaults}
}

// Register adds every tool to the server.
func (c *MCPController) Register(srv *server.MCPServer) {
	srv.AddTool(
		mcp.NewTool("list_tests",
			mcp.WithDescription("Discover tests matching the given criteria without executing them"),
			mcp.WithString("path", mcp.Description("File or directory to collect from")),
			mcp.WithString("pattern", mcp.Description("Test name filter expression (-k syntax)")),
			mcp.WithString("markers", mcp.Description("Marker filter expression (-m syntax)")),
		),
		c.handleListTests,
	)

	srv.AddTool(
		mcp.NewTool("run_tests",
			append([]mcp.ToolOption{
				mcp.WithDescription("Execute the selected tests and return the full structured result"),
			}, selectionArgs()...)...,
		),
		c.handleRunTests,
	)

	srv.AddTool(
		mcp.NewTool("get_failures",
			append([]mcp.ToolOption{
				mcp.WithDescription("Execute (or serve from cache) and return only failing tests with evidence"),
			}, selectionArgs()...)...,
		),
		c.handleGetFailures,
	)

	srv.AddTool(
		mcp.NewTool("get_summary",
			append([]mcp.ToolOption{
				mcp.WithDescription("Execute (or serve from cache) and return aggregate counts only"),
			}, selectionArgs()...)...,
		),
		c.handleGetSummary,
	)

	srv.AddTool(
		mcp.NewTool("rerun_failed",
			mcp.WithDescription("Re-execute every test whose most recent recorded outcome is failed"),
			mcp.WithNumber("timeout", mcp.Description("Wall-clock timeout in seconds")),
			mcp.WithNumber("max_failures", mcp.Description("Stop early after this many failures")),
		),
		c.handleRerunFailed,
	)

	srv.AddTool(
		mcp.NewTool("affected_tests",
			mcp.WithDescription("Map changed files to the tests that touch them via the coverage dependency graph"),
			mcp.WithArray("changed_files",
				mcp.Description("Changed production files, relative to the project root"),
				mcp.Required(),
			),
		),
		c.handleAffected,
	)

	srv.AddTool(
		mcp.NewTool("flaky_score",
			mcp.WithDescription("Rate of pass/fail flips for one test across its recent history"),
			mcp.WithString("node", mcp.Description("Test node id"), mcp.Required()),
			mcp.WithNumber("window", mcp.Description("History window size (default 10)")),
		),
		c.handleFlakyScore,
	)

	srv.AddTool(
		mcp.NewTool("health_check",
			mcp.WithDescription("Liveness and version of the orchestrator"),
		),
		c.handleHealthCheck,
	)
}

// selectionArgs is the shared argument set of the executing tools.
func selectionArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("path", mcp.Description("File or directory to collect from")),
		mcp.WithString("pattern", mcp.Description("Test name filter expression (-k syntax)")),
		mcp.WithString("markers", mcp.Description("Marker filter expression (-m syntax)")),
		mcp.WithArray("node_ids", mcp.Description("Explicit test node ids, bypassing collection")),
		mcp.WithNumber("timeout", mcp.Description("Wall-clock timeout in seconds")),
		mcp.WithNumber("max_failures", mcp.Description("Stop early after this many failures")),
		mcp.WithString("traceback", mcp.Description("Failure rendering: short, long or line")),
		mcp.WithBoolean("coverage", mcp.Description("Record per-test coverage for impact analysis")),
		mcp.WithBoolean("no_cache", mcp.Description("Bypass the result cache")),
	}
}

func criteriaFromRequest(request mcp.CallToolRequest) domain.Criteria {
	criteria := domain.Criteria{
		Path:    request.GetString("path", ""),
		Keyword: request.GetString("pattern", ""),
		Markers: request.GetString("markers", ""),
	}

	for _, id := range request.GetStringSlice("node_ids", nil) {
		criteria.NodeIDs = append(criteria.NodeIDs, m.TestNodeID(id))
	}

	return criteria
}

func (c *MCPController) optionsFromRequest(request mcp.CallToolRequest) domain.ExecOptions {
	style := c.defaults.TracebackStyle
	if style == "" {
		style = m.StyleShort
	}

	return domain.ExecOptions{
		Timeout:        time.Duration(request.GetFloat("timeout", c.defaults.Timeout.Seconds()) * float64(time.Second)),
		MaxFailures:    request.GetInt("max_failures", c.defaults.MaxFailures),
		TracebackStyle: m.FailureStyle(request.GetString("traceback", string(style))),
		Coverage:       request.GetBool("coverage", false),
		CacheTTL:       c.defaults.CacheTTL,
		NoCache:        request.GetBool("no_cache", c.defaults.NoCache),
	}
}

func (c *MCPController) handleListTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := c.service.Resolve(ctx, criteriaFromRequest(request))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(result)
}

func (c *MCPController) handleRunTests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := c.service.Execute(ctx, criteriaFromRequest(request), c.optionsFromRequest(request))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(model)
}

func (c *MCPController) handleGetFailures(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := c.service.GetFailures(ctx, criteriaFromRequest(request), c.optionsFromRequest(request))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(result)
}

func (c *MCPController) handleGetSummary(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	result, err := c.service.GetSummary(ctx, criteriaFromRequest(request), c.optionsFromRequest(request))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(result)
}

func (c *MCPController) handleRerunFailed(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	model, err := c.service.RerunFailed(ctx, c.optionsFromRequest(request))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(model)
}

func (c *MCPController) handleAffected(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	files := request.GetStringSlice("changed_files", nil)
	if len(files) == 0 {
		return mcp.NewToolResultError(m.KindInvalid + ": changed_files is required"), nil
	}

	result, err := c.service.Affected(files)
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(result)
}

func (c *MCPController) handleFlakyScore(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	node, err := request.RequireString("node")
	if err != nil {
		return mcp.NewToolResultError(m.KindInvalid + ": node parameter is required"), nil
	}

	result, err := c.service.FlakyScore(m.TestNodeID(node), request.GetInt("window", 0))
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(result)
}

func (c *MCPController) handleHealthCheck(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return toolJSON(c.service.HealthCheck())
}

func toolJSON(value any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		slog.Error("failed to encode tool result", "error", err)
		return mcp.NewToolResultError("internal_error: failed to encode result"), nil
	}

	return mcp.NewToolResultText(string(data)), nil
}

// toolError renders only the kind tag and human-readable message;
// implementation detail never crosses the tool boundary.
func toolError(err error) *mcp.CallToolResult {
	var kinder m.Kinder
	if errors.As(err, &kinder) {
		return mcp.NewToolResultError(kinder.Kind() + ": " + kinder.Error())
	}

	slog.Error("tool call failed", "error", err)

	return mcp.NewToolResultError("internal_error: request failed")
}
