package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/scribo/internal/orchestrator"
	"github.com/kalambet/scribo/internal/research"
	"github.com/kalambet/scribo/internal/storage"
)

// MCPEmbedder turns a query into a vector for knowledge search.
type MCPEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Jobs     JobService
	Store    *storage.Store
	Policy   policyBinder
	Embedder MCPEmbedder
}

// NewMCPServer creates an MCP server with the research tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scribo",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("scribo — research assistant that gathers knowledge on a topic and writes structured reports."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_research",
			mcp.WithDescription("Start a research job for a topic. Returns a job id to poll."),
			mcp.WithString("topic", mcp.Description("Topic to research"), mcp.Required()),
			mcp.WithString("depth", mcp.Description("Research depth: basic, intermediate or deep (default basic)")),
		),
		mcpSubmitResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("research_status",
			mcp.WithDescription("Check the state of a research job."),
			mcp.WithString("job_id", mcp.Description("Job id returned by submit_research"), mcp.Required()),
		),
		mcpResearchStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Fetch a finished report by id."),
			mcp.WithString("report_id", mcp.Description("Report id from a completed job"), mcp.Required()),
		),
		mcpGetReport(deps),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the accumulated knowledge base."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearchKnowledge(deps),
	)

	return s
}

func mcpSubmitResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}
		depth, err := research.ParseDepth(req.GetString("depth", ""))
		if err != nil {
			return mcpError(err.Error()), nil
		}

		jobID, err := deps.Jobs.Submit(ctx, topic, depth)
		if errors.Is(err, orchestrator.ErrInvalidTopic) {
			return mcpError(err.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("submitting job: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Research job %s accepted. Poll research_status for progress.", jobID)), nil
	}
}

func mcpResearchStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Jobs.Status(jobID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("unknown job"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading job: %v", err)), nil
		}

		out, err := json.Marshal(map[string]any{
			"job_id":    job.ID,
			"topic":     job.Topic,
			"state":     string(job.State),
			"error":     job.Error,
			"report_id": job.ReportID,
			"degraded": map[string]bool{
				"vector":  job.DegradedVector,
				"reports": job.DegradedReports,
			},
		})
		if err != nil {
			return mcpError(fmt.Sprintf("encoding status: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpGetReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		reportID, err := req.RequireString("report_id")
		if err != nil {
			return mcpError("report_id is required"), nil
		}

		report, err := fetchReport(ctx, AppDeps{Store: deps.Store, Policy: deps.Policy}, reportID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("unknown report"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("reading report: %v", err)), nil
		}
		return mcpText(report.Content), nil
	}
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		queryVec, err := deps.Embedder.Embed(ctx, query)
		if err != nil {
			return mcpError(fmt.Sprintf("embedding query: %v", err)), nil
		}

		binding := deps.Policy.Bind(ctx)
		hits, err := binding.Vector.Search(ctx, queryVec, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(hits) == 0 {
			return mcpText("[]"), nil
		}

		type hitResult struct {
			ID    string  `json:"id"`
			Topic string  `json:"topic"`
			Text  string  `json:"text"`
			Score float32 `json:"score"`
		}
		results := make([]hitResult, len(hits))
		for i, h := range hits {
			results[i] = hitResult{ID: h.ID, Topic: h.Topic, Text: h.SourceText, Score: h.Score}
		}
		out, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding results: %v", err)), nil
		}
		return mcpText(string(out)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
