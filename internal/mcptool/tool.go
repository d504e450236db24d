// Package mcptool exposes the research orchestrator as an MCP tool.
package mcptool

import (
	"context"
	"fmt"
	"strings"

	"research/backend/internal/research"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

const (
	ToolName      = "deep_research"
	ServerName    = "research-backend"
	ServerVersion = "0.1.0"

	maxToolLoops   = 10
	maxToolQueries = 10
)

type Runner interface {
	Run(ctx context.Context, history []research.Message, cfg research.RunConfig, onProgress func(research.Progress)) (research.RunResult, error)
}

type DeepResearchArgs struct {
	Question                string `json:"question" jsonschema:"required,description=The research question to answer"`
	MaxResearchLoops        int    `json:"max_research_loops,omitempty" jsonschema:"description=Upper bound on reflection loops (default from server config)"`
	InitialSearchQueryCount int    `json:"initial_search_query_count,omitempty" jsonschema:"description=Number of sub-queries planned in the first round"`
	ReasoningModel          string `json:"reasoning_model,omitempty" jsonschema:"description=Model override for reflection and the final answer"`
}

// NewServer builds an MCP server with the deep_research tool registered.
func NewServer(runner Runner, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(ServerName, ServerVersion, server.WithToolCapabilities(false))
	Register(s, runner, logger)
	return s
}

func Register(s *server.MCPServer, runner Runner, logger *zap.Logger) {
	s.AddTool(mcp.NewTool(ToolName,
		mcp.WithDescription(`deep_research - multi-step cited research

Classifies the question as web research or data analysis, plans sub-queries,
runs them in parallel, reflects on gaps and loops until the answer is
sufficient or the loop ceiling is reached.

Returns a markdown answer with inline citations followed by a source list.`),
		mcp.WithInputSchema[DeepResearchArgs](),
	), handleDeepResearch(runner, logger))
}

func handleDeepResearch(runner Runner, logger *zap.Logger) server.ToolHandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args DeepResearchArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
		question := strings.TrimSpace(args.Question)
		if question == "" {
			return mcp.NewToolResultError("question is required"), nil
		}
		if args.MaxResearchLoops < 0 || args.MaxResearchLoops > maxToolLoops {
			return mcp.NewToolResultError(fmt.Sprintf("max_research_loops must be between 0 and %d", maxToolLoops)), nil
		}
		if args.InitialSearchQueryCount < 0 || args.InitialSearchQueryCount > maxToolQueries {
			return mcp.NewToolResultError(fmt.Sprintf("initial_search_query_count must be between 0 and %d", maxToolQueries)), nil
		}

		result, err := runner.Run(ctx, []research.Message{{Role: research.RoleUser, Content: question}}, research.RunConfig{
			InitialSearchQueryCount: args.InitialSearchQueryCount,
			MaxResearchLoops:        args.MaxResearchLoops,
			ReasoningModel:          strings.TrimSpace(args.ReasoningModel),
		}, func(progress research.Progress) {
			logger.Debug("research progress", zap.String("stage", string(progress.Stage)), zap.String("message", progress.Message))
		})
		if err != nil {
			logger.Warn("deep_research failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("research failed: %v", err)), nil
		}

		logger.Info("deep_research completed",
			zap.String("run_id", result.RunID),
			zap.Int("loops", result.Loops),
			zap.Int("references", len(result.References)),
		)
		return mcp.NewToolResultText(FormatAnswer(result)), nil
	}
}

// FormatAnswer renders the answer with a numbered source list.
func FormatAnswer(result research.RunResult) string {
	var out strings.Builder
	out.WriteString(strings.TrimSpace(result.Answer))
	if len(result.References) > 0 {
		out.WriteString("\n\nSources:\n")
		for i, ref := range result.References {
			fmt.Fprintf(&out, "%d. %s: %s\n", i+1, ref.Label, ref.Value)
		}
	}
	return strings.TrimRight(out.String(), "\n")
}
