package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/deflect/internal/faq"
	"github.com/kalambet/deflect/internal/search"
	"github.com/kalambet/deflect/internal/storage"
)

// MCPFAQs is the knowledge base as seen by MCP tools.
type MCPFAQs interface {
	Add(ctx context.Context, in faq.Input, force bool) (faq.AddResult, error)
}

type MCPClusters interface {
	List(ctx context.Context, status string, limit int) ([]storage.GapCluster, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Search   Searcher // optional; if nil, faq_search returns an error
	FAQs     MCPFAQs
	Clusters MCPClusters
	Stats    StatsStore
	Version  string
}

// NewMCPServer creates an MCP server with the deflect tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"deflect",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("deflect: FAQ knowledge base search, curation and gap review for a support assistant."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("faq_search",
			mcp.WithDescription("Search the FAQ knowledge base and report the confidence tier of the best match."),
			mcp.WithString("query", mcp.Description("Customer question"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithString("category", mcp.Description("Restrict to one FAQ category")),
		),
		mcpFAQSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("faq_add",
			mcp.WithDescription("Add a FAQ entry. Similar existing questions block the insert unless force_add is set."),
			mcp.WithString("question", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("answer", mcp.Description("The answer; may contain HTML"), mcp.Required()),
			mcp.WithString("category", mcp.Description("Optional category")),
			mcp.WithBoolean("force_add", mcp.Description("Skip the duplicate check")),
		),
		mcpFAQAdd(deps),
	)

	s.AddTool(
		mcp.NewTool("list_gap_clusters",
			mcp.WithDescription("List clustered unanswered questions with suggested FAQ changes, highest priority first."),
			mcp.WithString("status", mcp.Description("pending (default), resolved or dismissed")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of clusters (default 20)")),
		),
		mcpListClusters(deps),
	)

	if deps.Stats != nil {
		s.AddResource(
			mcp.NewResource(
				"deflect://stats",
				"Deflection Stats",
				mcp.WithResourceDescription("Answer sources and token usage over the last 7 days"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceStats(deps),
		)
	}

	return s
}

func mcpFAQSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Search == nil {
			return mcpError("search not available: embedding is not configured"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", defaultSearchLimit)
		if limit <= 0 {
			limit = defaultSearchLimit
		}
		if limit > 50 {
			limit = 50
		}

		res, err := deps.Search.Search(ctx, query, search.Options{Limit: limit, Category: req.GetString("category", "")})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		type hitResult struct {
			ID       string  `json:"id"`
			Question string  `json:"question"`
			Answer   string  `json:"answer"`
			Score    float64 `json:"score"`
			Tier     string  `json:"tier"`
		}
		out := struct {
			Tier     string      `json:"tier"`
			Strategy string      `json:"strategy"`
			Results  []hitResult `json:"results"`
		}{
			Tier:     res.Tier().String(),
			Strategy: res.Tier().Strategy().String(),
			Results:  make([]hitResult, len(res.Hits)),
		}
		for i, h := range res.Hits {
			out.Results[i] = hitResult{
				ID:       h.FAQ.ID,
				Question: h.FAQ.Question,
				Answer:   h.FAQ.Answer,
				Score:    h.Score,
				Tier:     h.Tier.String(),
			}
		}
		return mcpJSON(out)
	}
}

func mcpFAQAdd(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		answer, err := req.RequireString("answer")
		if err != nil {
			return mcpError("answer is required"), nil
		}

		res, err := deps.FAQs.Add(ctx, faq.Input{
			Question: question,
			Answer:   answer,
			Category: req.GetString("category", ""),
		}, req.GetBool("force_add", false))
		var verr *faq.ValidationError
		if errors.As(err, &verr) {
			return mcpError(verr.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to add faq: %v", err)), nil
		}

		if res.Duplicate {
			best := res.Candidates[0]
			return mcpError(fmt.Sprintf("similar FAQ %s already exists (score %.2f): %q; set force_add to add anyway",
				best.FAQ.ID, best.Score, best.FAQ.Question)), nil
		}
		return mcpText(fmt.Sprintf("Added FAQ %s", res.FAQ.ID)), nil
	}
}

func mcpListClusters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		clusters, err := deps.Clusters.List(ctx, req.GetString("status", ""), limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing clusters failed: %v", err)), nil
		}
		if len(clusters) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(clusters)
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		stats, err := deps.Stats.InteractionStatsSince(ctx, time.Now().UTC().AddDate(0, 0, -7))
		if err != nil {
			return nil, fmt.Errorf("failed to get stats: %w", err)
		}

		b, err := json.Marshal(stats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
	}
	return mcpText(string(b)), nil
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
