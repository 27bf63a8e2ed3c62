package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/aggregator"
	"compass/internal/registry"
	"compass/internal/search"
	"compass/internal/skills"
	"compass/internal/store"
)

// serversResourceURI is the built-in resource listing registered backends.
const serversResourceURI = "compass://aggregator/servers"

// registerBuiltins declares the capabilities the process itself provides.
// The sync pipeline picks these up on its next internal scan, so they are
// indexed and searchable like any external tool.
func registerBuiltins(reg *registry.Registry, engine *search.Engine, catalog *skills.Catalog) error {
	searchTool := mcp.NewTool("search_tools",
		mcp.WithDescription("Find tools, prompts or resources by describing the task in natural language. Runs a two-stage semantic search: skill domains first, then the tools within the matched domains."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Natural-language description of what you want to do"),
		),
		mcp.WithString("type",
			mcp.Description("Item type to search: tool, prompt or resource (default tool)"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results (default 10)"),
		),
		mcp.WithNumber("score_threshold",
			mcp.Description("Minimum similarity score, 0..1"),
		),
		mcp.WithString("strategy",
			mcp.Description("hierarchical (default) or direct"),
		),
		mcp.WithString("server_id",
			mcp.Description("Restrict results to one backend server"),
		),
	)
	if err := reg.RegisterTool(registry.ToolRegistration{
		Tool:          searchTool,
		Category:      "discovery",
		SecurityLevel: store.SecurityLow,
		Handler:       searchToolsHandler(engine),
	}); err != nil {
		return err
	}

	listSkills := mcp.NewTool("list_skills",
		mcp.WithDescription("List the skill categories tools are classified into, including per-skill tool counts."),
		mcp.WithBoolean("include_disabled",
			mcp.Description("Also return disabled skills (default false)"),
		),
	)
	if err := reg.RegisterTool(registry.ToolRegistration{
		Tool:          listSkills,
		Category:      "discovery",
		SecurityLevel: store.SecurityLow,
		Handler:       listSkillsHandler(catalog),
	}); err != nil {
		return err
	}

	return reg.RegisterPrompt(registry.PromptRegistration{
		Prompt: mcp.Prompt{
			Name:        "discover_tools",
			Description: "Guides a model through finding the right tool for a task using search_tools and list_skills.",
			Arguments: []mcp.PromptArgument{
				{Name: "task", Description: "The task to find tooling for", Required: true},
			},
		},
		Handler: discoverToolsHandler(),
	})
}

// registerServersResource exposes the aggregator's backend inventory as a
// readable resource. Registered separately because the aggregator service
// is built after the rest of the built-ins.
func registerServersResource(reg *registry.Registry, servers *aggregator.Service) error {
	return reg.RegisterResource(registry.ResourceRegistration{
		Resource: mcp.Resource{
			URI:         serversResourceURI,
			Name:        "aggregator_servers",
			Description: "Registered external MCP servers and their connection status",
			MIMEType:    "application/json",
		},
		Handler: func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			caller := aggregator.CallerFromContext(ctx)
			list, err := servers.List(ctx, caller.OrgID)
			if err != nil {
				return nil, err
			}
			raw, err := json.MarshalIndent(map[string]any{"servers": list}, "", "  ")
			if err != nil {
				return nil, err
			}
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      serversResourceURI,
					MIMEType: "application/json",
					Text:     string(raw),
				},
			}, nil
		},
	})
}

func searchToolsHandler(engine *search.Engine) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		query, _ := args["query"].(string)
		if query == "" {
			return mcp.NewToolResultError("query argument is required"), nil
		}

		sr := search.Request{Query: query}
		if v, ok := args["type"].(string); ok {
			sr.ItemType = v
		}
		if v, ok := args["server_id"].(string); ok {
			sr.ServerID = v
		}
		if v, ok := args["strategy"].(string); ok {
			sr.Strategy = v
		}
		if v, ok := args["limit"].(float64); ok {
			sr.Limit = int(v)
		}
		if v, ok := args["score_threshold"].(float64); ok {
			sr.ScoreThreshold = float32(v)
		}
		if caller := aggregator.CallerFromContext(ctx); caller.OrgID != nil {
			sr.OrgID = *caller.OrgID
		}

		resp, err := engine.Search(ctx, sr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("search failed: %v", err)), nil
		}
		raw, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

func listSkillsHandler(catalog *skills.Catalog) func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		includeDisabled, _ := args["include_disabled"].(bool)

		var orgID *string
		if caller := aggregator.CallerFromContext(ctx); caller.OrgID != nil {
			orgID = caller.OrgID
		}
		list, err := catalog.List(ctx, orgID, !includeDisabled)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("listing skills failed: %v", err)), nil
		}
		raw, err := json.MarshalIndent(map[string]any{"skills": list}, "", "  ")
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultText(string(raw)), nil
	}
}

func discoverToolsHandler() func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		task := req.Params.Arguments["task"]
		if task == "" {
			return nil, fmt.Errorf("task argument is required")
		}
		text := fmt.Sprintf(
			"You need tooling for the following task:\n\n%s\n\n"+
				"Call search_tools with a short description of the task to get ranked candidates. "+
				"If the results look off, call list_skills to see the available skill domains and "+
				"re-run search_tools with a query phrased in the domain's vocabulary. "+
				"Prefer the highest-scored tool whose input schema matches the data you have.",
			task,
		)
		return &mcp.GetPromptResult{
			Description: "Tool discovery strategy for: " + task,
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.NewTextContent(text)},
			},
		}, nil
	}
}
