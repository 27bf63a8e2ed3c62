package registry

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/store"
)

func noopToolHandler(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText("ok"), nil
}

func noopPromptHandler(_ context.Context, _ mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{}, nil
}

func noopResourceHandler(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return nil, nil
}

func TestRegisterToolAndResolve(t *testing.T) {
	r := New()

	err := r.RegisterTool(ToolRegistration{
		Tool:          mcp.NewTool("find_tools", mcp.WithDescription("Semantic tool discovery")),
		Category:      "discovery",
		SecurityLevel: store.SecurityLow,
		Handler:       noopToolHandler,
	})
	require.NoError(t, err)

	h, ok := r.ToolHandler("find_tools")
	assert.True(t, ok)
	assert.NotNil(t, h)

	reg, ok := r.GetTool("find_tools")
	require.True(t, ok)
	assert.Equal(t, "discovery", reg.Category)

	_, ok = r.ToolHandler("missing")
	assert.False(t, ok)
}

func TestRegisterToolDuplicate(t *testing.T) {
	r := New()
	reg := ToolRegistration{Tool: mcp.NewTool("dup"), Handler: noopToolHandler}
	require.NoError(t, r.RegisterTool(reg))
	assert.Error(t, r.RegisterTool(reg))
}

func TestRegisterToolValidation(t *testing.T) {
	r := New()
	assert.Error(t, r.RegisterTool(ToolRegistration{Handler: noopToolHandler}))
	assert.Error(t, r.RegisterTool(ToolRegistration{Tool: mcp.NewTool("x")}))
}

func TestSecurityLevelDefaultsToLow(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterTool(ToolRegistration{Tool: mcp.NewTool("t"), Handler: noopToolHandler}))
	reg, _ := r.GetTool("t")
	assert.Equal(t, store.SecurityLow, reg.SecurityLevel)
}

func TestListingsAreSorted(t *testing.T) {
	r := New()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.RegisterTool(ToolRegistration{Tool: mcp.NewTool(name), Handler: noopToolHandler}))
	}
	tools := r.Tools()
	require.Len(t, tools, 3)
	assert.Equal(t, "alpha", tools[0].Tool.Name)
	assert.Equal(t, "mid", tools[1].Tool.Name)
	assert.Equal(t, "zeta", tools[2].Tool.Name)
}

func TestPromptsAndResources(t *testing.T) {
	r := New()
	require.NoError(t, r.RegisterPrompt(PromptRegistration{
		Prompt:  mcp.NewPrompt("debug_session"),
		Handler: noopPromptHandler,
	}))
	require.NoError(t, r.RegisterResource(ResourceRegistration{
		Resource: mcp.NewResource("docs://readme", "readme"),
		Handler:  noopResourceHandler,
	}))

	_, ok := r.PromptHandler("debug_session")
	assert.True(t, ok)
	_, ok = r.ResourceHandler("readme")
	assert.True(t, ok)
	assert.Len(t, r.Prompts(), 1)
	assert.Len(t, r.Resources(), 1)
}

func TestUpdateNotificationCoalesces(t *testing.T) {
	r := New()
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.RegisterTool(ToolRegistration{Tool: mcp.NewTool(name), Handler: noopToolHandler}))
	}

	// Many registrations, at most one pending signal.
	select {
	case <-r.UpdateChannel():
	default:
		t.Fatal("expected a pending update signal")
	}
	select {
	case <-r.UpdateChannel():
		t.Fatal("expected signals to coalesce")
	default:
	}
}
