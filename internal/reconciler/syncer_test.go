package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/registry"
	"compass/internal/store"
	"compass/internal/vector"
)

func newTestPipeline(st *fakeStore, internal *fakeInternal) (*Pipeline, *fakeIndex, *fakeClassifierSvc, *fakeCache) {
	idx := newFakeIndex()
	cl := &fakeClassifierSvc{}
	c := &fakeCache{}
	p := New(st, idx, internal, &fakeEmbedder{}, cl, c)
	return p, idx, cl, c
}

func drainQueues(ctx context.Context, p *Pipeline) {
	for {
		select {
		case j := <-p.embedQueue:
			if err := p.embedItem(ctx, j); err == nil && j.itemType == vector.ItemTypeTool {
				p.enqueueClassify(j.id)
			}
		case id := <-p.classifyQueue:
			_ = p.classifier.ClassifyTool(ctx, id)
		default:
			return
		}
	}
}

func TestSyncInternalCreatesRecords(t *testing.T) {
	st := newFakeStore()
	internal := &fakeInternal{
		tools: []registry.ToolRegistration{{
			Tool:          mcp.NewTool("find_tools", mcp.WithDescription("Semantic discovery")),
			Category:      "discovery",
			SecurityLevel: store.SecurityLow,
		}},
		prompts: []registry.PromptRegistration{{
			Prompt: mcp.NewPrompt("debug_session", mcp.WithPromptDescription("Guided debugging")),
		}},
		resources: []registry.ResourceRegistration{{
			Resource: mcp.NewResource("docs://readme", "readme"),
		}},
	}
	p, idx, _, _ := newTestPipeline(st, internal)

	res, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsAdded)
	assert.Equal(t, 1, res.PromptsAdded)
	assert.Equal(t, 1, res.ResourcesAdded)

	tool, err := st.GetToolByName(context.Background(), "find_tools", nil)
	require.NoError(t, err)
	assert.True(t, tool.IsGlobal)
	assert.True(t, tool.IsActive)
	assert.Equal(t, "discovery", tool.Category)

	drainQueues(context.Background(), p)
	assert.Len(t, idx.upserts, 3)
}

func TestSyncInternalIsIdempotent(t *testing.T) {
	st := newFakeStore()
	internal := &fakeInternal{
		tools: []registry.ToolRegistration{{
			Tool: mcp.NewTool("find_tools", mcp.WithDescription("Semantic discovery")),
		}},
	}
	p, _, _, _ := newTestPipeline(st, internal)

	_, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	drainQueues(context.Background(), p)

	res, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ToolsAdded)
	assert.Zero(t, res.ToolsUpdated)
	assert.Zero(t, res.ToolsRemoved)

	// Nothing changed, nothing queued.
	select {
	case j := <-p.embedQueue:
		t.Fatalf("unexpected embed job %v", j)
	default:
	}
}

func TestSyncInternalUpdatesChangedDescription(t *testing.T) {
	st := newFakeStore()
	internal := &fakeInternal{
		tools: []registry.ToolRegistration{{
			Tool: mcp.NewTool("find_tools", mcp.WithDescription("v1")),
		}},
	}
	p, _, _, _ := newTestPipeline(st, internal)
	_, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	drainQueues(context.Background(), p)

	internal.tools[0].Tool = mcp.NewTool("find_tools", mcp.WithDescription("v2"))
	res, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsUpdated)

	tool, err := st.GetToolByName(context.Background(), "find_tools", nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", tool.Description)
}

func TestSyncInternalRetiresUnregistered(t *testing.T) {
	st := newFakeStore()
	internal := &fakeInternal{
		tools: []registry.ToolRegistration{
			{Tool: mcp.NewTool("keep", mcp.WithDescription("stays"))},
			{Tool: mcp.NewTool("drop", mcp.WithDescription("goes"))},
		},
	}
	p, idx, _, _ := newTestPipeline(st, internal)
	_, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	drainQueues(context.Background(), p)

	internal.tools = internal.tools[:1]
	res, err := p.SyncInternal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsRemoved)

	dropped, err := st.GetToolByName(context.Background(), "drop", nil)
	require.NoError(t, err)
	assert.False(t, dropped.IsActive)
	assert.Len(t, idx.deletes[vector.ItemTypeTool], 1)
}

func externalServer(id, name string) *store.ExternalServer {
	org := "org-1"
	return &store.ExternalServer{
		ID:       id,
		Name:     name,
		OrgID:    &org,
		IsGlobal: false,
	}
}

func TestSyncExternalAddsNamespacedTools(t *testing.T) {
	st := newFakeStore()
	st.servers["srv-1"] = externalServer("srv-1", "github")
	p, idx, cl, _ := newTestPipeline(st, &fakeInternal{})

	lister := &fakeLister{
		tools: []mcp.Tool{
			mcp.NewTool("create_issue", mcp.WithDescription("Open an issue")),
			mcp.NewTool("list_repos", mcp.WithDescription("List repositories")),
		},
	}
	res, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	assert.Equal(t, 2, res.ToolsAdded)
	assert.Equal(t, 2, st.toolCounts["srv-1"])

	tool, err := st.GetToolByName(context.Background(), "github.create_issue", nil)
	require.NoError(t, err)
	require.NotNil(t, tool.OriginalName)
	assert.Equal(t, "create_issue", *tool.OriginalName)
	require.NotNil(t, tool.SourceServerID)
	assert.Equal(t, "srv-1", *tool.SourceServerID)
	require.NotNil(t, tool.OrgID)
	assert.Equal(t, "org-1", *tool.OrgID)

	drainQueues(context.Background(), p)
	assert.Len(t, idx.upserts, 2)
	assert.Len(t, cl.calls, 2)
}

func TestSyncExternalRemovesVanishedTools(t *testing.T) {
	st := newFakeStore()
	st.servers["srv-1"] = externalServer("srv-1", "github")
	p, idx, _, _ := newTestPipeline(st, &fakeInternal{})

	lister := &fakeLister{tools: []mcp.Tool{
		mcp.NewTool("create_issue", mcp.WithDescription("Open an issue")),
		mcp.NewTool("close_issue", mcp.WithDescription("Close an issue")),
	}}
	_, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	drainQueues(context.Background(), p)

	lister.tools = lister.tools[:1]
	res, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsRemoved)
	assert.Equal(t, 1, st.toolCounts["srv-1"])
	assert.Len(t, idx.deletes[vector.ItemTypeTool], 1)

	_, err = st.GetToolByName(context.Background(), "github.close_issue", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncExternalUpdatesChangedSchema(t *testing.T) {
	st := newFakeStore()
	st.servers["srv-1"] = externalServer("srv-1", "github")
	p, _, _, _ := newTestPipeline(st, &fakeInternal{})

	lister := &fakeLister{tools: []mcp.Tool{
		mcp.NewTool("create_issue", mcp.WithDescription("Open an issue")),
	}}
	_, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	drainQueues(context.Background(), p)

	lister.tools = []mcp.Tool{
		mcp.NewTool("create_issue",
			mcp.WithDescription("Open an issue"),
			mcp.WithString("title", mcp.Required())),
	}
	res, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsUpdated)
	assert.Zero(t, res.ToolsAdded)
}

func TestSyncExternalToleratesMissingPromptCapability(t *testing.T) {
	st := newFakeStore()
	st.servers["srv-1"] = externalServer("srv-1", "github")
	p, _, _, _ := newTestPipeline(st, &fakeInternal{})

	lister := &fakeLister{
		tools:        []mcp.Tool{mcp.NewTool("create_issue", mcp.WithDescription("Open an issue"))},
		promptsErr:   errors.New("method not found"),
		resourcesErr: errors.New("method not found"),
	}
	res, err := p.SyncExternal(context.Background(), "srv-1", lister)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolsAdded)
	assert.Zero(t, res.PromptsAdded)
	assert.Zero(t, res.ResourcesAdded)
}

func TestSyncExternalFailsWhenToolListingFails(t *testing.T) {
	st := newFakeStore()
	st.servers["srv-1"] = externalServer("srv-1", "github")
	p, _, _, _ := newTestPipeline(st, &fakeInternal{})

	lister := &fakeLister{toolsErr: errors.New("connection reset")}
	_, err := p.SyncExternal(context.Background(), "srv-1", lister)
	assert.Error(t, err)
}

func TestSyncInvalidatesListAndSearchCaches(t *testing.T) {
	st := newFakeStore()
	internal := &fakeInternal{
		tools: []registry.ToolRegistration{{Tool: mcp.NewTool("t", mcp.WithDescription("d"))}},
	}
	p, _, _, c := newTestPipeline(st, internal)
	_, err := p.SyncInternal(context.Background())
	require.NoError(t, err)

	assert.Contains(t, c.invalidated, "tool_list:*")
	assert.Contains(t, c.invalidated, "search:*")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	st := newFakeStore()
	p, _, _, _ := newTestPipeline(st, &fakeInternal{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pipeline did not stop")
	}
}
