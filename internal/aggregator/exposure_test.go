package aggregator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/hil"
	"compass/internal/registry"
	"compass/internal/store"
)

func newTestExposure(t *testing.T, st *fakeServerStore, gate authGate) (*Exposure, *SessionManager) {
	t.Helper()
	reg := registry.New()
	sessions := NewSessionManager()
	router := NewRouter(reg, sessions, st, gate, testAggregatorConfig())
	return NewExposure(reg, sessions, st, router, "test"), sessions
}

func openTestSession(t *testing.T, sessions *SessionManager) {
	t.Helper()
	sess := NewSession("srv-1", "github", &fakeClient{}, 4)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(time.Second) })
	sessions.Put(sess, time.Second)
}

func TestToolListingFilteredByTenant(t *testing.T) {
	orgA, orgB := "org-a", "org-b"
	st := newFakeServerStore()
	st.servers["srv-1"] = &store.ExternalServer{ID: "srv-1", Name: "github", OrgID: &orgB}
	st.extTools = []store.Tool{
		{ID: 1, Name: "github.status", IsGlobal: true},
		{ID: 2, Name: "github.secret", OrgID: &orgB},
	}

	e, sessions := newTestExposure(t, st, nil)
	openTestSession(t, sessions)
	e.Refresh(context.Background())

	listing := []mcp.Tool{{Name: "github.status"}, {Name: "github.secret"}}

	got := e.filterTools(WithCaller(context.Background(), Caller{UserID: "u1", OrgID: &orgA}), listing)
	require.Len(t, got, 1)
	assert.Equal(t, "github.status", got[0].Name)

	got = e.filterTools(WithCaller(context.Background(), Caller{UserID: "u1", OrgID: &orgB}), listing)
	assert.Len(t, got, 2)

	// No organization claimed: only global tools.
	got = e.filterTools(WithCaller(context.Background(), Caller{UserID: "u1"}), listing)
	require.Len(t, got, 1)
	assert.Equal(t, "github.status", got[0].Name)

	// Tools without a recorded scope pass through untouched.
	got = e.filterTools(context.Background(), []mcp.Tool{{Name: "unknown"}})
	assert.Len(t, got, 1)
}

func TestOrgScopedPromptsAndResourcesNotExposed(t *testing.T) {
	orgB := "org-b"
	st := newFakeServerStore()
	st.servers["srv-1"] = &store.ExternalServer{ID: "srv-1", Name: "github", OrgID: &orgB}
	st.extPrompts = []store.Prompt{
		{ID: 1, Name: "github.review", IsGlobal: true},
		{ID: 2, Name: "github.private", OrgID: &orgB},
	}
	st.extResources = []store.Resource{
		{ID: 1, Name: "github.readme", URI: "github://readme", IsGlobal: true},
		{ID: 2, Name: "github.internal", URI: "github://internal", OrgID: &orgB},
	}

	e, sessions := newTestExposure(t, st, nil)
	openTestSession(t, sessions)
	e.Refresh(context.Background())

	assert.Contains(t, e.exposedPrompts, "github.review")
	assert.NotContains(t, e.exposedPrompts, "github.private")
	assert.Contains(t, e.exposedResources, "github.readme")
	assert.NotContains(t, e.exposedResources, "github.internal")
}

func TestNotifyNeverBlocks(t *testing.T) {
	e, _ := newTestExposure(t, newFakeServerStore(), nil)
	for i := 0; i < 5; i++ {
		e.Notify()
	}
	assert.Len(t, e.notify, 1)
}

func TestRunRefreshesOnNotify(t *testing.T) {
	orgB := "org-b"
	st := newFakeServerStore()
	st.servers["srv-1"] = &store.ExternalServer{ID: "srv-1", Name: "github", OrgID: &orgB}

	e, sessions := newTestExposure(t, st, nil)
	openTestSession(t, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	st.setExtTools([]store.Tool{{ID: 1, Name: "github.status", IsGlobal: true}})
	e.Notify()

	require.Eventually(t, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		_, ok := e.toolScope["github.status"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPendingAuthorizationSurfacesInToolResult(t *testing.T) {
	st := newFakeServerStore()
	st.tools["github.delete_repo"] = &store.Tool{
		Name:          "github.delete_repo",
		SecurityLevel: store.SecurityHigh,
	}
	orch := hil.New(10 * time.Minute)
	e, sessions := newTestExposure(t, st, orch)
	openTestSession(t, sessions)

	req := mcp.CallToolRequest{}
	req.Params.Name = "github.delete_repo"
	req.Params.Arguments = map[string]any{"repo": "compass"}

	handler := e.toolHandler("github.delete_repo")
	res, err := handler(WithCaller(context.Background(), Caller{UserID: "u1"}), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.True(t, res.IsError)

	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)

	var payload struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			RequestID string `json:"request_id"`
			ToolName  string `json:"tool_name"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(tc.Text), &payload))
	assert.Equal(t, CodeAuthorizationRequired, payload.Code)
	assert.Equal(t, "github.delete_repo", payload.Data.ToolName)
	require.NotEmpty(t, payload.Data.RequestID)

	// The id resolves to the pending request the decision endpoint serves.
	pending, err := orch.Get(payload.Data.RequestID)
	require.NoError(t, err)
	assert.Equal(t, hil.StatePending, pending.State)
}
