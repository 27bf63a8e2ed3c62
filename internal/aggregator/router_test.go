package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compass/internal/hil"
	"compass/internal/registry"
	"compass/internal/store"
)

func newTestRouter(t *testing.T, st *fakeServerStore, gate authGate) (*Router, *registry.Registry, *SessionManager) {
	t.Helper()
	reg := registry.New()
	sessions := NewSessionManager()
	r := NewRouter(reg, sessions, st, gate, testAggregatorConfig())
	return r, reg, sessions
}

func TestRouteInternalTool(t *testing.T) {
	r, reg, _ := newTestRouter(t, newFakeServerStore(), nil)
	require.NoError(t, reg.RegisterTool(registry.ToolRegistration{
		Tool: mcp.NewTool("find_tools", mcp.WithDescription("discovery")),
		Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText("internal"), nil
		},
	}))

	res, meta, err := r.CallTool(context.Background(), Caller{UserID: "u1"}, "find_tools", nil)
	require.NoError(t, err)
	require.NotNil(t, res)
	require.NotNil(t, meta)
	assert.Equal(t, "internal", meta.RoutedTo)
}

func TestRouteExternalTool(t *testing.T) {
	st := newFakeServerStore()
	st.tools["github.create_issue"] = &store.Tool{
		Name:          "github.create_issue",
		SecurityLevel: store.SecurityLow,
	}
	r, _, sessions := newTestRouter(t, st, nil)

	client := &fakeClient{}
	sess := NewSession("srv-1", "github", client, 4)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(time.Second) })
	sessions.Put(sess, time.Second)

	res, meta, err := r.CallTool(context.Background(), Caller{UserID: "u1"}, "github.create_issue", map[string]any{"title": "t"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "github", meta.RoutedTo)
	// The backend sees the original, un-namespaced name.
	assert.Equal(t, []string{"create_issue"}, client.calls)
}

func TestRouteUnknownTool(t *testing.T) {
	r, _, _ := newTestRouter(t, newFakeServerStore(), nil)
	_, _, err := r.CallTool(context.Background(), Caller{}, "nodotname", nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRouteToDisconnectedServer(t *testing.T) {
	r, _, _ := newTestRouter(t, newFakeServerStore(), nil)
	_, _, err := r.CallTool(context.Background(), Caller{}, "github.create_issue", nil)
	assert.ErrorIs(t, err, ErrServerUnavailable)
}

func TestHighSecurityCallParksBehindHIL(t *testing.T) {
	st := newFakeServerStore()
	st.tools["github.delete_repo"] = &store.Tool{
		Name:          "github.delete_repo",
		SecurityLevel: store.SecurityHigh,
	}
	orch := hil.New(10 * time.Minute)
	r, _, sessions := newTestRouter(t, st, orch)

	client := &fakeClient{}
	sess := NewSession("srv-1", "github", client, 4)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(time.Second) })
	sessions.Put(sess, time.Second)

	args := map[string]any{"repo": "compass"}
	_, _, err := r.CallTool(context.Background(), Caller{UserID: "u1"}, "github.delete_repo", args)
	var authErr *AuthorizationRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, client.calls)

	// Approving the request grants exactly this (user, tool, args) triple.
	_, err = orch.Decide(authErr.RequestID, hil.StateApproved, "")
	require.NoError(t, err)

	res, _, err := r.CallTool(context.Background(), Caller{UserID: "u1"}, "github.delete_repo", args)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"delete_repo"}, client.calls)

	// A different user still needs their own approval.
	_, _, err = r.CallTool(context.Background(), Caller{UserID: "u2"}, "github.delete_repo", args)
	assert.ErrorAs(t, err, &authErr)
}

func TestRepeatedUnauthorizedCallsDedupe(t *testing.T) {
	st := newFakeServerStore()
	st.tools["github.delete_repo"] = &store.Tool{
		Name:          "github.delete_repo",
		SecurityLevel: store.SecurityHigh,
	}
	orch := hil.New(10 * time.Minute)
	r, _, sessions := newTestRouter(t, st, orch)

	sess := NewSession("srv-1", "github", &fakeClient{}, 4)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(time.Second) })
	sessions.Put(sess, time.Second)

	args := map[string]any{"repo": "compass"}
	var first, second *AuthorizationRequiredError
	_, _, err := r.CallTool(context.Background(), Caller{UserID: "u1"}, "github.delete_repo", args)
	require.ErrorAs(t, err, &first)
	_, _, err = r.CallTool(context.Background(), Caller{UserID: "u1"}, "github.delete_repo", args)
	require.ErrorAs(t, err, &second)
	assert.Equal(t, first.RequestID, second.RequestID)
}

func TestRouteGetPrompt(t *testing.T) {
	r, _, sessions := newTestRouter(t, newFakeServerStore(), nil)
	sess := NewSession("srv-1", "github", &fakeClient{}, 4)
	require.NoError(t, sess.Open(context.Background()))
	t.Cleanup(func() { _ = sess.Close(time.Second) })
	sessions.Put(sess, time.Second)

	res, meta, err := r.GetPrompt(context.Background(), Caller{}, "github.pr_review", nil)
	require.NoError(t, err)
	assert.Equal(t, "pr_review", res.Description)
	assert.Equal(t, "github", meta.RoutedTo)
}

func TestSplitNamespaced(t *testing.T) {
	for _, tc := range []struct {
		in     string
		server string
		rest   string
		ok     bool
	}{
		{"github.create_issue", "github", "create_issue", true},
		{"a.b.c", "a", "b.c", true},
		{"plain", "", "", false},
		{".leading", "", "", false},
		{"trailing.", "", "", false},
	} {
		server, rest, ok := splitNamespaced(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.server, server, tc.in)
		assert.Equal(t, tc.rest, rest, tc.in)
	}
}
