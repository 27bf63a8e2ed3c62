package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"compass/internal/registry"
	"compass/internal/store"
	"compass/pkg/logging"
)

// refreshInterval bounds how stale the exposed capability set can get when
// no refresh signal fires.
const refreshInterval = 30 * time.Second

type callerKey struct{}

// WithCaller attaches the requester identity to the context. The transport
// layer sets this from the authenticated request.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFromContext recovers the requester identity; the zero Caller means
// an unauthenticated or internal call.
func CallerFromContext(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey{}).(Caller)
	return c
}

// exposureStore is the slice of the relational store the exposure needs to
// enumerate what each connected backend currently owns.
type exposureStore interface {
	GetServer(ctx context.Context, id string) (*store.ExternalServer, error)
	ListTools(ctx context.Context, f store.ToolFilter) ([]store.Tool, error)
	ListPrompts(ctx context.Context, f store.ToolFilter) ([]store.Prompt, error)
	ListResources(ctx context.Context, f store.ToolFilter) ([]store.Resource, error)
}

// recordScope is the tenant visibility of one exposed record.
type recordScope struct {
	orgID    string
	isGlobal bool
}

// visibleTo reports whether the record may be shown to the caller.
func (s recordScope) visibleTo(c Caller) bool {
	if s.isGlobal || s.orgID == "" {
		return true
	}
	return c.OrgID != nil && *c.OrgID == s.orgID
}

// Exposure projects the aggregated capability set onto one MCP server
// instance. Every handler dispatches through the router, so internal and
// proxied calls share authorization and timeout behavior. Tool listings
// are filtered per caller so one tenant never sees another's tool names
// and schemas; the MCP library has no equivalent list hook for prompts or
// resources, so org-scoped prompts and resources stay off the shared
// listing entirely (the records remain reachable through the scope-checked
// search and REST surfaces).
type Exposure struct {
	mcp      *server.MCPServer
	registry *registry.Registry
	sessions *SessionManager
	store    exposureStore
	router   *Router

	exposedTools     map[string]struct{}
	exposedPrompts   map[string]struct{}
	exposedResources map[string]string // name -> uri

	// toolScope is read by the per-request list filter while Refresh
	// rebuilds it, hence the lock.
	mu        sync.RWMutex
	toolScope map[string]recordScope

	// Buffered so a notification never blocks the sender; a pending
	// signal coalesces any number of changes.
	notify chan struct{}
}

// NewExposure builds the MCP server and its projection state.
func NewExposure(reg *registry.Registry, sessions *SessionManager, st exposureStore, router *Router, version string) *Exposure {
	e := &Exposure{
		registry:         reg,
		sessions:         sessions,
		store:            st,
		router:           router,
		exposedTools:     make(map[string]struct{}),
		exposedPrompts:   make(map[string]struct{}),
		exposedResources: make(map[string]string),
		toolScope:        make(map[string]recordScope),
		notify:           make(chan struct{}, 1),
	}
	e.mcp = server.NewMCPServer(
		"compass-aggregator",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, true),
		server.WithPromptCapabilities(true),
		server.WithToolFilter(e.filterTools),
		server.WithRecovery(),
	)
	return e
}

// MCPServer returns the underlying server for transport mounting.
func (e *Exposure) MCPServer() *server.MCPServer {
	return e.mcp
}

// Notify schedules a capability refresh. Safe from any goroutine and never
// blocks; the aggregator service calls it after connects, syncs and
// removals so the /mcp surface follows without waiting for the ticker.
func (e *Exposure) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Run refreshes on registry signals, service notifications and a timer
// until the context ends.
func (e *Exposure) Run(ctx context.Context) {
	e.Refresh(ctx)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.registry.UpdateChannel():
			e.Refresh(ctx)
		case <-e.notify:
			e.Refresh(ctx)
		case <-ticker.C:
			e.Refresh(ctx)
		}
	}
}

// Refresh diffs the desired capability set against what is currently
// exposed, then applies additions and removals in batches.
func (e *Exposure) Refresh(ctx context.Context) {
	tools, prompts, resources, scopes := e.collect(ctx)

	e.mu.Lock()
	e.toolScope = scopes
	e.mu.Unlock()

	var obsoleteTools []string
	for name := range e.exposedTools {
		if _, ok := tools[name]; !ok {
			obsoleteTools = append(obsoleteTools, name)
			delete(e.exposedTools, name)
		}
	}
	if len(obsoleteTools) > 0 {
		e.mcp.DeleteTools(obsoleteTools...)
	}

	var obsoletePrompts []string
	for name := range e.exposedPrompts {
		if _, ok := prompts[name]; !ok {
			obsoletePrompts = append(obsoletePrompts, name)
			delete(e.exposedPrompts, name)
		}
	}
	if len(obsoletePrompts) > 0 {
		e.mcp.DeletePrompts(obsoletePrompts...)
	}

	// No batch removal for resources in the MCP library; remove one by one.
	for name, uri := range e.exposedResources {
		if _, ok := resources[name]; !ok {
			e.mcp.RemoveResource(uri)
			delete(e.exposedResources, name)
		}
	}

	var addTools []server.ServerTool
	for name, t := range tools {
		if _, ok := e.exposedTools[name]; ok {
			continue
		}
		e.exposedTools[name] = struct{}{}
		addTools = append(addTools, t)
	}
	if len(addTools) > 0 {
		e.mcp.AddTools(addTools...)
	}

	var addPrompts []server.ServerPrompt
	for name, p := range prompts {
		if _, ok := e.exposedPrompts[name]; ok {
			continue
		}
		e.exposedPrompts[name] = struct{}{}
		addPrompts = append(addPrompts, p)
	}
	if len(addPrompts) > 0 {
		e.mcp.AddPrompts(addPrompts...)
	}

	var addResources []server.ServerResource
	for name, r := range resources {
		if _, ok := e.exposedResources[name]; ok {
			continue
		}
		e.exposedResources[name] = r.Resource.URI
		addResources = append(addResources, r)
	}
	if len(addResources) > 0 {
		e.mcp.AddResources(addResources...)
	}

	if len(addTools)+len(obsoleteTools)+len(addPrompts)+len(obsoletePrompts) > 0 {
		logging.Debug("Aggregator", "Capabilities refreshed: %d tools, %d prompts, %d resources exposed",
			len(e.exposedTools), len(e.exposedPrompts), len(e.exposedResources))
	}
}

// filterTools drops tools outside the caller's tenant from listings.
// Installed as the MCP server's tool filter, so it runs with the request
// context of every tools/list.
func (e *Exposure) filterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	caller := CallerFromContext(ctx)

	e.mu.RLock()
	defer e.mu.RUnlock()
	filtered := make([]mcp.Tool, 0, len(tools))
	for _, t := range tools {
		if sc, ok := e.toolScope[t.Name]; ok && !sc.visibleTo(caller) {
			continue
		}
		filtered = append(filtered, t)
	}
	return filtered
}

// collect assembles the desired capability set: internal registrations plus
// the active records of every connected backend, along with the tenant
// scope of every tool.
func (e *Exposure) collect(ctx context.Context) (map[string]server.ServerTool, map[string]server.ServerPrompt, map[string]server.ServerResource, map[string]recordScope) {
	tools := make(map[string]server.ServerTool)
	prompts := make(map[string]server.ServerPrompt)
	resources := make(map[string]server.ServerResource)
	scopes := make(map[string]recordScope)

	for _, reg := range e.registry.Tools() {
		tools[reg.Tool.Name] = server.ServerTool{Tool: reg.Tool, Handler: e.toolHandler(reg.Tool.Name)}
		scopes[reg.Tool.Name] = recordScope{isGlobal: true}
	}
	for _, reg := range e.registry.Prompts() {
		prompts[reg.Prompt.Name] = server.ServerPrompt{Prompt: reg.Prompt, Handler: e.promptHandler(reg.Prompt.Name)}
	}
	for _, reg := range e.registry.Resources() {
		resources[reg.Resource.Name] = server.ServerResource{Resource: reg.Resource, Handler: e.resourceHandler(reg.Resource.Name)}
	}

	for _, sess := range e.sessions.All() {
		if sess.State() != SessionReady {
			continue
		}
		srv, err := e.store.GetServer(ctx, sess.ServerID)
		if err != nil {
			logging.Warn("Aggregator", "Loading server %s for exposure failed: %v", sess.Name, err)
			continue
		}
		filter := store.ToolFilter{SourceServerID: &srv.ID, OrgID: srv.OrgID, ActiveOnly: true}

		recs, err := e.store.ListTools(ctx, filter)
		if err != nil {
			logging.Warn("Aggregator", "Listing tools for %s failed: %v", sess.Name, err)
			continue
		}
		for _, t := range recs {
			tool := mcp.NewToolWithRawSchema(t.Name, t.Description, rawSchema(t.InputSchema))
			tools[t.Name] = server.ServerTool{Tool: tool, Handler: e.toolHandler(t.Name)}
			sc := recordScope{isGlobal: t.IsGlobal}
			if t.OrgID != nil {
				sc.orgID = *t.OrgID
			}
			scopes[t.Name] = sc
		}

		precs, err := e.store.ListPrompts(ctx, filter)
		if err == nil {
			for _, p := range precs {
				if !p.IsGlobal && p.OrgID != nil {
					continue
				}
				prompts[p.Name] = server.ServerPrompt{
					Prompt:  mcp.Prompt{Name: p.Name, Description: p.Description},
					Handler: e.promptHandler(p.Name),
				}
			}
		}

		rrecs, err := e.store.ListResources(ctx, filter)
		if err == nil {
			for _, r := range rrecs {
				if !r.IsGlobal && r.OrgID != nil {
					continue
				}
				resources[r.Name] = server.ServerResource{
					Resource: mcp.Resource{URI: r.URI, Name: r.Name, Description: r.Description, MIMEType: r.MimeType},
					Handler:  e.resourceHandler(r.Name),
				}
			}
		}
	}

	return tools, prompts, resources, scopes
}

func (e *Exposure) toolHandler(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, meta, err := e.router.CallTool(ctx, CallerFromContext(ctx), name, req.GetArguments())
		if meta != nil {
			logging.Debug("Aggregator", "Call %s routed to %s in %dms (exec %dms)",
				name, meta.RoutedTo, meta.RoutingTimeMS, meta.ExecutionTimeMS)
		}
		var authErr *AuthorizationRequiredError
		if errors.As(err, &authErr) {
			return authRequiredResult(authErr), nil
		}
		return res, err
	}
}

// authRequiredResult carries the pending-approval condition as a structured
// tool error, so MCP clients receive the same code and request id the REST
// surface reports.
func authRequiredResult(e *AuthorizationRequiredError) *mcp.CallToolResult {
	raw, err := json.Marshal(map[string]any{
		"code":    CodeAuthorizationRequired,
		"message": e.Error(),
		"data": map[string]string{
			"request_id": e.RequestID,
			"tool_name":  e.ToolName,
		},
	})
	if err != nil {
		return mcp.NewToolResultError(e.Error())
	}
	return mcp.NewToolResultError(string(raw))
}

func (e *Exposure) promptHandler(name string) server.PromptHandlerFunc {
	return func(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		res, _, err := e.router.GetPrompt(ctx, CallerFromContext(ctx), name, req.Params.Arguments)
		return res, err
	}
}

func (e *Exposure) resourceHandler(name string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		res, _, err := e.router.ReadResource(ctx, CallerFromContext(ctx), name)
		if err != nil {
			return nil, err
		}
		return res.Contents, nil
	}
}

// rawSchema passes the stored JSONB schema through unchanged.
func rawSchema(m store.JSONMap) []byte {
	if len(m) == 0 {
		return []byte(`{"type":"object"}`)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return []byte(`{"type":"object"}`)
	}
	return raw
}
