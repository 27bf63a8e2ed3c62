package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"compass/internal/config"
	"compass/internal/hil"
	"compass/internal/registry"
	"compass/internal/store"
	"compass/pkg/logging"
)

// routerStore resolves aggregated names to their records.
type routerStore interface {
	GetToolByName(ctx context.Context, name string, orgID *string) (*store.Tool, error)
	GetResourceByName(ctx context.Context, name string, orgID *string) (*store.Resource, error)
}

// authGate is the human-in-the-loop surface the router needs for
// HIGH-security calls.
type authGate interface {
	HasGrant(userID, toolName string, args map[string]any) bool
	CreateOrGet(spec hil.CreateSpec) (*hil.Request, bool)
}

// Caller identifies the requester for scoping and authorization.
type Caller struct {
	UserID string
	OrgID  *string
}

// CallMeta is attached to every routed call result.
type CallMeta struct {
	RoutedTo        string `json:"routed_to"`
	RoutingTimeMS   int64  `json:"routing_time_ms"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Router resolves aggregated names and dispatches calls to in-process
// handlers or backend sessions. Names without a dot are internal; a
// "server.rest" name routes to the session registered under "server".
type Router struct {
	registry *registry.Registry
	sessions *SessionManager
	store    routerStore
	gate     authGate

	requestTimeout  time.Duration
	degradedTimeout time.Duration
}

// NewRouter wires a router.
func NewRouter(reg *registry.Registry, sessions *SessionManager, st routerStore, gate authGate, cfg config.AggregatorConfig) *Router {
	return &Router{
		registry:        reg,
		sessions:        sessions,
		store:           st,
		gate:            gate,
		requestTimeout:  cfg.RequestTimeout(),
		degradedTimeout: cfg.DegradedTimeout(),
	}
}

// CallTool routes one tool call. HIGH-security tools require a standing
// authorization grant for the exact (user, tool, arguments) triple; without
// one the call is parked behind a new HIL request and
// AuthorizationRequiredError is returned.
func (r *Router) CallTool(ctx context.Context, caller Caller, name string, args map[string]any) (*mcp.CallToolResult, *CallMeta, error) {
	start := time.Now()

	if handler, ok := r.registry.ToolHandler(name); ok {
		reg, _ := r.registry.GetTool(name)
		if reg.SecurityLevel == store.SecurityHigh {
			if err := r.authorize(caller, name, args); err != nil {
				return nil, nil, err
			}
		}
		meta := &CallMeta{RoutedTo: "internal", RoutingTimeMS: time.Since(start).Milliseconds()}

		execStart := time.Now()
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := handler(ctx, req)
		meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
		return res, meta, err
	}

	serverName, original, ok := splitNamespaced(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	sess, ok := r.sessions.Get(serverName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServerUnavailable, serverName)
	}

	tool, err := r.store.GetToolByName(ctx, name, caller.OrgID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if tool.SecurityLevel == store.SecurityHigh {
		if err := r.authorize(caller, name, args); err != nil {
			return nil, nil, err
		}
	}

	timeout := r.requestTimeout
	if sess.Degraded() {
		timeout = r.degradedTimeout
	}
	meta := &CallMeta{RoutedTo: serverName, RoutingTimeMS: time.Since(start).Milliseconds()}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execStart := time.Now()
	res, err := sess.CallTool(callCtx, original, args)
	meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
	if err != nil {
		return nil, meta, fmt.Errorf("call %s on %s: %w", original, serverName, err)
	}
	return res, meta, nil
}

// GetPrompt routes one prompt fetch.
func (r *Router) GetPrompt(ctx context.Context, caller Caller, name string, args map[string]string) (*mcp.GetPromptResult, *CallMeta, error) {
	start := time.Now()

	if handler, ok := r.registry.PromptHandler(name); ok {
		meta := &CallMeta{RoutedTo: "internal", RoutingTimeMS: time.Since(start).Milliseconds()}
		execStart := time.Now()
		req := mcp.GetPromptRequest{}
		req.Params.Name = name
		req.Params.Arguments = args
		res, err := handler(ctx, req)
		meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
		return res, meta, err
	}

	serverName, original, ok := splitNamespaced(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: prompt %s", ErrToolNotFound, name)
	}
	sess, ok := r.sessions.Get(serverName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServerUnavailable, serverName)
	}

	timeout := r.requestTimeout
	if sess.Degraded() {
		timeout = r.degradedTimeout
	}
	meta := &CallMeta{RoutedTo: serverName, RoutingTimeMS: time.Since(start).Milliseconds()}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execStart := time.Now()
	res, err := sess.GetPrompt(callCtx, original, args)
	meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
	if err != nil {
		return nil, meta, fmt.Errorf("prompt %s on %s: %w", original, serverName, err)
	}
	return res, meta, nil
}

// ReadResource routes one resource read by aggregated name. External
// resources resolve through the store to recover the backend URI.
func (r *Router) ReadResource(ctx context.Context, caller Caller, name string) (*mcp.ReadResourceResult, *CallMeta, error) {
	start := time.Now()

	if handler, ok := r.registry.ResourceHandler(name); ok {
		reg, _ := r.registry.GetResource(name)
		meta := &CallMeta{RoutedTo: "internal", RoutingTimeMS: time.Since(start).Milliseconds()}
		execStart := time.Now()
		req := mcp.ReadResourceRequest{}
		req.Params.URI = reg.Resource.URI
		contents, err := handler(ctx, req)
		meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
		if err != nil {
			return nil, meta, err
		}
		return &mcp.ReadResourceResult{Contents: contents}, meta, nil
	}

	serverName, _, ok := splitNamespaced(name)
	if !ok {
		return nil, nil, fmt.Errorf("%w: resource %s", ErrToolNotFound, name)
	}
	sess, ok := r.sessions.Get(serverName)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServerUnavailable, serverName)
	}

	rec, err := r.store.GetResourceByName(ctx, name, caller.OrgID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resource %s", ErrToolNotFound, name)
	}

	timeout := r.requestTimeout
	if sess.Degraded() {
		timeout = r.degradedTimeout
	}
	meta := &CallMeta{RoutedTo: serverName, RoutingTimeMS: time.Since(start).Milliseconds()}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	execStart := time.Now()
	res, err := sess.ReadResource(callCtx, rec.URI)
	meta.ExecutionTimeMS = time.Since(execStart).Milliseconds()
	if err != nil {
		return nil, meta, fmt.Errorf("resource %s on %s: %w", rec.URI, serverName, err)
	}
	return res, meta, nil
}

// authorize enforces the HIL gate for one HIGH-security call.
func (r *Router) authorize(caller Caller, name string, args map[string]any) error {
	if r.gate == nil {
		return nil
	}
	if r.gate.HasGrant(caller.UserID, name, args) {
		return nil
	}
	req, created := r.gate.CreateOrGet(hil.CreateSpec{
		Kind:      hil.KindAuthorization,
		UserID:    caller.UserID,
		ToolName:  name,
		Action:    "call_tool",
		RiskLevel: "high",
		Args:      args,
	})
	if created {
		logging.Info("Aggregator", "Parked HIGH-security call to %s behind HIL request %s", name, req.ID)
	}
	return &AuthorizationRequiredError{RequestID: req.ID, ToolName: name}
}

// splitNamespaced splits "server.rest" at the first dot.
func splitNamespaced(name string) (server, rest string, ok bool) {
	i := strings.IndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}
