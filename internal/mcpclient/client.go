package mcpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"compass/pkg/logging"
)

// protocolVersion is the MCP protocol revision spoken on the handshake.
const protocolVersion = "2024-11-05"

// defaultInitTimeout bounds the handshake when the caller's context has no
// deadline of its own.
const defaultInitTimeout = 10 * time.Second

// Client is one outbound MCP connection. Initialize must succeed before any
// other call; Close is safe to call at any time and releases the transport
// (for stdio, the child process).
type Client interface {
	Initialize(ctx context.Context) error
	Close() error
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	ListPrompts(ctx context.Context) ([]mcp.Prompt, error)
	GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error)
	ListResources(ctx context.Context) ([]mcp.Resource, error)
	ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error)
	Ping(ctx context.Context) error
}

// dialFunc opens the underlying transport. For stdio this spawns the child
// process; for SSE and streamable HTTP it creates the client which still
// needs Start.
type dialFunc func(ctx context.Context) (*mcpgo.Client, error)

// client wraps an mcp-go client behind a connected flag. The handshake and
// every call take the lock, so a Close racing a call cannot observe a
// half-torn-down transport.
type client struct {
	label     string
	dial      dialFunc
	needStart bool

	mu        sync.RWMutex
	inner     *mcpgo.Client
	connected bool
}

// Initialize opens the transport and performs the MCP handshake. On any
// failure after the transport opened, the transport is torn down again
// before the error returns; a stdio child process never outlives a failed
// handshake.
func (c *client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	inner, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("create client for %s: %w", c.label, err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, defaultInitTimeout)
		defer cancel()
	}

	if c.needStart {
		if err := inner.Start(initCtx); err != nil {
			_ = inner.Close()
			return fmt.Errorf("start transport for %s: %w", c.label, err)
		}
	}

	initResult, err := inner.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo: mcp.Implementation{
				Name:    "compass-aggregator",
				Version: "1.0.0",
			},
		},
	})
	if err != nil {
		if closeErr := inner.Close(); closeErr != nil {
			logging.Debug("MCPClient", "Closing failed client for %s: %v", c.label, closeErr)
		}
		return fmt.Errorf("initialize MCP protocol for %s: %w", c.label, err)
	}

	logging.Debug("MCPClient", "Connected to %s (tools=%v prompts=%v resources=%v)",
		c.label,
		initResult.Capabilities.Tools != nil,
		initResult.Capabilities.Prompts != nil,
		initResult.Capabilities.Resources != nil)

	c.inner = inner
	c.connected = true
	return nil
}

// Close shuts the connection down. Idempotent.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.inner == nil {
		return nil
	}
	err := c.inner.Close()
	c.inner = nil
	c.connected = false
	return err
}

func (c *client) get() (*mcpgo.Client, error) {
	if !c.connected || c.inner == nil {
		return nil, fmt.Errorf("client %s not connected", c.label)
	}
	return c.inner, nil
}

func (c *client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools on %s: %w", c.label, err)
	}
	return result.Tools, nil
}

func (c *client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.CallTool(ctx, mcp.CallToolRequest{
		Params: struct {
			Name      string    `json:"name"`
			Arguments any       `json:"arguments,omitempty"`
			Meta      *mcp.Meta `json:"_meta,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("call tool %s on %s: %w", name, c.label, err)
	}
	return result, nil
}

func (c *client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list prompts on %s: %w", c.label, err)
	}
	return result.Prompts, nil
}

func (c *client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments,omitempty"`
		}{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get prompt %s on %s: %w", name, c.label, err)
	}
	return result, nil
}

func (c *client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, fmt.Errorf("list resources on %s: %w", c.label, err)
	}
	return result.Resources, nil
}

func (c *client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return nil, err
	}
	result, err := inner.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: struct {
			URI       string         `json:"uri"`
			Arguments map[string]any `json:"arguments,omitempty"`
		}{
			URI: uri,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("read resource %s on %s: %w", uri, c.label, err)
	}
	return result, nil
}

func (c *client) Ping(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inner, err := c.get()
	if err != nil {
		return err
	}
	return inner.Ping(ctx)
}
