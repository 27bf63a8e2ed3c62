package mcpclient

import (
	"context"
	"fmt"

	mcpgo "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"

	"compass/internal/store"
)

// NewStdioClient builds a client that spawns command with args and env and
// speaks MCP over its stdio pipes.
func NewStdioClient(command string, args []string, env map[string]string) Client {
	return &client{
		label: fmt.Sprintf("stdio:%s", command),
		dial: func(_ context.Context) (*mcpgo.Client, error) {
			envStrings := make([]string, 0, len(env))
			for k, v := range env {
				envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
			}
			return mcpgo.NewStdioMCPClient(command, envStrings, args...)
		},
	}
}

// NewSSEClient builds a client for an SSE endpoint. Headers are sent on
// every request, so static auth tokens belong there.
func NewSSEClient(url string, headers map[string]string) Client {
	return &client{
		label:     fmt.Sprintf("sse:%s", url),
		needStart: true,
		dial: func(_ context.Context) (*mcpgo.Client, error) {
			var opts []transport.ClientOption
			if len(headers) > 0 {
				opts = append(opts, transport.WithHeaders(headers))
			}
			return mcpgo.NewSSEMCPClient(url, opts...)
		},
	}
}

// NewStreamableHTTPClient builds a client for a streamable HTTP endpoint.
func NewStreamableHTTPClient(url string, headers map[string]string) Client {
	return &client{
		label:     fmt.Sprintf("http:%s", url),
		needStart: true,
		dial: func(_ context.Context) (*mcpgo.Client, error) {
			var opts []transport.StreamableHTTPCOption
			if len(headers) > 0 {
				opts = append(opts, transport.WithHTTPHeaders(headers))
			}
			return mcpgo.NewStreamableHttpClient(url, opts...)
		},
	}
}

// FromServer builds the client matching a persisted server record's
// transport configuration.
func FromServer(srv *store.ExternalServer) (Client, error) {
	switch srv.Transport {
	case store.TransportStdio:
		if srv.Command == nil || *srv.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", srv.Name)
		}
		env := make(map[string]string, len(srv.Env))
		for k, v := range srv.Env {
			env[k] = fmt.Sprintf("%v", v)
		}
		return NewStdioClient(*srv.Command, srv.Args, env), nil

	case store.TransportSSE:
		if srv.URL == nil || *srv.URL == "" {
			return nil, fmt.Errorf("server %s: sse transport requires a url", srv.Name)
		}
		return NewSSEClient(*srv.URL, stringHeaders(srv.Headers)), nil

	case store.TransportHTTP:
		if srv.URL == nil || *srv.URL == "" {
			return nil, fmt.Errorf("server %s: http transport requires a url", srv.Name)
		}
		return NewStreamableHTTPClient(*srv.URL, stringHeaders(srv.Headers)), nil

	default:
		return nil, fmt.Errorf("server %s: unknown transport %q", srv.Name, srv.Transport)
	}
}

func stringHeaders(m store.JSONMap) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
