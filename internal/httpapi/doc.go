// Package httpapi is the HTTP surface: the streamable MCP endpoint, the
// REST management API (search, skills, servers, HIL), the SSE progress
// stream and the health probe. Authentication runs in middleware and
// attaches the caller identity to the request context.
package httpapi
