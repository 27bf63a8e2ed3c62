// Package mcpclient provides the outbound MCP clients the aggregator uses
// to talk to backend servers. One client per transport (stdio child
// process, SSE stream, streamable HTTP), all sharing the same handshake and
// call surface. The factory builds the right client from a persisted server
// record.
package mcpclient
