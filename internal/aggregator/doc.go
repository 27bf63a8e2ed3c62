// Package aggregator connects external MCP servers, keeps one managed
// session per connected server, and routes namespaced tool, prompt and
// resource calls to the owning backend or to in-process handlers.
//
// A server moves through REGISTERED, CONNECTING, CONNECTED, DEGRADED,
// DISCONNECTED and ERROR. The health monitor demotes and promotes between
// CONNECTED and DEGRADED and escalates to ERROR after repeated probe
// failures. Removal tears everything down in order: session, records,
// vector points, caches, then the registration row.
package aggregator
