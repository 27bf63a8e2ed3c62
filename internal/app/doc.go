// Package app wires the process together: it opens the stores, builds the
// discovery and aggregation services, registers the built-in capabilities
// and runs everything under one lifecycle. Startup is tiered (relational
// store, cache and vector index first, then the sync pipeline, then the
// aggregator, then the HTTP frontend) and teardown releases resources in
// reverse order.
package app
