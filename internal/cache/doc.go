// Package cache implements the versioned key/value cache used in front of
// the relational store and the search engine.
//
// Every key is wrapped in the prefix "mcp:cache:v{N}:{namespace}:". Bumping
// N invalidates the entire prior version in one logical step; abandoned keys
// age out through their TTLs. Pattern invalidation walks the keyspace with
// SCAN in bounded batches so a large catalog cannot block the cache server.
package cache
