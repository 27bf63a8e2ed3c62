// Package search implements two-stage hierarchical capability discovery.
//
// Stage 1 matches the query against skill embeddings and keeps skills at or
// above the skill threshold. Stage 2 searches the item collection restricted
// to the matched skills; when stage 1 comes up empty the engine falls back
// to a direct search over all items and flags it in the response metadata.
// Responses are cached in the search namespace with a short TTL.
package search
