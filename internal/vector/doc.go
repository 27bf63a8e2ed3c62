// Package vector maintains the embedding index used by hierarchical search.
//
// Three item collections (tools, prompts, resources) share a deterministic
// integer point-id scheme: point_id = type_offset + relational id, with one
// million ids reserved per type. A fourth collection holds skill embeddings
// keyed by a hash of the skill id. Writes go through a retry wrapper with
// exponential backoff; the id computation refuses writes past the per-type
// capacity and warns as the index approaches it.
//
// The backend keeps payload filtering behind a narrow interface: tenant and
// skill filters are evaluated in this package, so swapping the embedded
// store for a networked one only touches this file.
package vector
