// Package reconciler keeps the registry, the relational store and the
// vector index in agreement with the two capability authorities: the
// process's own registrations and each connected backend's listings.
//
// Internal sync upserts in-code registrations by name and retires unseen
// records. External sync diffs a backend's listing against the records it
// owns, applies inserts, updates and deletes in one transaction, and then
// schedules embedding and classification work on bounded queues. Both syncs
// are idempotent, so a failed run is simply retried.
package reconciler
