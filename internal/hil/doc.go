// Package hil orchestrates human-in-the-loop requests: authorization gates
// for HIGH-security tools, free-form input requests, content review, and
// the combined input-with-authorization form.
//
// Requests are keyed by an opaque id and deduplicated while pending by a
// fingerprint of (user, tool, canonical arguments): retrying a gated call
// before a decision returns the same request id, and an approval acts as a
// grant for the identical retry. Terminal states are sticky; pending
// requests expire after a configurable lifetime.
package hil
