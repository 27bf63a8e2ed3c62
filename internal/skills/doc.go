// Package skills owns the skill taxonomy and its link to tools.
//
// The Catalog manages skill categories: validation, persistence, the skill
// embedding that stage-1 search matches against, and cache invalidation.
// The Classifier service asks the external LLM to assign skills to a tool,
// applies the confidence thresholds and tenant scope checks, and writes the
// result transactionally before pushing the new assignment set into the
// vector index payload.
package skills
