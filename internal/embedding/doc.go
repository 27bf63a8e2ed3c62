// Package embedding wraps the two external model capabilities the system
// depends on: text embedding for the vector index and LLM-based skill
// classification for new tools. Both are narrow interfaces with
// OpenAI-compatible HTTP implementations; tests use the deterministic fakes
// in fake.go.
package embedding
