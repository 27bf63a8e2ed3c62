package config

import "fmt"

// Validate checks invariants the rest of the process relies on. A validation
// failure at startup is fatal (non-zero exit).
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("config: database.dsn must be set")
	}
	if c.Vector.EmbeddingDim <= 0 {
		return fmt.Errorf("config: vector.embedding_dim must be positive, got %d", c.Vector.EmbeddingDim)
	}
	if c.Vector.RetryAttempts < 1 {
		return fmt.Errorf("config: vector.vector_retry_attempts must be at least 1")
	}
	if c.Vector.OverflowWarnPct <= 0 || c.Vector.OverflowWarnPct > 1 {
		return fmt.Errorf("config: vector.vector_overflow_warn_pct must be in (0,1], got %g", c.Vector.OverflowWarnPct)
	}
	if t := c.Search.SkillThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: search.skill_threshold must be in [0,1], got %g", t)
	}
	if t := c.Search.ToolScoreThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: search.tool_score_threshold must be in [0,1], got %g", t)
	}
	if t := c.Classifier.ConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: classifier.tool_score_threshold must be in [0,1], got %g", t)
	}
	if t := c.Classifier.PrimaryConfidenceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: classifier.primary_confidence_threshold must be in [0,1], got %g", t)
	}
	if c.Cache.Version < 1 {
		return fmt.Errorf("config: cache.cache_version must be at least 1, got %d", c.Cache.Version)
	}
	if c.Aggregator.RequestQueueSize < 1 {
		return fmt.Errorf("config: aggregator.request_queue_size must be at least 1")
	}
	if c.HIL.ExpiryS < 1 {
		return fmt.Errorf("config: hil.hil_expiry_s must be at least 1")
	}
	return nil
}
