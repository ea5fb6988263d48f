package pipeline

import (
	"time"

	"proposal-pipeline/internal/config"
)

// RunConfig is the immutable snapshot a run is executed with. It is built
// once at process start and copied into the orchestrator.
type RunConfig struct {
	MaxAttempts        int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	EventWriteInterval time.Duration
	AI                 config.AIConfig
}

func NewRunConfig(cfg *config.Config) RunConfig {
	return RunConfig{
		MaxAttempts:        cfg.Pipeline.MaxAttempts,
		BaseDelay:          cfg.Pipeline.BaseDelay,
		MaxDelay:           cfg.Pipeline.MaxDelay,
		EventWriteInterval: cfg.Pipeline.EventWriteInterval,
		AI:                 cfg.AI,
	}.withDefaults()
}

func (c RunConfig) withDefaults() RunConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.EventWriteInterval <= 0 {
		c.EventWriteInterval = time.Second
	}
	return c
}

// Backoff returns the delay before retry number n (1-based): base doubled
// n-1 times, capped at MaxDelay.
func (c RunConfig) Backoff(n int) time.Duration {
	d := c.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.MaxDelay {
			return c.MaxDelay
		}
	}
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}
