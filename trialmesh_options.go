package trialmesh

import (
	"time"

	"github.com/trialmesh/trialmesh/internal/engine"
)

type trialmeshConfig struct {
	logger      Logger
	analyzer    engine.StageAnalyzer
	siteTimeout time.Duration
	jobWorkers  int
}

type trialmeshOption func(*trialmeshConfig)

func WithLogger(logger Logger) trialmeshOption {
	return func(c *trialmeshConfig) {
		c.logger = logger
	}
}

// WithAnalyzer replaces the built-in rule-based stage analyzer.
func WithAnalyzer(analyzer engine.StageAnalyzer) trialmeshOption {
	return func(c *trialmeshConfig) {
		c.analyzer = analyzer
	}
}

// WithSiteTimeout bounds every per-site call in a federated round.
func WithSiteTimeout(d time.Duration) trialmeshOption {
	return func(c *trialmeshConfig) {
		c.siteTimeout = d
	}
}

func WithJobWorkers(n int) trialmeshOption {
	return func(c *trialmeshConfig) {
		c.jobWorkers = n
	}
}
