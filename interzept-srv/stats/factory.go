package stats

import (
	"fmt"

	"github.com/codefionn/interzept/interzept-srv/config"
)

// NewCollector creates the collector selected by cfg. Disabled statistics
// always yield a DummyCollector.
func NewCollector(cfg config.StatisticsConfig) (Collector, error) {
	if !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	switch cfg.Backend {
	case "sqlite", "sqlite3", "":
		path := cfg.SQLitePath
		if path == "" {
			path = "interzept_stats.db"
		}
		c, err := NewSQLiteCollector(path)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite collector: %w", err)
		}
		return c, nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		c, err := NewPostgreSQLCollector(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres collector: %w", err)
		}
		return c, nil
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}
}
